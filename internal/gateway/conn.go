package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nvloft/nvloft/internal/collab"
	"github.com/nvloft/nvloft/internal/logger"
	"github.com/nvloft/nvloft/internal/rpc"
	"github.com/nvloft/nvloft/internal/session"
)

// wsConn serialises writes: the writer task, collab forwarder, RPC
// replies and heartbeat all share one socket.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) write(ctx context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return w.conn.Write(wctx, websocket.MessageBinary, data)
}

func (w *wsConn) ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return w.conn.Ping(pctx)
}

// HandleWS is the WebSocket endpoint: one call per viewer connection.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	// Origin gate before upgrade. A missing header is same-origin.
	if origin := r.Header.Get("Origin"); origin != "" {
		if !ValidateOrigin(origin, g.AllowedOrigins) {
			logger.Warn("rejected connection from invalid origin", "origin", origin)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
	}

	req := ParseConnRequest(r.URL.Query())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin is validated above with strict scheme+host equality.
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(8 << 20)

	ctx := r.Context()
	ws := &wsConn{conn: conn}

	sess, readOnly, err := g.attach(ctx, req)
	if err != nil {
		logger.Warn("attach failed", "error", err)
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	st := &connState{
		sessionID: sess.ID,
		viewerID:  uuid.New().String()[:8],
		readOnly:  readOnly,
	}
	log := logger.With("session", sess.ID, "viewer", st.viewerID)
	log.Info("viewer connected", "read_only", readOnly)

	// Subscribe before the handshake frame so nothing published in
	// between is lost.
	sub := sess.Hub.Subscribe()
	if sub == nil {
		return
	}
	defer sub.Unsubscribe()

	// First frame: ["session", id, is_viewer].
	firstFrame, err := rpc.Encode([]any{"session", sess.ID, readOnly})
	if err != nil || ws.write(ctx, firstFrame) != nil {
		return
	}

	viewers := g.Collab.ForSession(sess.ID)
	collabCh := viewers.Subscribe()
	defer viewers.Unsubscribe(collabCh)

	sess.AddViewer()
	viewers.AddViewer(st.viewerID, "", readOnly)
	defer func() {
		viewers.RemoveViewer(st.viewerID)
		sess.RemoveViewer()
		sess.Touch()
		log.Info("viewer disconnected")
	}()

	// Initialise the viewer's documents before incremental updates.
	viewers.SyncAllBuffers()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastActivity atomicTime
	lastActivity.set(time.Now())

	// Writer task: drain the session broadcast. On lag, request a full
	// redraw, debounced so a storm of lag signals produces one.
	go func() {
		defer cancel()
		recovery := newLagRecovery(lagDebounce)
		for {
			frame, lagged, err := sub.Recv(connCtx)
			if err != nil {
				return
			}
			if lagged > 0 {
				log.Warn("broadcast lagged", "dropped", lagged)
				if recovery.shouldRecover() {
					if err := sess.Editor.RequestRedraw(connCtx); err != nil {
						log.Warn("redraw after lag failed", "error", err)
					}
				}
			}
			if err := ws.write(connCtx, frame); err != nil {
				return
			}
		}
	}()

	// Browser FS request forwarder: vfs://browser/ operations reach
	// the viewer through the same socket.
	if fsSub := g.FsHub.Subscribe(); fsSub != nil {
		defer fsSub.Unsubscribe()
		go func() {
			defer cancel()
			for {
				frame, _, err := fsSub.Recv(connCtx)
				if err != nil {
					return
				}
				if err := ws.write(connCtx, frame); err != nil {
					return
				}
			}
		}()
	}

	// Collaboration forwarder.
	go func() {
		defer cancel()
		for {
			select {
			case <-connCtx.Done():
				return
			case ev, ok := <-collabCh:
				if !ok {
					return
				}
				frame := encodeCollabEvent(st.viewerID, ev)
				if frame == nil {
					continue
				}
				if err := ws.write(connCtx, frame); err != nil {
					return
				}
			}
		}
	}()

	// Heartbeat: ping every 30 s; a zombie connection (idle > 5 min)
	// gets a best-effort auto-save, then teardown.
	go func() {
		defer cancel()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				if time.Since(lastActivity.get()) > heartbeatTimeout {
					log.Warn("heartbeat timeout, auto-saving session")
					saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
					sess.Editor.Call(saveCtx, "nvim_command", []any{"silent! w"})
					sess.Editor.Call(saveCtx, "nvim_command", []any{"silent! mksession! ~/.local/state/nvim/sessions/auto.vim"})
					saveCancel()
					return
				}
				if err := ws.ping(connCtx); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop: sequential frame processing with rate limiting.
	limiter := rate.NewLimiter(rate.Limit(ratePerSecond), rateBurst)
	for {
		msgType, data, err := conn.Read(connCtx)
		if err != nil {
			break
		}
		lastActivity.set(time.Now())
		if msgType != websocket.MessageBinary {
			continue
		}
		// Read-only viewers stream output only.
		if readOnly {
			continue
		}
		if !limiter.Allow() {
			log.Warn("rate limit exceeded, dropping frame")
			continue
		}
		replies, err := g.HandleFrame(connCtx, st, data)
		if err != nil {
			log.Warn("frame handling failed", "error", err)
			continue
		}
		for _, reply := range replies {
			if err := ws.write(connCtx, reply); err != nil {
				break
			}
		}
		if s := g.Sessions.Get(st.sessionID); s != nil {
			s.Touch()
		}
	}
	cancel()
}

// attach resolves the connection request into a session: read-only
// view, resume, or create. View and resume request a full redraw so
// the new subscriber receives current state.
func (g *Gateway) attach(ctx context.Context, req ConnRequest) (*session.Session, bool, error) {
	if req.ShareToken != "" {
		// Resolving the link consumes one use; the read-only flag of
		// the link governs the attachment.
		sessionID, readOnly, ok := g.Links.UseLink(req.ShareToken)
		if !ok {
			return nil, false, errShareLinkInvalid
		}
		sess := g.Sessions.Get(sessionID)
		if sess == nil {
			return nil, false, errSessionNotFound(sessionID)
		}
		sess.Editor.RequestRedraw(ctx)
		if !readOnly {
			sess.SetConnected(true)
		}
		return sess, readOnly, nil
	}
	if req.ViewID != "" {
		sess := g.Sessions.Get(req.ViewID)
		if sess == nil {
			return nil, false, errSessionNotFound(req.ViewID)
		}
		sess.Editor.RequestRedraw(ctx)
		return sess, true, nil
	}
	if req.SessionID != "" && !req.ForceNew {
		if sess := g.Sessions.Get(req.SessionID); sess != nil {
			sess.SetConnected(true)
			sess.Editor.RequestRedraw(ctx)
			return sess, false, nil
		}
	}
	id, err := g.Sessions.Create(ctx, req.Context)
	if err != nil {
		return nil, false, err
	}
	sess := g.Sessions.Get(id)
	if sess == nil {
		return nil, false, errSessionNotFound(id)
	}
	sess.SetConnected(true)
	return sess, false, nil
}

var errShareLinkInvalid = errors.New("share link invalid, expired or used up")

type sessionNotFoundError string

func (e sessionNotFoundError) Error() string { return "session not found: " + string(e) }

func errSessionNotFound(id string) error { return sessionNotFoundError(id) }

// encodeCollabEvent renders a collaboration event for one viewer, or
// nil when the event does not concern them.
func encodeCollabEvent(viewerID string, ev collab.Event) []byte {
	var msg []any
	switch ev.Kind {
	case collab.EventViewerJoined:
		v := ev.Viewer
		msg = []any{rpc.TypeNotification, "collab_viewer_joined", []any{map[string]any{
			"id": v.ID, "name": v.Name, "color": v.Color, "role": v.Role,
		}}}
	case collab.EventViewerLeft:
		msg = []any{rpc.TypeNotification, "collab_viewer_left", []any{ev.ViewerID}}
	case collab.EventCursorMoved:
		if ev.ViewerID == viewerID {
			return nil // no echo
		}
		msg = []any{rpc.TypeNotification, "collab_cursor", []any{
			ev.ViewerID, ev.Cursor.Row, ev.Cursor.Col, ev.Cursor.Grid,
		}}
	case collab.EventOwnerCursorMoved:
		msg = []any{rpc.TypeNotification, "collab_owner_cursor", []any{
			ev.Cursor.Row, ev.Cursor.Col, ev.Cursor.Grid,
		}}
	case collab.EventBufferChanged:
		msg = []any{rpc.TypeNotification, "collab_buffer_update", []any{ev.BufferID, ev.Update}}
	case collab.EventBufferSync:
		msg = []any{rpc.TypeNotification, "collab_buffer_sync", []any{ev.BufferID, ev.Update}}
	case collab.EventWebRtcSignal:
		if ev.SignalTo != viewerID {
			return nil // unicast
		}
		msg = []any{rpc.TypeNotification, "collab_signal", []any{
			ev.ViewerID, ev.SignalType, ev.SignalPayload,
		}}
	case collab.EventChatMessage:
		if ev.ChatTo != "" && ev.ChatTo != viewerID && ev.ViewerID != viewerID {
			return nil
		}
		msg = []any{rpc.TypeNotification, "collab_chat", []any{
			ev.ViewerID, ev.ChatTo, ev.ChatText, ev.Timestamp,
		}}
	default:
		return nil
	}
	frame, err := rpc.Encode(msg)
	if err != nil {
		return nil
	}
	return frame
}

// atomicTime is a mutex-guarded timestamp shared between the reader
// loop and the heartbeat task.
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
