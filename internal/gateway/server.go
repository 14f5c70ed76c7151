// Package gateway is the transport layer between browsers and
// sessions: WebSocket handshake, origin and rate gating, the split
// reader/writer tasks with lag recovery, and the command router.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/nvloft/nvloft/internal/collab"
	"github.com/nvloft/nvloft/internal/p2p"
	"github.com/nvloft/nvloft/internal/session"
	"github.com/nvloft/nvloft/internal/settings"
	"github.com/nvloft/nvloft/internal/share"
	"github.com/nvloft/nvloft/internal/term"
	"github.com/nvloft/nvloft/internal/vfs"
)

// Timing constants for the per-connection tasks.
const (
	heartbeatInterval = 30 * time.Second
	heartbeatTimeout  = 5 * time.Minute
	lagDebounce       = 2 * time.Second
	writeTimeout      = 10 * time.Second

	// Inbound rate limit: token bucket.
	rateBurst     = 1000
	ratePerSecond = 100
)

// Gateway owns everything a connection needs.
type Gateway struct {
	Sessions   *session.Supervisor
	VFS        *vfs.Manager
	FsRegistry *vfs.FsRequestRegistry
	// FsHub carries browser-bound FS request frames; every connection
	// drains it alongside its session broadcast.
	FsHub    *session.Hub
	Settings *settings.Store
	Collab   *collab.Registry
	Tokens   *share.TokenStore
	Links    *share.LinkStore
	Peers    *p2p.PeerManager

	// AllowedOrigins for the strict handshake check.
	AllowedOrigins []string

	termMu sync.Mutex
	terms  map[string]*term.Manager
}

// New creates a gateway over the given subsystems.
func New(sessions *session.Supervisor, vfsManager *vfs.Manager, fsRegistry *vfs.FsRequestRegistry, store *settings.Store, allowedOrigins []string) *Gateway {
	g := &Gateway{
		Sessions:       sessions,
		VFS:            vfsManager,
		FsRegistry:     fsRegistry,
		FsHub:          session.NewHub(256),
		Settings:       store,
		Collab:         collab.NewRegistry(),
		Tokens:         share.NewTokenStore(),
		Links:          share.NewLinkStore(),
		Peers:          p2p.NewPeerManager(nil),
		AllowedOrigins: allowedOrigins,
		terms:          make(map[string]*term.Manager),
	}
	// P2P migration: once a viewer's data channel opens, mirror the
	// session broadcast onto it. The WebSocket stays up as fallback.
	g.Peers.OnChannel(g.mirrorFrames)
	return g
}

// mirrorFrames pumps a session's frames over a WebRTC data channel
// until the session ends or the channel closes.
func (g *Gateway) mirrorFrames(viewerID, sessionID string, dc *webrtc.DataChannel) {
	sess := g.Sessions.Get(sessionID)
	if sess == nil {
		dc.Close()
		return
	}
	sub := sess.Hub.Subscribe()
	if sub == nil {
		dc.Close()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	dc.OnClose(func() { cancel() })
	go func() {
		defer sub.Unsubscribe()
		for {
			frame, _, err := sub.Recv(ctx)
			if err != nil {
				return
			}
			if err := dc.Send(frame); err != nil {
				return
			}
		}
	}()
}

// Handler returns the HTTP mux exposing the WebSocket endpoint and the
// open-token claim endpoint.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.HandleWS)
	mux.HandleFunc("/claim", g.handleClaim)
	return mux
}

// handleClaim consumes an open token produced by the CLI: the browser
// lands on ?open=<token> and POSTs here to claim it.
func (g *Gateway) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}
	claim, ok := g.Tokens.Claim(token)
	if !ok {
		http.Error(w, "invalid or expired token", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{"path": claim.Path}
	if claim.TargetFile != "" {
		resp["target_file"] = claim.TargetFile
		resp["target_line"] = claim.TargetLine
	}
	json.NewEncoder(w).Encode(resp)
}

// termManager returns (creating on demand) the terminal manager of a
// session; terminals die with the session's editor.
func (g *Gateway) termManager(sess *session.Session) *term.Manager {
	g.termMu.Lock()
	defer g.termMu.Unlock()
	tm, ok := g.terms[sess.ID]
	if !ok {
		tm = term.NewManager(sess.ID, sess.Hub.Publish)
		g.terms[sess.ID] = tm
		go func() {
			<-sess.Editor.Done()
			tm.CloseAll()
			g.termMu.Lock()
			delete(g.terms, sess.ID)
			g.termMu.Unlock()
		}()
	}
	return tm
}
