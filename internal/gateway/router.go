package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/nvloft/nvloft/internal/collab"
	"github.com/nvloft/nvloft/internal/logger"
	"github.com/nvloft/nvloft/internal/rpc"
	"github.com/nvloft/nvloft/internal/session"
	"github.com/nvloft/nvloft/internal/share"
	"github.com/nvloft/nvloft/internal/vfs"
)

// connState is the router's view of one connection.
type connState struct {
	sessionID string
	viewerID  string
	readOnly  bool
}

// HandleFrame decodes one inbound frame and dispatches it. The
// returned frames (if any) go back over the same socket. Malformed
// frames are dropped with a warning; the connection stays open.
func (g *Gateway) HandleFrame(ctx context.Context, st *connState, data []byte) ([][]byte, error) {
	decoded, err := rpc.Decode(data)
	if err != nil {
		logger.Warn("malformed frame", "session", st.sessionID, "error", err)
		return nil, nil
	}
	arr, ok := rpc.Slice(decoded)
	if !ok || len(arr) == 0 {
		logger.Warn("frame is not a non-empty array", "session", st.sessionID)
		return nil, nil
	}

	// The envelope mixes integer-tagged RPC and string-tagged legacy
	// messages; the first element's runtime type discriminates.
	if kind, isInt := rpc.Int(arr[0]); isInt {
		switch kind {
		case rpc.TypeRequest:
			if len(arr) < 4 {
				return nil, nil
			}
			return g.handleRPC(ctx, st, arr)
		case rpc.TypeResponse:
			// Reserved: the gateway never initiates viewer RPC.
			logger.Debug("ignoring viewer response frame", "session", st.sessionID)
			return nil, nil
		case rpc.TypeNotification:
			if len(arr) < 3 {
				return nil, nil
			}
			return nil, g.handleNotification(st, arr)
		case 3:
			// FS response from the browser-backed driver.
			g.HandleFSResponse(arr)
			return nil, nil
		default:
			logger.Warn("unknown envelope tag", "session", st.sessionID, "tag", kind)
			return nil, nil
		}
	}

	if method, isStr := rpc.String(arr[0]); isStr {
		return nil, g.handleLegacy(ctx, st, method, arr)
	}
	logger.Warn("frame tag is neither int nor string", "session", st.sessionID)
	return nil, nil
}

// handleRPC services [0, id, method, params] and encodes the
// [1, id, error, result] reply. Errors never cross as Go errors: they
// become the reply's error slot.
func (g *Gateway) handleRPC(ctx context.Context, st *connState, arr []any) ([][]byte, error) {
	id := arr[1]
	method, _ := rpc.String(arr[2])
	params, _ := rpc.Slice(arr[3])

	result, err := g.dispatchRPC(ctx, st, method, params)
	var errVal any
	if err != nil {
		errVal = err.Error()
		result = nil
	}
	reply, encErr := rpc.Encode([]any{rpc.TypeResponse, id, errVal, result})
	if encErr != nil {
		return nil, fmt.Errorf("encode reply: %w", encErr)
	}
	return [][]byte{reply}, nil
}

func (g *Gateway) dispatchRPC(ctx context.Context, st *connState, method string, params []any) (any, error) {
	switch method {
	// VFS
	case "vfs_open":
		return g.vfsOpen(ctx, st, params)
	case "vfs_write":
		return g.vfsWriteBuffer(ctx, st, params)
	case "vfs_list":
		return g.vfsList(ctx, params)
	case "vfs_add_alias":
		return g.vfsAddAlias(params)
	case "vfs_remove_alias":
		return g.vfsRemoveAlias(params)

	// Settings
	case "settings_get":
		return g.settingsGet(params)
	case "settings_set":
		return g.settingsSet(params)
	case "settings_all":
		return g.settingsAll()

	// Session info
	case "get_cwd_info":
		return g.cwdInfo(ctx, st)
	case "session_list":
		return g.sessionList()

	// Sharing
	case "share_create":
		return g.shareCreate(st, params)
	case "share_list":
		return g.shareList(st)
	case "share_revoke":
		return g.shareRevoke(params)
	case "claim_open_token":
		return g.claimOpenToken(params)

	// Collaboration
	case "collab_viewers":
		return g.collabViewers(st)
	case "collab_cursor":
		return g.collabCursor(st, params)
	case "collab_sync":
		return g.collabSync(st, params)
	case "collab_chat":
		return g.collabChat(st, params)
	case "collab_signal":
		return g.collabSignal(st, params)

	// Terminals
	case "term_open":
		return g.termOpen(st, params)
	case "term_input":
		return g.termInput(st, params)
	case "term_resize":
		return g.termResize(st, params)
	case "term_replay":
		return g.termReplay(st, params)
	case "term_kill":
		return g.termKill(st, params)

	// P2P transport migration
	case "webrtc_offer":
		return g.webrtcOffer(st, params)
	case "webrtc_ice":
		return g.webrtcICE(st, params)
	}

	// Everything else forwards verbatim to the editor.
	sess := g.Sessions.Get(st.sessionID)
	if sess == nil {
		return nil, fmt.Errorf("session not found: %s", st.sessionID)
	}
	return sess.Editor.Call(ctx, method, params)
}

// handleNotification services [2, ...] frames: FS requests use the
// numeric second element, clipboard replies the method form.
func (g *Gateway) handleNotification(st *connState, arr []any) error {
	// [2, id, [op, ns, path, data?]] never originates from viewers;
	// the meaningful inbound form is [2, "clipboard_read_response",
	// [req_id, content, session_id]].
	method, ok := rpc.String(arr[1])
	if !ok {
		return nil
	}
	if method != "clipboard_read_response" {
		logger.Debug("ignoring notification", "method", method)
		return nil
	}
	params, _ := rpc.Slice(arr[2])
	if len(params) < 3 {
		return nil
	}
	reqID, _ := rpc.Uint(params[0])
	content := params[1]
	replySession, _ := rpc.String(params[2])
	if replySession != st.sessionID {
		logger.Warn("blocked clipboard response from wrong session",
			"expected", st.sessionID, "got", replySession)
		return nil
	}
	sess := g.Sessions.Get(st.sessionID)
	if sess == nil {
		return nil
	}
	sess.Editor.CompleteRequest(uint32(reqID), content)
	return nil
}

// HandleFSResponse resolves [3, id, ok, result] frames from the
// browser-backed driver.
func (g *Gateway) HandleFSResponse(arr []any) {
	if len(arr) < 4 {
		return
	}
	id, _ := rpc.Uint(arr[1])
	ok, _ := rpc.Bool(arr[2])
	if ok {
		g.FsRegistry.Resolve(id, vfs.FsResult{Value: arr[3]})
	} else {
		msg := rpc.StringOr(arr[3], "unknown FS error")
		g.FsRegistry.Resolve(id, vfs.FsResult{Err: fmt.Errorf("%s", msg)})
	}
}

// handleLegacy services the string-keyed fast path: input, resize and
// mouse. Read-only viewers are rejected silently.
func (g *Gateway) handleLegacy(ctx context.Context, st *connState, method string, arr []any) error {
	if st.readOnly {
		return nil
	}
	sess := g.Sessions.Get(st.sessionID)
	if sess == nil {
		return fmt.Errorf("session not found: %s", st.sessionID)
	}
	switch method {
	case "input":
		if len(arr) < 2 {
			return nil
		}
		keys, ok := rpc.String(arr[1])
		if !ok {
			return nil
		}
		return sess.Editor.Input(ctx, keys)
	case "resize":
		if len(arr) < 3 {
			return nil
		}
		cols := rpc.IntOr(arr[1], 80)
		rows := rpc.IntOr(arr[2], 24)
		return sess.Editor.Resize(ctx, cols, rows)
	case "input_mouse":
		if len(arr) < 7 {
			return nil
		}
		_, err := sess.Editor.Call(ctx, "nvim_input_mouse", []any{
			rpc.StringOr(arr[1], "left"),
			rpc.StringOr(arr[2], "press"),
			rpc.StringOr(arr[3], ""),
			rpc.IntOr(arr[4], 1),
			rpc.IntOr(arr[5], 0),
			rpc.IntOr(arr[6], 0),
		})
		return err
	}
	logger.Debug("unknown legacy method", "method", method)
	return nil
}

// ── Settings ─────────────────────────────────────────────────────────

func (g *Gateway) settingsGet(params []any) (any, error) {
	if g.Settings == nil {
		return nil, fmt.Errorf("settings store unavailable")
	}
	key := rpc.StringOr(first(params), "")
	value, ok, err := g.Settings.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return value, nil
}

func (g *Gateway) settingsSet(params []any) (any, error) {
	if g.Settings == nil {
		return nil, fmt.Errorf("settings store unavailable")
	}
	if len(params) < 2 {
		return nil, fmt.Errorf("settings_set requires key and value")
	}
	key := rpc.StringOr(params[0], "")
	value := rpc.StringOr(params[1], "")
	if err := g.Settings.Set(key, value); err != nil {
		return nil, err
	}
	return true, nil
}

func (g *Gateway) settingsAll() (any, error) {
	if g.Settings == nil {
		return nil, fmt.Errorf("settings store unavailable")
	}
	all, err := g.Settings.All()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(all))
	for k, v := range all {
		out[k] = v
	}
	return out, nil
}

// ── Session info ─────────────────────────────────────────────────────

func (g *Gateway) sessionList() (any, error) {
	infos := g.Sessions.List()
	out := make([]any, 0, len(infos))
	for _, info := range infos {
		out = append(out, map[string]any{
			"id":        info.ID,
			"age_secs":  info.AgeSecs,
			"connected": info.Connected,
			"viewers":   info.Viewers,
		})
	}
	return out, nil
}

// ── Sharing ──────────────────────────────────────────────────────────

func (g *Gateway) shareCreate(st *connState, params []any) (any, error) {
	opts := share.LinkOptions{ReadOnly: true}
	if len(params) > 0 {
		if m, ok := rpc.Map(params[0]); ok {
			if ttl, ok := rpc.Uint(m["ttl_secs"]); ok {
				opts.TTL = time.Duration(ttl) * time.Second
			}
			if maxUses, ok := rpc.Uint(m["max_uses"]); ok {
				opts.MaxUses = uint32(maxUses)
			}
			if ro, ok := rpc.Bool(m["read_only"]); ok {
				opts.ReadOnly = ro
			}
			opts.Label = rpc.StringOr(m["label"], "")
		}
	}
	link := g.Links.CreateLink(st.sessionID, opts)
	return map[string]any{
		"token":     link.Token,
		"read_only": link.ReadOnly,
		"max_uses":  link.MaxUses,
		"label":     link.Label,
	}, nil
}

func (g *Gateway) shareList(st *connState) (any, error) {
	links := g.Links.Links(st.sessionID)
	out := make([]any, 0, len(links))
	for _, link := range links {
		out = append(out, map[string]any{
			"token":     link.Token,
			"read_only": link.ReadOnly,
			"use_count": link.UseCount,
			"max_uses":  link.MaxUses,
			"label":     link.Label,
		})
	}
	return out, nil
}

func (g *Gateway) shareRevoke(params []any) (any, error) {
	token := rpc.StringOr(first(params), "")
	return g.Links.Revoke(token), nil
}

func (g *Gateway) claimOpenToken(params []any) (any, error) {
	token := rpc.StringOr(first(params), "")
	claim, ok := g.Tokens.Claim(token)
	if !ok {
		return nil, fmt.Errorf("invalid or expired token")
	}
	out := map[string]any{"path": claim.Path}
	if claim.TargetFile != "" {
		out["target_file"] = claim.TargetFile
		out["target_line"] = claim.TargetLine
	}
	if claim.Config.Name != "" {
		out["project"] = claim.Config.Name
	}
	return out, nil
}

// ── Collaboration ────────────────────────────────────────────────────

func (g *Gateway) collabViewers(st *connState) (any, error) {
	viewers := g.Collab.ForSession(st.sessionID).Viewers()
	out := make([]any, 0, len(viewers))
	for _, v := range viewers {
		entry := map[string]any{
			"id":           v.ID,
			"name":         v.Name,
			"color":        v.Color,
			"role":         v.Role,
			"connected_at": v.ConnectedAt,
		}
		if v.Cursor != nil {
			entry["cursor"] = map[string]any{
				"row": v.Cursor.Row, "col": v.Cursor.Col, "grid": v.Cursor.Grid,
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func (g *Gateway) collabCursor(st *connState, params []any) (any, error) {
	if len(params) < 3 {
		return nil, fmt.Errorf("collab_cursor requires row, col, grid")
	}
	pos := collab.CursorPosition{
		Row:  uint32(rpc.IntOr(params[0], 0)),
		Col:  uint32(rpc.IntOr(params[1], 0)),
		Grid: uint32(rpc.IntOr(params[2], 1)),
	}
	g.Collab.ForSession(st.sessionID).UpdateCursor(st.viewerID, pos)
	return nil, nil
}

func (g *Gateway) collabSync(st *connState, params []any) (any, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("collab_sync requires buffer id and message")
	}
	bufferID, _ := rpc.Uint(params[0])
	msgBytes, ok := rpc.Bytes(params[1])
	if !ok {
		return nil, fmt.Errorf("collab_sync message must be bytes")
	}
	msg, err := collab.DecodeSyncMessage(msgBytes)
	if err != nil {
		return nil, err
	}
	reply, err := g.Collab.ForSession(st.sessionID).HandleSync(bufferID, msg)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, nil
	}
	encoded, err := collab.EncodeSyncMessage(*reply)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

func (g *Gateway) collabChat(st *connState, params []any) (any, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("collab_chat requires recipient and text")
	}
	to := rpc.StringOr(params[0], "")
	text := rpc.StringOr(params[1], "")
	g.Collab.ForSession(st.sessionID).SendChat(st.viewerID, to, text)
	return nil, nil
}

func (g *Gateway) collabSignal(st *connState, params []any) (any, error) {
	if len(params) < 3 {
		return nil, fmt.Errorf("collab_signal requires to, type, payload")
	}
	to := rpc.StringOr(params[0], "")
	signalType := rpc.StringOr(params[1], "")
	payload := rpc.StringOr(params[2], "")
	g.Collab.ForSession(st.sessionID).SendSignal(st.viewerID, to, signalType, payload)
	return nil, nil
}

// ── Terminals ────────────────────────────────────────────────────────

func (g *Gateway) sessionFor(st *connState) (*session.Session, error) {
	sess := g.Sessions.Get(st.sessionID)
	if sess == nil {
		return nil, fmt.Errorf("session not found: %s", st.sessionID)
	}
	return sess, nil
}

func (g *Gateway) termOpen(st *connState, params []any) (any, error) {
	sess, err := g.sessionFor(st)
	if err != nil {
		return nil, err
	}
	cols := uint16(rpc.IntOr(first(params), 80))
	rows := uint16(24)
	if len(params) > 1 {
		rows = uint16(rpc.IntOr(params[1], 24))
	}
	id, err := g.termManager(sess).Open(cols, rows, sess.Context)
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (g *Gateway) termInput(st *connState, params []any) (any, error) {
	sess, err := g.sessionFor(st)
	if err != nil {
		return nil, err
	}
	if len(params) < 2 {
		return nil, fmt.Errorf("term_input requires id and data")
	}
	id, _ := rpc.Uint(params[0])
	data, ok := rpc.Bytes(params[1])
	if !ok {
		return nil, fmt.Errorf("term_input data must be bytes")
	}
	return nil, g.termManager(sess).Input(id, data)
}

func (g *Gateway) termResize(st *connState, params []any) (any, error) {
	sess, err := g.sessionFor(st)
	if err != nil {
		return nil, err
	}
	if len(params) < 3 {
		return nil, fmt.Errorf("term_resize requires id, cols, rows")
	}
	id, _ := rpc.Uint(params[0])
	cols := uint16(rpc.IntOr(params[1], 80))
	rows := uint16(rpc.IntOr(params[2], 24))
	return nil, g.termManager(sess).Resize(id, cols, rows)
}

func (g *Gateway) termReplay(st *connState, params []any) (any, error) {
	sess, err := g.sessionFor(st)
	if err != nil {
		return nil, err
	}
	id, _ := rpc.Uint(first(params))
	return g.termManager(sess).Replay(id)
}

func (g *Gateway) termKill(st *connState, params []any) (any, error) {
	sess, err := g.sessionFor(st)
	if err != nil {
		return nil, err
	}
	id, _ := rpc.Uint(first(params))
	return nil, g.termManager(sess).Kill(id)
}

// ── P2P ──────────────────────────────────────────────────────────────

// webrtcOffer answers a viewer's SDP offer and mirrors the session
// broadcast onto the data channel once it opens.
func (g *Gateway) webrtcOffer(st *connState, params []any) (any, error) {
	sdp := rpc.StringOr(first(params), "")
	if sdp == "" {
		return nil, fmt.Errorf("webrtc_offer requires an SDP string")
	}
	answer, err := g.Peers.HandleOffer(st.viewerID, sdp)
	if err != nil {
		return nil, err
	}
	return answer, nil
}

func (g *Gateway) webrtcICE(st *connState, params []any) (any, error) {
	candidate := rpc.StringOr(first(params), "")
	if candidate == "" {
		return nil, fmt.Errorf("webrtc_ice requires a candidate string")
	}
	return nil, g.Peers.AddICECandidate(st.viewerID, candidate)
}

func first(params []any) any {
	if len(params) == 0 {
		return nil
	}
	return params[0]
}
