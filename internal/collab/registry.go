package collab

import (
	"sync"
	"time"
)

// Viewer roles.
const (
	RoleOwner       = "owner"
	RoleParticipant = "participant"
	RoleReadOnly    = "read-only"
)

// Palette for viewer colours; assignment is index modulo palette size
// and stays stable for the viewer's lifetime.
var palette = []string{
	"#ff6b6b", // red
	"#4ecdc4", // teal
	"#ffe66d", // yellow
	"#95e1d3", // mint
	"#f38181", // coral
	"#aa96da", // lavender
	"#fcbad3", // pink
	"#a8d8ea", // sky blue
}

// CursorPosition is a grid cursor location.
type CursorPosition struct {
	Row  uint32 `msgpack:"row" json:"row"`
	Col  uint32 `msgpack:"col" json:"col"`
	Grid uint32 `msgpack:"grid" json:"grid"`
}

// ViewerInfo describes one attached browser connection.
type ViewerInfo struct {
	ID          string          `msgpack:"id" json:"id"`
	Name        string          `msgpack:"name,omitempty" json:"name,omitempty"`
	Color       string          `msgpack:"color" json:"color"`
	Role        string          `msgpack:"role" json:"role"`
	Cursor      *CursorPosition `msgpack:"cursor,omitempty" json:"cursor,omitempty"`
	ConnectedAt uint64          `msgpack:"connected_at" json:"connected_at"`
}

// EventKind tags collaboration events.
type EventKind int

const (
	EventViewerJoined EventKind = iota
	EventViewerLeft
	EventCursorMoved
	EventOwnerCursorMoved
	EventBufferChanged
	EventBufferSync
	EventWebRtcSignal
	EventChatMessage
)

// Signal types for WebRTC relay.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalIceCandidate = "ice"
)

// Event is one collaboration notification.
type Event struct {
	Kind     EventKind
	Viewer   ViewerInfo     // ViewerJoined
	ViewerID string         // ViewerLeft, CursorMoved, signal/chat sender
	Cursor   CursorPosition // CursorMoved, OwnerCursorMoved
	BufferID uint64         // BufferChanged, BufferSync
	Update   []byte         // BufferChanged (incremental), BufferSync (full state)

	// WebRtcSignal
	SignalTo      string
	SignalType    string
	SignalPayload string

	// ChatMessage
	ChatTo    string // empty = broadcast
	ChatText  string
	Timestamp uint64
}

// SessionViewers is the per-session registry: viewer map, per-buffer
// documents, and the collaboration event channel.
type SessionViewers struct {
	mu      sync.Mutex
	session string
	viewers map[string]*ViewerInfo
	docs    map[uint64]*Doc
	replica uint64 // host replica id for documents

	evMu sync.Mutex
	subs map[chan Event]struct{}
}

// NewSessionViewers creates the registry for one session.
func NewSessionViewers(sessionID string) *SessionViewers {
	return &SessionViewers{
		session: sessionID,
		viewers: make(map[string]*ViewerInfo),
		docs:    make(map[uint64]*Doc),
		replica: 1,
		subs:    make(map[chan Event]struct{}),
	}
}

// Subscribe returns the collaboration event channel for one consumer.
func (sv *SessionViewers) Subscribe() chan Event {
	ch := make(chan Event, 64)
	sv.evMu.Lock()
	sv.subs[ch] = struct{}{}
	sv.evMu.Unlock()
	return ch
}

// Unsubscribe detaches an event channel.
func (sv *SessionViewers) Unsubscribe(ch chan Event) {
	sv.evMu.Lock()
	if _, ok := sv.subs[ch]; ok {
		delete(sv.subs, ch)
		close(ch)
	}
	sv.evMu.Unlock()
}

func (sv *SessionViewers) emit(ev Event) {
	sv.evMu.Lock()
	defer sv.evMu.Unlock()
	for ch := range sv.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// AddViewer registers a viewer. The first to attach becomes the owner;
// read-only attachments always get RoleReadOnly.
func (sv *SessionViewers) AddViewer(id, name string, readOnly bool) ViewerInfo {
	sv.mu.Lock()
	role := RoleParticipant
	if readOnly {
		role = RoleReadOnly
	} else if len(sv.viewers) == 0 {
		role = RoleOwner
	}
	info := &ViewerInfo{
		ID:          id,
		Name:        name,
		Color:       palette[len(sv.viewers)%len(palette)],
		Role:        role,
		ConnectedAt: uint64(time.Now().Unix()),
	}
	sv.viewers[id] = info
	copied := *info
	sv.mu.Unlock()

	sv.emit(Event{Kind: EventViewerJoined, Viewer: copied})
	return copied
}

// RemoveViewer drops a viewer.
func (sv *SessionViewers) RemoveViewer(id string) {
	sv.mu.Lock()
	_, ok := sv.viewers[id]
	delete(sv.viewers, id)
	sv.mu.Unlock()
	if ok {
		sv.emit(Event{Kind: EventViewerLeft, ViewerID: id})
	}
}

// UpdateCursor records a viewer's cursor and relays the move.
func (sv *SessionViewers) UpdateCursor(id string, pos CursorPosition) {
	sv.mu.Lock()
	viewer, ok := sv.viewers[id]
	if ok {
		viewer.Cursor = &pos
	}
	sv.mu.Unlock()
	if ok {
		sv.emit(Event{Kind: EventCursorMoved, ViewerID: id, Cursor: pos})
	}
}

// BroadcastOwnerCursor relays the owner's cursor to all viewers.
func (sv *SessionViewers) BroadcastOwnerCursor(pos CursorPosition) {
	sv.emit(Event{Kind: EventOwnerCursorMoved, Cursor: pos})
}

// Viewers lists attached viewers.
func (sv *SessionViewers) Viewers() []ViewerInfo {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]ViewerInfo, 0, len(sv.viewers))
	for _, v := range sv.viewers {
		out = append(out, *v)
	}
	return out
}

// Count returns the number of attached viewers.
func (sv *SessionViewers) Count() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.viewers)
}

// ── Buffer documents ─────────────────────────────────────────────────

// Doc returns the CRDT document for a buffer, creating it on demand.
func (sv *SessionViewers) Doc(bufferID uint64) *Doc {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	doc, ok := sv.docs[bufferID]
	if !ok {
		doc = NewDoc(bufferID, sv.replica)
		sv.docs[bufferID] = doc
	}
	return doc
}

// BufferIDs lists buffers with documents.
func (sv *SessionViewers) BufferIDs() []uint64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	ids := make([]uint64, 0, len(sv.docs))
	for id := range sv.docs {
		ids = append(ids, id)
	}
	return ids
}

// ApplyBufferChange folds an editor line delta into the buffer's
// document and broadcasts the incremental update.
func (sv *SessionViewers) ApplyBufferChange(bufferID uint64, startLine, endLine uint32, newLines []string) {
	doc := sv.Doc(bufferID)
	sv.mu.Lock()
	update := doc.ApplyDelta(startLine, endLine, newLines)
	sv.mu.Unlock()
	sv.emit(Event{Kind: EventBufferChanged, BufferID: bufferID, Update: update})
}

// HandleSync drives the sync protocol for one buffer.
func (sv *SessionViewers) HandleSync(bufferID uint64, msg SyncMessage) (*SyncMessage, error) {
	doc := sv.Doc(bufferID)
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return HandleSyncMessage(doc, msg)
}

// SyncAllBuffers emits a full-state BufferSync for every buffer so a
// new viewer initialises before incremental updates arrive.
func (sv *SessionViewers) SyncAllBuffers() {
	for _, id := range sv.BufferIDs() {
		doc := sv.Doc(id)
		sv.mu.Lock()
		state := doc.EncodeState()
		sv.mu.Unlock()
		sv.emit(Event{Kind: EventBufferSync, BufferID: id, Update: state})
	}
}

// ── Signaling and chat ───────────────────────────────────────────────

// SendSignal relays a WebRTC signal to a specific peer.
func (sv *SessionViewers) SendSignal(from, to, signalType, payload string) {
	sv.emit(Event{
		Kind:          EventWebRtcSignal,
		ViewerID:      from,
		SignalTo:      to,
		SignalType:    signalType,
		SignalPayload: payload,
	})
}

// SendChat relays a chat message; empty to broadcasts.
func (sv *SessionViewers) SendChat(from, to, text string) {
	sv.emit(Event{
		Kind:      EventChatMessage,
		ViewerID:  from,
		ChatTo:    to,
		ChatText:  text,
		Timestamp: uint64(time.Now().UnixMilli()),
	})
}

// Registry maps session ids to their viewer registries.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*SessionViewers
}

// NewRegistry creates an empty collaboration registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*SessionViewers)}
}

// ForSession returns (creating on demand) a session's registry.
func (r *Registry) ForSession(sessionID string) *SessionViewers {
	r.mu.Lock()
	defer r.mu.Unlock()
	sv, ok := r.sessions[sessionID]
	if !ok {
		sv = NewSessionViewers(sessionID)
		r.sessions[sessionID] = sv
	}
	return sv
}

// Peek returns a session's registry without creating it.
func (r *Registry) Peek(sessionID string) *SessionViewers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// RemoveSession drops a session's registry.
func (r *Registry) RemoveSession(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}
