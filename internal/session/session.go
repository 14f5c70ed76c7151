package session

import (
	"context"
	"sync"
	"time"
)

// Editor is the handle a session holds on its embedded editor child.
// Implemented by editor.Adapter; faked in tests.
type Editor interface {
	// Input feeds raw keys, fire-and-forget.
	Input(ctx context.Context, keys string) error
	// Resize changes the attached UI dimensions, fire-and-forget.
	Resize(ctx context.Context, cols, rows int64) error
	// RequestRedraw asks the editor to repaint from scratch.
	RequestRedraw(ctx context.Context) error
	// Call performs a synchronous RPC; blocks only the calling goroutine.
	Call(ctx context.Context, method string, args []any) (any, error)
	// CompleteRequest resolves a pending reverse-RPC reply by id.
	CompleteRequest(id uint32, value any)
	// Done is closed when the editor process exits.
	Done() <-chan struct{}
	// Close terminates the editor process.
	Close() error
}

// Session is one editor child plus its subscriber set. Owned
// exclusively by the Supervisor; viewers hold the id and a Hub
// subscription, never the session itself.
type Session struct {
	ID      string
	Editor  Editor
	Hub     *Hub
	Context string // optional working-directory context from the URL

	mu         sync.Mutex
	createdAt  time.Time
	lastActive time.Time
	connected  bool
	viewers    int
}

// Info is session metadata for listings.
type Info struct {
	ID        string `json:"id"`
	AgeSecs   uint64 `json:"age_secs"`
	Connected bool   `json:"connected"`
	Viewers   int    `json:"viewers"`
}

func newSession(id, context string, ed Editor, hub *Hub) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		Editor:     ed,
		Hub:        hub,
		Context:    context,
		createdAt:  now,
		lastActive: now,
	}
}

// Touch marks the session as recently active.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// SetConnected flips the connected flag and touches the session.
func (s *Session) SetConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// AddViewer increments the connected-viewer counter.
func (s *Session) AddViewer() {
	s.mu.Lock()
	s.viewers++
	s.connected = true
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// RemoveViewer decrements the connected-viewer counter; the session is
// marked disconnected when the last viewer leaves.
func (s *Session) RemoveViewer() {
	s.mu.Lock()
	if s.viewers > 0 {
		s.viewers--
	}
	if s.viewers == 0 {
		s.connected = false
	}
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Viewers returns the connected-viewer count.
func (s *Session) Viewers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewers
}

// Connected reports whether at least one viewer is attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) stale(timeout time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.connected && s.viewers == 0 && now.Sub(s.lastActive) > timeout
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:        s.ID,
		AgeSecs:   uint64(time.Since(s.createdAt).Seconds()),
		Connected: s.connected,
		Viewers:   s.viewers,
	}
}
