package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nvloft/nvloft/internal/logger"
)

// Factory spawns an editor for a new session. publish receives every
// encoded frame the editor emits and feeds the session's Hub.
type Factory func(ctx context.Context, id, workdir string, publish func([]byte)) (Editor, error)

// Supervisor owns every live session, keyed by id. Lookup and listing
// take the read lock; create, remove and eviction take the write lock.
type Supervisor struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	factory  Factory
	idle     time.Duration
}

// NewSupervisor creates a supervisor evicting sessions idle longer
// than idle with zero connected viewers.
func NewSupervisor(factory Factory, idle time.Duration) *Supervisor {
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &Supervisor{
		sessions: make(map[string]*Session),
		factory:  factory,
		idle:     idle,
	}
}

// newID returns a session id that no live or reserved session holds.
// Ids of removed sessions are not remembered and can be drawn again.
// Must be called with the write lock held.
func (sv *Supervisor) newID() string {
	for {
		id := uuid.New().String()[:8]
		if _, taken := sv.sessions[id]; !taken {
			return id
		}
	}
}

// Create spawns a new editor session and returns its id. workdir is
// the opaque working-directory hint from the connection URL.
func (sv *Supervisor) Create(ctx context.Context, workdir string) (string, error) {
	sv.mu.Lock()
	id := sv.newID()
	// Reserve the id before the (slow) spawn so a concurrent Create
	// cannot reuse it.
	sv.sessions[id] = nil
	sv.mu.Unlock()

	hub := NewHub(256)
	ed, err := sv.factory(ctx, id, workdir, hub.Publish)
	if err != nil {
		hub.Close()
		sv.mu.Lock()
		delete(sv.sessions, id)
		sv.mu.Unlock()
		return "", fmt.Errorf("spawn editor: %w", err)
	}
	sess := newSession(id, workdir, ed, hub)

	sv.mu.Lock()
	sv.sessions[id] = sess
	sv.mu.Unlock()

	// Editor exit is fatal for the session: tear it down so every
	// subscriber observes the hub closing.
	go func() {
		<-ed.Done()
		if sv.Has(id) {
			logger.Info("editor exited, removing session", "session", id)
			sv.Remove(id)
		}
	}()

	logger.Info("session created", "session", id)
	return id, nil
}

// Get returns the session for id, or nil.
func (sv *Supervisor) Get(id string) *Session {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return sv.sessions[id]
}

// Has reports whether id maps to a live session.
func (sv *Supervisor) Has(id string) bool {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return sv.sessions[id] != nil
}

// Remove tears down a session: the hub closes (viewers observe a clean
// termination) and the editor process is stopped.
func (sv *Supervisor) Remove(id string) bool {
	sv.mu.Lock()
	sess := sv.sessions[id]
	delete(sv.sessions, id)
	sv.mu.Unlock()
	if sess == nil {
		return false
	}
	sess.Hub.Close()
	if sess.Editor != nil {
		sess.Editor.Close()
	}
	logger.Info("session removed", "session", id)
	return true
}

// List returns metadata for every live session.
func (sv *Supervisor) List() []Info {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	infos := make([]Info, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		if s != nil {
			infos = append(infos, s.info())
		}
	}
	return infos
}

// Count returns the number of live sessions.
func (sv *Supervisor) Count() int {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return len(sv.sessions)
}

// CleanupStale removes sessions with zero connected viewers whose last
// activity is older than the idle timeout. Returns the removed ids.
func (sv *Supervisor) CleanupStale() []string {
	now := time.Now()
	sv.mu.RLock()
	var stale []string
	for id, s := range sv.sessions {
		if s != nil && s.stale(sv.idle, now) {
			stale = append(stale, id)
		}
	}
	sv.mu.RUnlock()

	for _, id := range stale {
		logger.Info("evicting stale session", "session", id)
		sv.Remove(id)
	}
	return stale
}

// Run evicts stale sessions on a ticker until ctx is cancelled.
func (sv *Supervisor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.CleanupStale()
		}
	}
}
