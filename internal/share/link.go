package share

import (
	"sync"
	"time"
)

// ShareLink grants access to a live session, optionally bounded by a
// TTL and a use count.
type ShareLink struct {
	Token     string
	SessionID string
	CreatedAt time.Time
	ExpiresAt time.Time // zero = never
	MaxUses   uint32    // 0 = unlimited
	UseCount  uint32
	ReadOnly  bool
	Label     string
}

func (l *ShareLink) expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

func (l *ShareLink) usable(now time.Time) bool {
	if l.expired(now) {
		return false
	}
	return l.MaxUses == 0 || l.UseCount < l.MaxUses
}

// LinkOptions configure CreateLink.
type LinkOptions struct {
	TTL      time.Duration
	MaxUses  uint32
	ReadOnly bool
	Label    string
}

// LinkStore holds live share links.
type LinkStore struct {
	mu    sync.Mutex
	links map[string]*ShareLink
	now   func() time.Time
}

// NewLinkStore creates an empty link store.
func NewLinkStore() *LinkStore {
	return &LinkStore{links: make(map[string]*ShareLink), now: time.Now}
}

// CreateLink mints a share link for a session.
func (s *LinkStore) CreateLink(sessionID string, opts LinkOptions) ShareLink {
	now := s.now()
	link := &ShareLink{
		Token:     generateToken(),
		SessionID: sessionID,
		CreatedAt: now,
		MaxUses:   opts.MaxUses,
		ReadOnly:  opts.ReadOnly,
		Label:     opts.Label,
	}
	if opts.TTL > 0 {
		link.ExpiresAt = now.Add(opts.TTL)
	}
	s.mu.Lock()
	s.links[link.Token] = link
	s.mu.Unlock()
	return *link
}

// UseLink consumes one use and returns the target session and its
// read-only flag.
func (s *LinkStore) UseLink(token string) (sessionID string, readOnly bool, ok bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	link, found := s.links[token]
	if !found || !link.usable(now) {
		return "", false, false
	}
	link.UseCount++
	return link.SessionID, link.ReadOnly, true
}

// Links lists the currently usable links for a session.
func (s *LinkStore) Links(sessionID string) []ShareLink {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ShareLink
	for _, link := range s.links {
		if link.SessionID == sessionID && link.usable(now) {
			out = append(out, *link)
		}
	}
	return out
}

// Revoke deletes a link.
func (s *LinkStore) Revoke(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[token]; !ok {
		return false
	}
	delete(s.links, token)
	return true
}

// Cleanup drops links that can no longer be used.
func (s *LinkStore) Cleanup() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, link := range s.links {
		if !link.usable(now) {
			delete(s.links, token)
		}
	}
}
