package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrHubClosed is returned by Recv once the hub owner has shut down.
// Subscribers treat it as a clean termination signal.
var ErrHubClosed = errors.New("broadcast hub closed")

// Hub fans encoded frames out to subscribers through bounded buffers.
// A slow subscriber loses its oldest frames rather than stalling the
// publisher; the loss is reported as a lag count on the next Recv so
// the consumer can trigger recovery (a full redraw request).
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	cap    int
	closed bool
}

// Subscriber is one bounded receive queue on a Hub.
type Subscriber struct {
	ch  chan []byte
	lag atomic.Uint64
	hub *Hub
}

// NewHub creates a hub whose subscribers buffer up to capacity frames.
func NewHub(capacity int) *Hub {
	if capacity < 256 {
		capacity = 256
	}
	return &Hub{
		subs: make(map[*Subscriber]struct{}),
		cap:  capacity,
	}
}

// Subscribe registers a new subscriber. Returns nil if the hub is
// already closed.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	s := &Subscriber{ch: make(chan []byte, h.cap), hub: h}
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers a frame to every subscriber. Full queues drop their
// oldest frame and count the loss.
func (h *Hub) Publish(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for s := range h.subs {
		select {
		case s.ch <- frame:
		default:
			// Queue full: evict the oldest frame to make room.
			select {
			case <-s.ch:
			default:
			}
			s.lag.Add(1)
			select {
			case s.ch <- frame:
			default:
			}
		}
	}
}

// SubscriberCount reports how many subscribers are attached.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscriber. Recv returns ErrHubClosed after the
// remaining buffered frames are drained.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		close(s.ch)
	}
	h.subs = nil
}

// Recv blocks for the next frame. lagged reports how many frames were
// dropped for this subscriber since the previous Recv.
func (s *Subscriber) Recv(ctx context.Context) (frame []byte, lagged uint64, err error) {
	select {
	case frame, ok := <-s.ch:
		if !ok {
			return nil, 0, ErrHubClosed
		}
		return frame, s.lag.Swap(0), nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// Unsubscribe detaches from the hub. Safe to call after Close.
func (s *Subscriber) Unsubscribe() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}
