// Package rpc implements the msgpack-RPC framing spoken on the
// embedded editor's standard streams and reused for browser frames:
// requests [0,id,method,params], responses [1,id,error,result] and
// notifications [2,method,params].
package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nvloft/nvloft/internal/logger"
)

// Message type tags.
const (
	TypeRequest      = 0
	TypeResponse     = 1
	TypeNotification = 2
)

// ErrClosed is returned by calls made after the peer stream ended.
var ErrClosed = errors.New("rpc: connection closed")

// Handler receives traffic originated by the peer.
type Handler interface {
	// HandleRequest services a reverse request (editor → host). The
	// return value or error is sent back as the response.
	HandleRequest(method string, args []any) (any, error)
	// HandleNotify receives a notification. Called on the read loop, so
	// notification order is preserved; implementations must not block.
	HandleNotify(method string, args []any)
}

type pendingReply struct {
	errVal any
	result any
}

// Client is one side of a bidirectional msgpack-RPC stream.
type Client struct {
	wmu    sync.Mutex
	w      *bufio.Writer
	enc    *msgpack.Encoder
	closer io.Closer

	pmu     sync.Mutex
	pending map[uint32]chan pendingReply

	nextID  atomic.Uint32
	handler Handler

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error
}

// NewClient starts a client on rw and begins its read loop. handler
// may be nil when the peer never originates traffic.
func NewClient(rw io.ReadWriteCloser, handler Handler) *Client {
	w := bufio.NewWriter(rw)
	c := &Client{
		w:       w,
		enc:     msgpack.NewEncoder(w),
		closer:  rw,
		pending: make(map[uint32]chan pendingReply),
		handler: handler,
		done:    make(chan struct{}),
	}
	go c.readLoop(rw)
	return c
}

// Done is closed when the stream ends (peer exit or Close).
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the terminal error after Done is closed.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close tears the stream down; in-flight calls fail with ErrClosed.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(err error) {
	c.doneOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		c.closer.Close()

		c.pmu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		c.pmu.Unlock()
		close(c.done)
	})
}

func (c *Client) send(msg []any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return c.w.Flush()
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(method string, args []any) error {
	if args == nil {
		args = []any{}
	}
	return c.send([]any{TypeNotification, method, args})
}

// Call performs a request and blocks the calling goroutine until the
// response, ctx cancellation, or stream termination.
func (c *Client) Call(ctx context.Context, method string, args []any) (any, error) {
	if args == nil {
		args = []any{}
	}
	id := c.nextID.Add(1)
	ch := make(chan pendingReply, 1)

	c.pmu.Lock()
	c.pending[id] = ch
	c.pmu.Unlock()

	if err := c.send([]any{TypeRequest, id, method, args}); err != nil {
		c.pmu.Lock()
		delete(c.pending, id)
		c.pmu.Unlock()
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if reply.errVal != nil {
			return nil, fmt.Errorf("rpc %s: %s", method, formatRPCError(reply.errVal))
		}
		return reply.result, nil
	case <-ctx.Done():
		c.pmu.Lock()
		delete(c.pending, id)
		c.pmu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// respond sends [1, id, error, result] back to the peer.
func (c *Client) respond(id uint32, errVal, result any) error {
	return c.send([]any{TypeResponse, id, errVal, result})
}

func (c *Client) readLoop(r io.Reader) {
	dec := msgpack.NewDecoder(bufio.NewReader(r))
	for {
		var msg []any
		if err := dec.Decode(&msg); err != nil {
			c.shutdown(fmt.Errorf("rpc read: %w", err))
			return
		}
		if len(msg) == 0 {
			continue
		}
		kind, ok := Int(msg[0])
		if !ok {
			logger.Warn("rpc: non-integer message tag, dropping frame")
			continue
		}
		switch kind {
		case TypeRequest:
			if len(msg) < 4 {
				continue
			}
			id, _ := Uint(msg[1])
			method, _ := String(msg[2])
			args, _ := Slice(msg[3])
			// Requests may block (reverse RPC awaits a viewer); run
			// them off the read loop.
			go func(id uint32, method string, args []any) {
				if c.handler == nil {
					c.respond(id, "no handler", nil)
					return
				}
				result, err := c.handler.HandleRequest(method, args)
				if err != nil {
					c.respond(id, err.Error(), nil)
					return
				}
				c.respond(id, nil, result)
			}(uint32(id), method, args)
		case TypeResponse:
			if len(msg) < 4 {
				continue
			}
			id, _ := Uint(msg[1])
			c.pmu.Lock()
			ch := c.pending[uint32(id)]
			delete(c.pending, uint32(id))
			c.pmu.Unlock()
			if ch != nil {
				ch <- pendingReply{errVal: msg[2], result: msg[3]}
			}
		case TypeNotification:
			if len(msg) < 3 {
				continue
			}
			method, _ := String(msg[1])
			args, _ := Slice(msg[2])
			if c.handler != nil {
				c.handler.HandleNotify(method, args)
			}
		default:
			logger.Warn("rpc: unknown message tag", "tag", kind)
		}
	}
}

// formatRPCError renders the error slot of a response. Neovim sends
// [code, message] pairs; plain strings pass through.
func formatRPCError(v any) string {
	if s, ok := String(v); ok {
		return s
	}
	if arr, ok := Slice(v); ok && len(arr) == 2 {
		if msg, ok := String(arr[1]); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", v)
}

// Encode serialises a value to msgpack bytes. Used for one-shot frames
// published on session broadcast channels.
func Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode parses msgpack bytes into loose Go values.
func Decode(data []byte) (any, error) {
	var v any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
