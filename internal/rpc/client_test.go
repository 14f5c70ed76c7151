package rpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// echoHandler services requests and records notifications.
type echoHandler struct {
	mu       sync.Mutex
	notified []string
}

func (h *echoHandler) HandleRequest(method string, args []any) (any, error) {
	switch method {
	case "echo":
		return args, nil
	case "boom":
		return nil, errors.New("kaboom")
	}
	return nil, errors.New("unknown method: " + method)
}

func (h *echoHandler) HandleNotify(method string, args []any) {
	h.mu.Lock()
	h.notified = append(h.notified, method)
	h.mu.Unlock()
}

func pipePair(t *testing.T, hA, hB Handler) (*Client, *Client) {
	t.Helper()
	a, b := net.Pipe()
	ca := NewClient(a, hA)
	cb := NewClient(b, hB)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func TestCallRoundTrip(t *testing.T) {
	ca, _ := pipePair(t, nil, &echoHandler{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := ca.Call(ctx, "echo", []any{"hello", int64(42)})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	arr, ok := Slice(result)
	if !ok || len(arr) != 2 {
		t.Fatalf("result = %#v, want 2-element array", result)
	}
	if s, _ := String(arr[0]); s != "hello" {
		t.Errorf("arr[0] = %v, want hello", arr[0])
	}
	if n, _ := Int(arr[1]); n != 42 {
		t.Errorf("arr[1] = %v, want 42", arr[1])
	}
}

func TestCallErrorPropagates(t *testing.T) {
	ca, _ := pipePair(t, nil, &echoHandler{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := ca.Call(ctx, "boom", nil)
	if err == nil {
		t.Fatal("Call returned nil error, want kaboom")
	}
}

func TestNotifyDelivered(t *testing.T) {
	h := &echoHandler{}
	ca, _ := pipePair(t, nil, h)
	if err := ca.Notify("redraw", []any{[]any{"grid_line"}}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		h.mu.Lock()
		n := len(h.notified)
		h.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("notification not delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCallAfterPeerCloseFails(t *testing.T) {
	ca, cb := pipePair(t, nil, nil)
	cb.Close()
	<-ca.Done()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ca.Call(ctx, "anything", nil); err == nil {
		t.Fatal("Call after close succeeded, want error")
	}
}

func TestInFlightCallFailsOnClose(t *testing.T) {
	// Nothing answers on the other end of the pipe, so the call stays
	// in flight until Close.
	a, b := net.Pipe()
	ca := NewClient(a, nil)
	// No client on b: the request is written but never answered.
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := ca.Call(ctx, "stuck", nil)
		errCh <- err
	}()
	// Drain the request bytes so Call's write completes.
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()
	time.Sleep(50 * time.Millisecond)
	ca.Close()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("in-flight Call survived Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight Call did not return after Close")
	}
}

func TestValueCoercions(t *testing.T) {
	if n, ok := Int(uint16(7)); !ok || n != 7 {
		t.Errorf("Int(uint16) = %d,%v", n, ok)
	}
	if _, ok := Int("nope"); ok {
		t.Error("Int(string) ok, want false")
	}
	if _, ok := Uint(int64(-1)); ok {
		t.Error("Uint(-1) ok, want false")
	}
	if s, ok := String([]byte("bin")); !ok || s != "bin" {
		t.Errorf("String([]byte) = %q,%v", s, ok)
	}
	m, ok := Map(map[any]any{"k": 1})
	if !ok || len(m) != 1 {
		t.Errorf("Map(map[any]any) = %v,%v", m, ok)
	}
	ss, ok := StringSlice([]any{"a", "b"})
	if !ok || len(ss) != 2 || ss[1] != "b" {
		t.Errorf("StringSlice = %v,%v", ss, ok)
	}
}
