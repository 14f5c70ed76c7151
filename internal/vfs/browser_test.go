package vfs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nvloft/nvloft/internal/rpc"
)

// fakeViewer services browser FS frames the way the front-end would.
type fakeViewer struct {
	registry *FsRequestRegistry
	mu       sync.Mutex
	files    map[string][]byte
	frames   int
}

func (v *fakeViewer) handle(frame []byte) {
	v.mu.Lock()
	v.frames++
	v.mu.Unlock()

	decoded, err := rpc.Decode(frame)
	if err != nil {
		return
	}
	arr, _ := rpc.Slice(decoded)
	if len(arr) < 3 {
		return
	}
	id, _ := rpc.Uint(arr[1])
	payload, _ := rpc.Slice(arr[2])
	op, _ := rpc.String(payload[0])
	ns, _ := rpc.String(payload[1])
	path, _ := rpc.String(payload[2])
	key := ns + "/" + path

	v.mu.Lock()
	defer v.mu.Unlock()
	switch op {
	case "read":
		if data, ok := v.files[key]; ok {
			v.registry.Resolve(id, FsResult{Value: data})
		} else {
			v.registry.Resolve(id, FsResult{Err: errors.New("not found: " + key)})
		}
	case "write":
		data, _ := rpc.Bytes(payload[3])
		v.files[key] = data
		v.registry.Resolve(id, FsResult{Value: true})
	case "list":
		v.registry.Resolve(id, FsResult{Value: []any{"a.txt", "b.txt"}})
	case "stat":
		v.registry.Resolve(id, FsResult{Value: map[string]any{"is_dir": false, "size": uint64(7)}})
	}
}

func newBrowserFixture(t *testing.T) (*BrowserFS, *fakeViewer) {
	t.Helper()
	registry := NewFsRequestRegistry()
	viewer := &fakeViewer{registry: registry, files: make(map[string][]byte)}
	fs := NewBrowserFS(registry, viewer.handle)
	return fs, viewer
}

func TestBrowserRoundTrip(t *testing.T) {
	fs, _ := newBrowserFixture(t)
	ctx := context.Background()

	if err := fs.Write(ctx, "opfs/notes/todo.txt", []byte("milk")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := fs.Read(ctx, "opfs/notes/todo.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "milk" {
		t.Errorf("Read = %q, want milk", data)
	}
	st, err := fs.Stat(ctx, "opfs/notes/todo.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size != 7 || st.IsDir {
		t.Errorf("Stat = %+v", st)
	}
	names, err := fs.List(ctx, "opfs/notes")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("List = %v", names)
	}
}

func TestBrowserReadError(t *testing.T) {
	fs, _ := newBrowserFixture(t)
	if _, err := fs.Read(context.Background(), "opfs/missing"); err == nil {
		t.Fatal("Read of missing file succeeded")
	}
}

func TestBrowserTimeoutCleansRegistry(t *testing.T) {
	registry := NewFsRequestRegistry()
	fs := NewBrowserFS(registry, func([]byte) {}) // nobody answers
	fs.timeout = 50 * time.Millisecond

	_, err := fs.Read(context.Background(), "opfs/f")
	if err == nil {
		t.Fatal("Read with no responder succeeded")
	}
	if n := registry.PendingCount(); n != 0 {
		t.Errorf("PendingCount = %d after timeout, want 0", n)
	}
}

// A response must resolve the entry exactly once: after a timeout the
// late response is dropped, never double-delivered.
func TestFsRequestCorrelationNeverBoth(t *testing.T) {
	registry := NewFsRequestRegistry()
	id, ch := registry.Register()

	registry.Cancel(id) // simulates the timeout path
	if registry.Resolve(id, FsResult{Value: "late"}) {
		t.Error("Resolve succeeded on cancelled entry")
	}
	select {
	case r := <-ch:
		t.Errorf("cancelled entry delivered %v", r)
	default:
	}

	id2, ch2 := registry.Register()
	if !registry.Resolve(id2, FsResult{Value: "ok"}) {
		t.Fatal("Resolve failed on live entry")
	}
	if registry.Resolve(id2, FsResult{Value: "dup"}) {
		t.Error("second Resolve succeeded")
	}
	if r := <-ch2; r.Value != "ok" {
		t.Errorf("delivered %v, want ok", r.Value)
	}
}

func TestFsRequestIDsMonotonic(t *testing.T) {
	registry := NewFsRequestRegistry()
	var last uint64
	for range 100 {
		id, _ := registry.Register()
		if id <= last {
			t.Fatalf("id %d not monotonic after %d", id, last)
		}
		last = id
	}
}
