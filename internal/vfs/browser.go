package vfs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvloft/nvloft/internal/rpc"
)

// Browser FS request timeout.
const fsRequestTimeout = 30 * time.Second

// FsResult is the outcome of one browser-serviced filesystem request.
type FsResult struct {
	Value any
	Err   error
}

// FsRequestRegistry correlates outbound FS requests with their
// [3, id, ok, result] responses. Ids are monotonic 64-bit; each entry
// is a one-shot reply channel removed on resolve, cancel or timeout,
// never both.
type FsRequestRegistry struct {
	mu      sync.Mutex
	pending map[uint64]chan FsResult
	nextID  atomic.Uint64
}

// NewFsRequestRegistry creates an empty registry.
func NewFsRequestRegistry() *FsRequestRegistry {
	return &FsRequestRegistry{pending: make(map[uint64]chan FsResult)}
}

// Register allocates a request id and its reply channel.
func (r *FsRequestRegistry) Register() (uint64, <-chan FsResult) {
	id := r.nextID.Add(1)
	ch := make(chan FsResult, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	return id, ch
}

// Resolve delivers a response. Unknown ids (already timed out) are
// dropped silently.
func (r *FsRequestRegistry) Resolve(id uint64, result FsResult) bool {
	r.mu.Lock()
	ch := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- result
	return true
}

// Cancel removes a pending entry without delivering a result.
func (r *FsRequestRegistry) Cancel(id uint64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// PendingCount reports in-flight requests.
func (r *FsRequestRegistry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// BrowserFS translates vfs://browser/<namespace>/<path> operations into
// frames sent to the viewer, which services them against its
// origin-private storage and responds over the same socket.
type BrowserFS struct {
	Unsupported
	registry *FsRequestRegistry
	// publish sends an encoded frame towards the viewers that service it.
	publish func([]byte)
	timeout time.Duration
}

// NewBrowserFS creates the driver. publish delivers frames to the
// viewers; the host wires it to the gateway-wide FS hub that every
// connection drains.
func NewBrowserFS(registry *FsRequestRegistry, publish func([]byte)) *BrowserFS {
	return &BrowserFS{registry: registry, publish: publish, timeout: fsRequestTimeout}
}

// splitNamespace divides "namespace/rest" from the scheme remainder.
func splitNamespace(path string) (string, string, error) {
	for i := range len(path) {
		if path[i] == '/' {
			return path[:i], path[i+1:], nil
		}
	}
	if path == "" {
		return "", "", fmt.Errorf("browser path missing namespace")
	}
	return path, "", nil
}

// request sends [2, id, [op, namespace, path, data?]] and awaits the
// matching [3, id, ok, result].
func (b *BrowserFS) request(ctx context.Context, op, path string, data []byte) (any, error) {
	ns, rest, err := splitNamespace(path)
	if err != nil {
		return nil, err
	}
	id, ch := b.registry.Register()

	payload := []any{op, ns, rest}
	if data != nil {
		payload = append(payload, data)
	}
	frame, err := rpc.Encode([]any{rpc.TypeNotification, id, payload})
	if err != nil {
		b.registry.Cancel(id)
		return nil, fmt.Errorf("encode fs request: %w", err)
	}
	b.publish(frame)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case result := <-ch:
		return result.Value, result.Err
	case <-timer.C:
		b.registry.Cancel(id)
		return nil, fmt.Errorf("browser fs %s %s: request %d timed out", op, path, id)
	case <-ctx.Done():
		b.registry.Cancel(id)
		return nil, ctx.Err()
	}
}

func (b *BrowserFS) Read(ctx context.Context, path string) ([]byte, error) {
	result, err := b.request(ctx, "read", path, nil)
	if err != nil {
		return nil, err
	}
	data, ok := rpc.Bytes(result)
	if !ok {
		return nil, fmt.Errorf("browser fs read %s: unexpected result type", path)
	}
	return data, nil
}

func (b *BrowserFS) Write(ctx context.Context, path string, data []byte) error {
	_, err := b.request(ctx, "write", path, data)
	return err
}

func (b *BrowserFS) Stat(ctx context.Context, path string) (FileStat, error) {
	result, err := b.request(ctx, "stat", path, nil)
	if err != nil {
		return FileStat{}, err
	}
	m, ok := rpc.Map(result)
	if !ok {
		return FileStat{}, fmt.Errorf("browser fs stat %s: unexpected result type", path)
	}
	isDir, _ := rpc.Bool(m["is_dir"])
	size, _ := rpc.Uint(m["size"])
	return FileStat{IsFile: !isDir, IsDir: isDir, Size: size}, nil
}

func (b *BrowserFS) List(ctx context.Context, path string) ([]string, error) {
	result, err := b.request(ctx, "list", path, nil)
	if err != nil {
		return nil, err
	}
	names, ok := rpc.StringSlice(result)
	if !ok {
		return nil, fmt.Errorf("browser fs list %s: unexpected result type", path)
	}
	return names, nil
}

func (b *BrowserFS) RemoveFile(ctx context.Context, path string) error {
	_, err := b.request(ctx, "remove", path, nil)
	return err
}

func (b *BrowserFS) CreateDirAll(ctx context.Context, path string) error {
	_, err := b.request(ctx, "mkdir", path, nil)
	return err
}
