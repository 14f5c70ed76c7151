package vfs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newMemManager(t *testing.T) (*Manager, *MemoryFS) {
	t.Helper()
	m := NewManager()
	mem := NewMemoryFS()
	m.RegisterBackend("mem", mem)
	return m, mem
}

func TestParseURI(t *testing.T) {
	m := NewManager()
	tests := []struct {
		uri, scheme, rest string
		wantErr           bool
	}{
		{uri: "vfs://local/foo.txt", scheme: "local", rest: "foo.txt"},
		{uri: "vfs://ssh/me@host:22/home/me/x", scheme: "ssh", rest: "me@host:22/home/me/x"},
		{uri: "vfs://browser/ns/dir/f", scheme: "browser", rest: "ns/dir/f"},
		{uri: "not-a-uri", wantErr: true},
		{uri: "vfs://noslash", wantErr: true},
	}
	for _, tt := range tests {
		scheme, rest, err := m.ParseURI(tt.uri)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseURI(%q) err = nil, want error", tt.uri)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseURI(%q): %v", tt.uri, err)
			continue
		}
		if scheme != tt.scheme || rest != tt.rest {
			t.Errorf("ParseURI(%q) = (%q,%q), want (%q,%q)", tt.uri, scheme, rest, tt.scheme, tt.rest)
		}
	}
}

func TestAliasResolution(t *testing.T) {
	m := NewManager()
	m.AddAlias("@work", "vfs://ssh/me@work:22/home/me")
	got := m.ResolveAliases("@work/src/main.go")
	want := "vfs://ssh/me@work:22/home/me/src/main.go"
	if got != want {
		t.Errorf("ResolveAliases = %q, want %q", got, want)
	}
	if got := m.ResolveAliases("vfs://local/x"); got != "vfs://local/x" {
		t.Errorf("non-alias path changed: %q", got)
	}
}

func TestAliasLongestPrefixWins(t *testing.T) {
	m := NewManager()
	m.AddAlias("@w", "vfs://local/short")
	m.AddAlias("@work", "vfs://local/long")
	if got := m.ResolveAliases("@work/f"); got != "vfs://local/long/f" {
		t.Errorf("longest prefix: got %q, want vfs://local/long/f", got)
	}
	m.RemoveAlias("@work")
	if got := m.ResolveAliases("@work/f"); got != "vfs://local/short" + "ork/f" {
		// "@w" still matches the "@w" prefix of "@work/f".
		t.Errorf("after removal: got %q", got)
	}
}

func TestReadWriteThroughCache(t *testing.T) {
	m, _ := newMemManager(t)
	ctx := context.Background()

	if err := m.Write(ctx, "vfs://mem/a.txt", []byte("one")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := m.Read(ctx, "vfs://mem/a.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "one" {
		t.Errorf("Read = %q, want one", data)
	}

	// Cache freshness: a write must invalidate the cached entry.
	if err := m.Write(ctx, "vfs://mem/a.txt", []byte("two")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err = m.Read(ctx, "vfs://mem/a.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "two" {
		t.Errorf("Read after write = %q, want two (stale cache)", data)
	}
}

func TestCacheServesRepeatReads(t *testing.T) {
	m := NewManager()
	counter := &countingBackend{inner: NewMemoryFS()}
	m.RegisterBackend("mem", counter)
	ctx := context.Background()

	if err := m.Write(ctx, "vfs://mem/f", []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for range 5 {
		if _, err := m.Read(ctx, "vfs://mem/f"); err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if counter.reads != 1 {
		t.Errorf("backend reads = %d, want 1 (cache misses)", counter.reads)
	}
}

func TestCacheLRUEviction(t *testing.T) {
	m := NewManager()
	counter := &countingBackend{inner: NewMemoryFS()}
	m.RegisterBackend("mem", counter)
	ctx := context.Background()

	for i := range cacheMaxEntries + 1 {
		uri := fmt.Sprintf("vfs://mem/f%d", i)
		if err := m.Write(ctx, uri, []byte("x")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if _, err := m.Read(ctx, uri); err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	// f0 was the oldest insertion and must have been evicted.
	counter.reads = 0
	if _, err := m.Read(ctx, "vfs://mem/f0"); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if counter.reads != 1 {
		t.Errorf("backend reads = %d, want 1 (f0 should be evicted)", counter.reads)
	}
	// The newest entry is still cached.
	counter.reads = 0
	uri := fmt.Sprintf("vfs://mem/f%d", cacheMaxEntries)
	if _, err := m.Read(ctx, uri); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if counter.reads != 0 {
		t.Errorf("backend reads = %d, want 0 (newest should be cached)", counter.reads)
	}
}

func TestLazyFactoryPromotion(t *testing.T) {
	m := NewManager()
	built := 0
	m.RegisterLazy("lazy", func() (Backend, error) {
		built++
		mem := NewMemoryFS()
		mem.Write(context.Background(), "f", []byte("lazy data"))
		return mem, nil
	})

	found := false
	for _, s := range m.Backends() {
		if s == "lazy" {
			found = true
		}
	}
	if !found {
		t.Fatal("lazy scheme not listed before first use")
	}
	if built != 0 {
		t.Fatal("factory ran before first use")
	}

	ctx := context.Background()
	for range 3 {
		data, err := m.Read(ctx, "vfs://lazy/f")
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(data) != "lazy data" {
			t.Errorf("Read = %q", data)
		}
	}
	if built != 1 {
		t.Errorf("factory ran %d times, want 1", built)
	}
}

func TestLazyFactoryFailureRetries(t *testing.T) {
	m := NewManager()
	attempts := 0
	m.RegisterLazy("flaky", func() (Backend, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("transient")
		}
		return NewMemoryFS(), nil
	})
	ctx := context.Background()
	if _, err := m.Read(ctx, "vfs://flaky/x"); err == nil {
		t.Fatal("first read succeeded, want factory failure")
	}
	// Second use retries the factory.
	if _, err := m.Stat(ctx, "vfs://flaky/"); err == nil {
		t.Log("stat on empty path may fail; factory must still have run")
	}
	if attempts != 2 {
		t.Errorf("factory attempts = %d, want 2", attempts)
	}
}

func TestSwapBackendInvalidatesScheme(t *testing.T) {
	m := NewManager()
	first := NewMemoryFS()
	first.Write(context.Background(), "f", []byte("old"))
	m.RegisterBackend("mem", first)
	ctx := context.Background()

	if _, err := m.Read(ctx, "vfs://mem/f"); err != nil {
		t.Fatalf("Read: %v", err)
	}

	second := NewMemoryFS()
	second.Write(context.Background(), "f", []byte("new"))
	m.SwapBackend("mem", second)

	data, err := m.Read(ctx, "vfs://mem/f")
	if err != nil {
		t.Fatalf("Read after swap: %v", err)
	}
	if string(data) != "new" {
		t.Errorf("Read after swap = %q, want new (cache not invalidated)", data)
	}
}

func TestUnknownSchemeFails(t *testing.T) {
	m := NewManager()
	if _, err := m.Read(context.Background(), "vfs://nope/f"); err == nil {
		t.Fatal("Read on unknown scheme succeeded")
	}
}

func TestEvents(t *testing.T) {
	m, _ := newMemManager(t)
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)
	ctx := context.Background()

	m.Write(ctx, "vfs://mem/e.txt", []byte("x"))
	m.Read(ctx, "vfs://mem/e.txt")
	m.AddAlias("@a", "vfs://mem/sub")
	m.RemoveBackend("gone")

	want := []EventKind{EventWrite, EventRead, EventAliasChanged, EventBackendRemoved}
	for i, kind := range want {
		select {
		case ev := <-ch:
			if ev.Kind != kind {
				t.Errorf("event %d kind = %v, want %v", i, ev.Kind, kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestManagedBuffers(t *testing.T) {
	m, _ := newMemManager(t)
	if err := m.RegisterBuffer(3, "vfs://mem/file.txt"); err != nil {
		t.Fatalf("RegisterBuffer: %v", err)
	}
	mb, ok := m.ManagedBufferFor(3)
	if !ok || mb.Scheme != "mem" || mb.Path != "vfs://mem/file.txt" {
		t.Errorf("ManagedBufferFor = %+v, %v", mb, ok)
	}
	m.UnregisterBuffer(3)
	if _, ok := m.ManagedBufferFor(3); ok {
		t.Error("buffer still registered after UnregisterBuffer")
	}
}

// countingBackend wraps a backend and counts Read calls.
type countingBackend struct {
	Unsupported
	inner *MemoryFS
	reads int
}

func (c *countingBackend) Read(ctx context.Context, path string) ([]byte, error) {
	c.reads++
	return c.inner.Read(ctx, path)
}

func (c *countingBackend) Write(ctx context.Context, path string, data []byte) error {
	return c.inner.Write(ctx, path, data)
}

func (c *countingBackend) Stat(ctx context.Context, path string) (FileStat, error) {
	return c.inner.Stat(ctx, path)
}

func (c *countingBackend) List(ctx context.Context, path string) ([]string, error) {
	return c.inner.List(ctx, path)
}
