package vfs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryFS is a path-keyed in-memory driver used by tests and as the
// bottom layer of overlays. A directory must exist before children can
// be created under it.
type MemoryFS struct {
	Unsupported
	mu    sync.RWMutex
	files map[string]memFile
	dirs  map[string]bool
}

type memFile struct {
	data     []byte
	modified time.Time
}

// NewMemoryFS creates an empty in-memory filesystem with a root dir.
func NewMemoryFS() *MemoryFS {
	return &MemoryFS{
		files: make(map[string]memFile),
		dirs:  map[string]bool{"": true},
	}
}

func normalize(path string) string {
	return strings.Trim(path, "/")
}

func parentOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func (m *MemoryFS) Read(ctx context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[normalize(path)]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", path)
	}
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out, nil
}

func (m *MemoryFS) Write(ctx context.Context, path string, data []byte) error {
	p := normalize(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[parentOf(p)] {
		return fmt.Errorf("parent directory does not exist: %s", path)
	}
	if m.dirs[p] {
		return fmt.Errorf("is a directory: %s", path)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.files[p] = memFile{data: stored, modified: time.Now()}
	return nil
}

func (m *MemoryFS) Stat(ctx context.Context, path string) (FileStat, error) {
	p := normalize(path)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dirs[p] {
		return DirStat(), nil
	}
	if f, ok := m.files[p]; ok {
		st := FileStatFor(uint64(len(f.data)))
		st.Modified = f.modified
		return st, nil
	}
	return FileStat{}, fmt.Errorf("not found: %s", path)
}

// List returns direct children only: no slash after the prefix.
func (m *MemoryFS) List(ctx context.Context, path string) ([]string, error) {
	p := normalize(path)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.dirs[p] {
		return nil, fmt.Errorf("not a directory: %s", path)
	}
	prefix := p
	if prefix != "" {
		prefix += "/"
	}
	seen := make(map[string]bool)
	var names []string
	add := func(full string) {
		if !strings.HasPrefix(full, prefix) || full == p {
			return
		}
		rest := full[len(prefix):]
		if rest == "" || strings.Contains(rest, "/") {
			return
		}
		if !seen[rest] {
			seen[rest] = true
			names = append(names, rest)
		}
	}
	for f := range m.files {
		add(f)
	}
	for d := range m.dirs {
		add(d)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryFS) Exists(ctx context.Context, path string) (bool, error) {
	p := normalize(path)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dirs[p] {
		return true, nil
	}
	_, ok := m.files[p]
	return ok, nil
}

func (m *MemoryFS) CreateDir(ctx context.Context, path string) error {
	p := normalize(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[parentOf(p)] {
		return fmt.Errorf("parent directory does not exist: %s", path)
	}
	m.dirs[p] = true
	return nil
}

func (m *MemoryFS) CreateDirAll(ctx context.Context, path string) error {
	p := normalize(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := strings.Split(p, "/")
	cur := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		if cur == "" {
			cur = part
		} else {
			cur = cur + "/" + part
		}
		m.dirs[cur] = true
	}
	return nil
}

func (m *MemoryFS) RemoveDir(ctx context.Context, path string) error {
	p := normalize(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[p] {
		return fmt.Errorf("not a directory: %s", path)
	}
	prefix := p + "/"
	for f := range m.files {
		if strings.HasPrefix(f, prefix) {
			return fmt.Errorf("directory not empty: %s", path)
		}
	}
	for d := range m.dirs {
		if strings.HasPrefix(d, prefix) {
			return fmt.Errorf("directory not empty: %s", path)
		}
	}
	delete(m.dirs, p)
	return nil
}

func (m *MemoryFS) RemoveFile(ctx context.Context, path string) error {
	p := normalize(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; !ok {
		return fmt.Errorf("file not found: %s", path)
	}
	delete(m.files, p)
	return nil
}

func (m *MemoryFS) Copy(ctx context.Context, src, dest string) error {
	data, err := m.Read(ctx, src)
	if err != nil {
		return err
	}
	return m.Write(ctx, dest, data)
}

func (m *MemoryFS) Rename(ctx context.Context, src, dest string) error {
	if err := m.Copy(ctx, src, dest); err != nil {
		return err
	}
	return m.RemoveFile(ctx, src)
}
