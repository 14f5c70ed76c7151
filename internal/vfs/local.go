package vfs

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/nvloft/nvloft/internal/logger"
)

// LocalFS maps vfs://local/... onto a sandbox root on the host
// filesystem. Every resolved path must stay under the canonical root.
type LocalFS struct {
	Unsupported
	root string
}

// NewLocalFS creates a local driver rooted at root, creating the
// directory when missing.
func NewLocalFS(root string) *LocalFS {
	os.MkdirAll(root, 0755)
	canonical, err := filepath.EvalSymlinks(root)
	if err != nil {
		canonical = filepath.Clean(root)
	}
	return &LocalFS{root: canonical}
}

// Root returns the canonical sandbox root.
func (l *LocalFS) Root() string { return l.root }

// resolve maps a VFS path to a filesystem path. For targets that do
// not exist yet the parent is created and canonicalised, then the leaf
// is re-attached; the result must stay under the sandbox root.
func (l *LocalFS) resolve(path string) (string, error) {
	target := filepath.Join(l.root, strings.TrimPrefix(path, "/"))

	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", PathError("resolve", path, err)
		}
		parent := filepath.Dir(target)
		if err := os.MkdirAll(parent, 0755); err != nil {
			return "", PathError("resolve", path, err)
		}
		canonicalParent, err := filepath.EvalSymlinks(parent)
		if err != nil {
			return "", PathError("resolve", path, err)
		}
		resolved = filepath.Join(canonicalParent, filepath.Base(target))
	}

	if !l.inRoot(resolved) {
		return "", fmt.Errorf("path traversal blocked: %s escapes sandbox %s", path, l.root)
	}
	return resolved, nil
}

// resolveExisting is the read-side resolve: no parent creation.
func (l *LocalFS) resolveExisting(path string) (string, error) {
	target := filepath.Join(l.root, strings.TrimPrefix(path, "/"))
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		return "", PathError("resolve", path, err)
	}
	if !l.inRoot(resolved) {
		return "", fmt.Errorf("path traversal blocked: %s escapes sandbox %s", path, l.root)
	}
	return resolved, nil
}

func (l *LocalFS) inRoot(resolved string) bool {
	rel, err := filepath.Rel(l.root, resolved)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func (l *LocalFS) Read(ctx context.Context, path string) ([]byte, error) {
	resolved, err := l.resolveExisting(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(resolved)
}

func (l *LocalFS) Write(ctx context.Context, path string, data []byte) error {
	resolved, err := l.resolve(path)
	if err != nil {
		return err
	}
	return os.WriteFile(resolved, data, 0644)
}

func (l *LocalFS) Stat(ctx context.Context, path string) (FileStat, error) {
	resolved, err := l.resolveExisting(path)
	if err != nil {
		return FileStat{}, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return FileStat{}, err
	}
	return FileStat{
		IsFile:   info.Mode().IsRegular(),
		IsDir:    info.IsDir(),
		Size:     uint64(info.Size()),
		Modified: info.ModTime(),
		ReadOnly: info.Mode().Perm()&0200 == 0,
	}, nil
}

func (l *LocalFS) List(ctx context.Context, path string) ([]string, error) {
	resolved, err := l.resolveExisting(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (l *LocalFS) Exists(ctx context.Context, path string) (bool, error) {
	resolved, err := l.resolveExisting(path)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(resolved)
	return err == nil, nil
}

func (l *LocalFS) CreateDir(ctx context.Context, path string) error {
	resolved, err := l.resolve(path)
	if err != nil {
		return err
	}
	return os.Mkdir(resolved, 0755)
}

func (l *LocalFS) CreateDirAll(ctx context.Context, path string) error {
	resolved, err := l.resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(resolved, 0755)
}

func (l *LocalFS) RemoveDir(ctx context.Context, path string) error {
	resolved, err := l.resolveExisting(path)
	if err != nil {
		return err
	}
	return os.Remove(resolved)
}

func (l *LocalFS) RemoveFile(ctx context.Context, path string) error {
	resolved, err := l.resolveExisting(path)
	if err != nil {
		return err
	}
	return os.Remove(resolved)
}

func (l *LocalFS) Copy(ctx context.Context, src, dest string) error {
	srcPath, err := l.resolveExisting(src)
	if err != nil {
		return err
	}
	destPath, err := l.resolve(dest)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0644)
}

func (l *LocalFS) Rename(ctx context.Context, src, dest string) error {
	srcPath, err := l.resolveExisting(src)
	if err != nil {
		return err
	}
	destPath, err := l.resolve(dest)
	if err != nil {
		return err
	}
	return os.Rename(srcPath, destPath)
}

func (l *LocalFS) OpenRead(ctx context.Context, path string) (ReadHandle, error) {
	resolved, err := l.resolveExisting(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(resolved)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileReadHandle{
		f:      f,
		reader: bufio.NewReaderSize(f, DefaultChunkSize),
		size:   uint64(info.Size()),
	}, nil
}

func (l *LocalFS) OpenWrite(ctx context.Context, path string) (WriteHandle, error) {
	resolved, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(resolved)
	if err != nil {
		return nil, err
	}
	return &fileWriteHandle{f: f, writer: bufio.NewWriterSize(f, DefaultChunkSize)}, nil
}

func (l *LocalFS) SupportsStreaming() bool { return true }

// Watch mirrors filesystem changes to entries directly inside the
// sandbox root into Write events on the manager until ctx is
// cancelled. The watch is not recursive: changes inside
// subdirectories are not reported.
func (l *LocalFS) Watch(ctx context.Context, m *Manager) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	if err := watcher.Add(l.root); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", l.root, err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				rel, err := filepath.Rel(l.root, ev.Name)
				if err != nil {
					continue
				}
				uri := "vfs://local/" + filepath.ToSlash(rel)
				m.cacheInvalidate(uri)
				m.emit(Event{Kind: EventWrite, Path: uri})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("vfs watch error", "error", err)
			}
		}
	}()
	return nil
}

type fileReadHandle struct {
	f      *os.File
	reader *bufio.Reader
	size   uint64
	offset uint64
}

func (h *fileReadHandle) ReadChunk(ctx context.Context) (ReadChunk, error) {
	buf := make([]byte, DefaultChunkSize)
	n, err := h.reader.Read(buf)
	if n == 0 && err != nil {
		if h.offset >= h.size {
			return ReadChunk{Offset: h.offset, Last: true}, nil
		}
		return ReadChunk{}, err
	}
	chunk := ReadChunk{
		Data:   buf[:n],
		Offset: h.offset,
		Last:   h.offset+uint64(n) >= h.size,
	}
	h.offset += uint64(n)
	return chunk, nil
}

func (h *fileReadHandle) Size() (uint64, bool) { return h.size, true }

func (h *fileReadHandle) Close() error { return h.f.Close() }

type fileWriteHandle struct {
	f       *os.File
	writer  *bufio.Writer
	written uint64
}

func (h *fileWriteHandle) WriteChunk(ctx context.Context, data []byte) error {
	n, err := h.writer.Write(data)
	h.written += uint64(n)
	return err
}

func (h *fileWriteHandle) BytesWritten() uint64 { return h.written }

func (h *fileWriteHandle) Close() error {
	if err := h.writer.Flush(); err != nil {
		h.f.Close()
		return err
	}
	return h.f.Close()
}
