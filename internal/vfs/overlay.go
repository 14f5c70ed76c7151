package vfs

import (
	"context"
	"fmt"
	"sort"
)

// OverlayFS composes layers bottom-up: reads search top-down and the
// first hit wins; writes, creates and removes target only the top
// layer; List is the union of layers that can list the path.
type OverlayFS struct {
	Unsupported
	// layers[len-1] is the top (writable) layer.
	layers []Backend
}

// NewOverlayFS builds an overlay from bottom to top layers.
func NewOverlayFS(layers ...Backend) (*OverlayFS, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("overlay needs at least one layer")
	}
	return &OverlayFS{layers: layers}, nil
}

func (o *OverlayFS) top() Backend { return o.layers[len(o.layers)-1] }

// topDown iterates layers from the top to the bottom.
func (o *OverlayFS) topDown(fn func(Backend) bool) {
	for i := len(o.layers) - 1; i >= 0; i-- {
		if fn(o.layers[i]) {
			return
		}
	}
}

func (o *OverlayFS) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	var lastErr error
	found := false
	o.topDown(func(b Backend) bool {
		d, err := b.Read(ctx, path)
		if err != nil {
			lastErr = err
			return false
		}
		data, found = d, true
		return true
	})
	if !found {
		if lastErr == nil {
			lastErr = fmt.Errorf("not found: %s", path)
		}
		return nil, lastErr
	}
	return data, nil
}

func (o *OverlayFS) Write(ctx context.Context, path string, data []byte) error {
	return o.top().Write(ctx, path, data)
}

func (o *OverlayFS) Stat(ctx context.Context, path string) (FileStat, error) {
	var stat FileStat
	var lastErr error
	found := false
	o.topDown(func(b Backend) bool {
		st, err := b.Stat(ctx, path)
		if err != nil {
			lastErr = err
			return false
		}
		stat, found = st, true
		return true
	})
	if !found {
		if lastErr == nil {
			lastErr = fmt.Errorf("not found: %s", path)
		}
		return FileStat{}, lastErr
	}
	return stat, nil
}

// List unions names across every layer that lists the path; it fails
// only when no layer can.
func (o *OverlayFS) List(ctx context.Context, path string) ([]string, error) {
	seen := make(map[string]bool)
	var names []string
	listed := false
	var lastErr error
	for _, b := range o.layers {
		entries, err := b.List(ctx, path)
		if err != nil {
			lastErr = err
			continue
		}
		listed = true
		for _, name := range entries {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	if !listed {
		if lastErr == nil {
			lastErr = fmt.Errorf("not found: %s", path)
		}
		return nil, lastErr
	}
	sort.Strings(names)
	return names, nil
}

func (o *OverlayFS) Exists(ctx context.Context, path string) (bool, error) {
	exists := false
	o.topDown(func(b Backend) bool {
		ok, err := b.Exists(ctx, path)
		if err == ErrNotSupported {
			ok, _ = statExists(ctx, b, path)
		}
		if ok {
			exists = true
			return true
		}
		return false
	})
	return exists, nil
}

func (o *OverlayFS) CreateDir(ctx context.Context, path string) error {
	return o.top().CreateDir(ctx, path)
}

func (o *OverlayFS) CreateDirAll(ctx context.Context, path string) error {
	return o.top().CreateDirAll(ctx, path)
}

func (o *OverlayFS) RemoveDir(ctx context.Context, path string) error {
	return o.top().RemoveDir(ctx, path)
}

func (o *OverlayFS) RemoveFile(ctx context.Context, path string) error {
	return o.top().RemoveFile(ctx, path)
}

func (o *OverlayFS) Copy(ctx context.Context, src, dest string) error {
	data, err := o.Read(ctx, src)
	if err != nil {
		return err
	}
	return o.top().Write(ctx, dest, data)
}

func (o *OverlayFS) Rename(ctx context.Context, src, dest string) error {
	if err := o.Copy(ctx, src, dest); err != nil {
		return err
	}
	return o.top().RemoveFile(ctx, src)
}
