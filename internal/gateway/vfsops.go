package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nvloft/nvloft/internal/gitinfo"
	"github.com/nvloft/nvloft/internal/rpc"
)

// Large-file handling for vfs_open: files over the threshold load only
// the first chunk, with a visible truncation marker appended.
const (
	largeFileThreshold = 1024 * 1024
	largeFileChunk     = 100 * 1024
)

// vfsOpen reads a VFS path into a fresh editor buffer and returns the
// buffer number.
func (g *Gateway) vfsOpen(ctx context.Context, st *connState, params []any) (any, error) {
	path := rpc.StringOr(first(params), "")
	if path == "" {
		return nil, fmt.Errorf("vfs_open requires a path")
	}
	sess, err := g.sessionFor(st)
	if err != nil {
		return nil, err
	}

	content, err := g.VFS.Read(ctx, path)
	if err != nil {
		return nil, err
	}

	display := content
	truncated := false
	if len(content) > largeFileThreshold {
		display = content[:largeFileChunk]
		truncated = true
	}
	lines := strings.Split(string(display), "\n")
	if truncated {
		sizeMB := float64(len(content)) / (1024.0 * 1024.0)
		lines = append(lines,
			"",
			fmt.Sprintf("--- File truncated (%.1fMB total, showing first %dKB) ---", sizeMB, largeFileChunk/1024),
			"--- Use an external tool to edit the full file ---",
		)
	}

	// Allocate a listed, non-scratch buffer, name it after the VFS
	// path, and fill it.
	bufVal, err := sess.Editor.Call(ctx, "nvim_create_buf", []any{true, false})
	if err != nil {
		return nil, fmt.Errorf("create buffer: %w", err)
	}
	bufnr, ok := rpc.Int(bufVal)
	if !ok {
		return nil, fmt.Errorf("unexpected buffer handle: %v", bufVal)
	}
	if _, err := sess.Editor.Call(ctx, "nvim_buf_set_name", []any{bufnr, path}); err != nil {
		return nil, fmt.Errorf("name buffer: %w", err)
	}
	lineVals := make([]any, len(lines))
	for i, l := range lines {
		lineVals[i] = l
	}
	if _, err := sess.Editor.Call(ctx, "nvim_buf_set_lines", []any{bufnr, 0, -1, false, lineVals}); err != nil {
		return nil, fmt.Errorf("fill buffer: %w", err)
	}
	if _, err := sess.Editor.Call(ctx, "nvim_set_current_buf", []any{bufnr}); err != nil {
		return nil, fmt.Errorf("switch buffer: %w", err)
	}
	// Opening clears the modified flag the fill left behind.
	sess.Editor.Call(ctx, "nvim_buf_set_option", []any{bufnr, "modified", false})
	// Subscribe to line events so the collaboration layer sees edits.
	sess.Editor.Call(ctx, "nvim_buf_attach", []any{bufnr, false, map[string]any{}})

	if err := g.VFS.RegisterBuffer(bufnr, path); err != nil {
		return nil, err
	}
	return bufnr, nil
}

// vfsWriteBuffer reads the buffer back from the editor and writes it
// through the VFS, then clears the modified flag.
func (g *Gateway) vfsWriteBuffer(ctx context.Context, st *connState, params []any) (any, error) {
	path := rpc.StringOr(first(params), "")
	if path == "" {
		return nil, fmt.Errorf("vfs_write requires a path")
	}
	if len(params) < 2 {
		return nil, fmt.Errorf("vfs_write requires a buffer number")
	}
	bufnr := rpc.IntOr(params[1], 0)
	sess, err := g.sessionFor(st)
	if err != nil {
		return nil, err
	}

	linesVal, err := sess.Editor.Call(ctx, "nvim_buf_get_lines", []any{bufnr, 0, -1, false})
	if err != nil {
		return nil, fmt.Errorf("read buffer: %w", err)
	}
	lines, ok := rpc.StringSlice(linesVal)
	if !ok {
		return nil, fmt.Errorf("unexpected buffer lines: %v", linesVal)
	}
	if err := g.VFS.Write(ctx, path, []byte(strings.Join(lines, "\n"))); err != nil {
		return nil, err
	}
	sess.Editor.Call(ctx, "nvim_buf_set_option", []any{bufnr, "modified", false})
	return nil, nil
}

// TreeEntry is one node of the vfs_list tree.
type TreeEntry struct {
	Name     string
	IsDir    bool
	Children []TreeEntry
}

// vfsList builds a depth-bounded recursive tree: directories first,
// then case-insensitive alphabetic.
func (g *Gateway) vfsList(ctx context.Context, params []any) (any, error) {
	path := rpc.StringOr(first(params), "")
	if path == "" {
		return nil, fmt.Errorf("vfs_list requires a path")
	}
	depth := rpc.IntOr(second(params), 1)
	if depth < 1 {
		depth = 1
	}
	tree, err := g.listTree(ctx, path, int(depth))
	if err != nil {
		return nil, err
	}
	return treeToValues(tree), nil
}

func (g *Gateway) listTree(ctx context.Context, uri string, depth int) ([]TreeEntry, error) {
	names, err := g.VFS.List(ctx, uri)
	if err != nil {
		return nil, err
	}
	entries := make([]TreeEntry, 0, len(names))
	base := strings.TrimSuffix(uri, "/")
	for _, name := range names {
		child := base + "/" + name
		entry := TreeEntry{Name: name}
		if st, err := g.VFS.Stat(ctx, child); err == nil {
			entry.IsDir = st.IsDir
		}
		if entry.IsDir && depth > 1 {
			// Unlistable children (permissions, races) appear empty.
			entry.Children, _ = g.listTree(ctx, child, depth-1)
		}
		entries = append(entries, entry)
	}
	sortTree(entries)
	return entries, nil
}

func sortTree(entries []TreeEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
}

func treeToValues(entries []TreeEntry) []any {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		m := map[string]any{
			"name":   e.Name,
			"is_dir": e.IsDir,
		}
		if len(e.Children) > 0 {
			m["children"] = treeToValues(e.Children)
		}
		out = append(out, m)
	}
	return out
}

// ── Aliases ──────────────────────────────────────────────────────────

func (g *Gateway) vfsAddAlias(params []any) (any, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("vfs_add_alias requires alias and target")
	}
	alias := rpc.StringOr(params[0], "")
	target := rpc.StringOr(params[1], "")
	if !strings.HasPrefix(alias, "@") {
		return nil, fmt.Errorf("alias must start with @: %q", alias)
	}
	g.VFS.AddAlias(alias, target)
	return true, nil
}

func (g *Gateway) vfsRemoveAlias(params []any) (any, error) {
	alias := rpc.StringOr(first(params), "")
	g.VFS.RemoveAlias(alias)
	return true, nil
}

// ── cwd info ─────────────────────────────────────────────────────────

// cwdInfo queries the editor's working directory and current file,
// infers the backend from the URI prefix, and probes the repository
// branch of the cwd.
func (g *Gateway) cwdInfo(ctx context.Context, st *connState) (any, error) {
	sess, err := g.sessionFor(st)
	if err != nil {
		return nil, err
	}
	cwd := "~"
	if v, err := sess.Editor.Call(ctx, "nvim_call_function", []any{"getcwd", []any{}}); err == nil {
		cwd = rpc.StringOr(v, "~")
	}
	file := ""
	if v, err := sess.Editor.Call(ctx, "nvim_buf_get_name", []any{0}); err == nil {
		file = rpc.StringOr(v, "")
	}

	backend := "local"
	for _, scheme := range []string{"browser", "ssh", "github", "git"} {
		if strings.HasPrefix(file, "vfs://"+scheme+"/") {
			backend = scheme
			break
		}
	}

	info := map[string]any{
		"cwd":     cwd,
		"file":    file,
		"backend": backend,
	}
	if branch, ok := gitinfo.CurrentBranch(cwd); ok {
		info["git_branch"] = branch
	}
	return info, nil
}

func second(params []any) any {
	if len(params) < 2 {
		return nil
	}
	return params[1]
}
