package vfs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GitFS serves vfs://git/<ref>/<path> read-only snapshots of the local
// repository at a ref.
type GitFS struct {
	Unsupported
	repoPath string
}

// NewGitFS creates the driver over the repository at repoPath (any
// directory inside the work tree).
func NewGitFS(repoPath string) *GitFS {
	return &GitFS{repoPath: repoPath}
}

// parseGitPath splits "<ref>/<path>". Refs containing slashes (e.g.
// origin/main) are not addressable through this scheme; tags, local
// branches and commit hashes are.
func parseGitPath(rest string) (ref, path string, err error) {
	if rest == "" {
		return "", "", fmt.Errorf("git path: missing ref")
	}
	if slash := strings.Index(rest, "/"); slash >= 0 {
		return rest[:slash], rest[slash+1:], nil
	}
	return rest, "", nil
}

func (g *GitFS) treeAt(ref string) (*object.Tree, error) {
	repo, err := git.PlainOpenWithOptions(g.repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository at %s: %w", g.repoPath, err)
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("resolve ref %q: %w", ref, err)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("tree of %s: %w", hash, err)
	}
	return tree, nil
}

func (g *GitFS) Read(ctx context.Context, path string) ([]byte, error) {
	ref, rest, err := parseGitPath(path)
	if err != nil {
		return nil, err
	}
	tree, err := g.treeAt(ref)
	if err != nil {
		return nil, err
	}
	file, err := tree.File(rest)
	if err != nil {
		return nil, fmt.Errorf("git %s@%s: %w", rest, ref, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (g *GitFS) Write(ctx context.Context, path string, data []byte) error {
	return fmt.Errorf("git backend is read-only; cannot write %s", path)
}

func (g *GitFS) Stat(ctx context.Context, path string) (FileStat, error) {
	ref, rest, err := parseGitPath(path)
	if err != nil {
		return FileStat{}, err
	}
	tree, err := g.treeAt(ref)
	if err != nil {
		return FileStat{}, err
	}
	if rest == "" {
		st := DirStat()
		st.ReadOnly = true
		return st, nil
	}
	if file, err := tree.File(rest); err == nil {
		st := FileStatFor(uint64(file.Size))
		st.ReadOnly = true
		return st, nil
	}
	if _, err := tree.Tree(rest); err == nil {
		st := DirStat()
		st.ReadOnly = true
		return st, nil
	}
	return FileStat{}, fmt.Errorf("git %s@%s: not found", rest, ref)
}

// List enumerates the tree entries at the ref.
func (g *GitFS) List(ctx context.Context, path string) ([]string, error) {
	ref, rest, err := parseGitPath(path)
	if err != nil {
		return nil, err
	}
	tree, err := g.treeAt(ref)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		tree, err = tree.Tree(rest)
		if err != nil {
			return nil, fmt.Errorf("git %s@%s: %w", rest, ref, err)
		}
	}
	names := make([]string, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		names = append(names, entry.Name)
	}
	return names, nil
}
