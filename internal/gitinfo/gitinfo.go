// Package gitinfo probes repository metadata for working directories.
package gitinfo

import (
	"github.com/go-git/go-git/v5"
)

// FindRoot returns the work-tree root containing dir, or false when
// dir is not inside a repository.
func FindRoot(dir string) (string, bool) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", false
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", false
	}
	return wt.Filesystem.Root(), true
}

// CurrentBranch returns the checked-out branch name for the repository
// containing dir. Detached HEADs and non-repositories return false.
func CurrentBranch(dir string) (string, bool) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", false
	}
	head, err := repo.Head()
	if err != nil {
		return "", false
	}
	if !head.Name().IsBranch() {
		return "", false
	}
	return head.Name().Short(), true
}
