package docker

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// SiblingWorktree is one git worktree detected alongside the
// project's primary checkout.
type SiblingWorktree struct {
	Name string
	Path string
}

// WorktreeFinder enumerates sibling git worktrees of a workspace,
// per spec section 4.1.2's worktree mounting rule.
type WorktreeFinder interface {
	Siblings(workspacePath string) ([]SiblingWorktree, error)
}

// GitWorktreeFinder shells out to `git worktree list --porcelain`.
type GitWorktreeFinder struct{}

func (GitWorktreeFinder) Siblings(workspacePath string) ([]SiblingWorktree, error) {
	if workspacePath == "" {
		return nil, nil
	}
	cmd := exec.Command("git", "-C", workspacePath, "worktree", "list", "--porcelain")
	out, err := cmd.Output()
	if err != nil {
		return nil, nil
	}

	var result []SiblingWorktree

	// Each worktree record is separated by a blank line, starting
	// with "worktree <path>".
	blocks := strings.Split(string(out), "\n\n")
	absWorkspace, _ := filepath.Abs(workspacePath)
	for _, block := range blocks {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) == 0 || !strings.HasPrefix(lines[0], "worktree ") {
			continue
		}
		path := strings.TrimPrefix(lines[0], "worktree ")
		absPath, _ := filepath.Abs(path)
		if absPath == absWorkspace {
			continue
		}
		if info, err := os.Stat(absPath); err != nil || !info.IsDir() {
			continue
		}
		result = append(result, SiblingWorktree{
			Name: filepath.Base(absPath),
			Path: absPath,
		})
	}
	return result, nil
}
