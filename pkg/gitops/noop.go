package gitops

import (
	"context"
	"path/filepath"
	"sync"
)

// Noop satisfies Worktrees without touching a real repository. Used when no
// clone is configured (local dry runs) and by tests. It records the branches
// and WIP commits it was asked for.
type Noop struct {
	mu         sync.Mutex
	worktrees  map[string]string
	pushed     []string
	wipCommits []string
}

// NewNoop creates an empty Noop.
func NewNoop() *Noop {
	return &Noop{worktrees: make(map[string]string)}
}

func (n *Noop) CreateWorktree(_ context.Context, branch string, _ bool, worktreeBase string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	path := filepath.Join(worktreeBase, sanitizeBranch(branch))
	n.worktrees[path] = branch
	return path, nil
}

func (n *Noop) RemoveWorktree(_ context.Context, path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.worktrees, path)
	return nil
}

func (n *Noop) RunInWorktree(context.Context, string, []string, string) (string, error) {
	return "", nil
}

func (n *Noop) Push(_ context.Context, _ string, _ string, branch string, _ bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushed = append(n.pushed, branch)
	return nil
}

func (n *Noop) CommitWIP(_ context.Context, _ string, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.wipCommits = append(n.wipCommits, message)
	return nil
}

// WIPCommits returns the WIP commit messages recorded so far.
func (n *Noop) WIPCommits() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.wipCommits))
	copy(out, n.wipCommits)
	return out
}

// Worktree reports whether a worktree exists at path.
func (n *Noop) Worktree(path string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.worktrees[path]
	return ok
}

var _ Worktrees = (*Noop)(nil)
