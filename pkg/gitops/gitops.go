// Package gitops is the narrow git interface the lifecycle manager consumes:
// worktree creation and removal, running commands inside a worktree, and
// pushing branches. Auth tokens are injected through an ephemeral process
// environment and never written to disk or agent-visible config.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// commandTimeout bounds every git invocation.
const commandTimeout = 60 * time.Second

// Worktrees is the git surface the server depends on.
type Worktrees interface {
	CreateWorktree(ctx context.Context, branch string, sparse bool, worktreeBase string) (string, error)
	RemoveWorktree(ctx context.Context, path string) error
	RunInWorktree(ctx context.Context, path string, args []string, authToken string) (string, error)
	Push(ctx context.Context, worktreePath, authToken, branch string, force bool) error
	CommitWIP(ctx context.Context, worktreePath, message string) error
}

// Git runs the real git binary against a local clone.
type Git struct {
	repoPath string
	logger   *slog.Logger
}

// New creates a Git over the main clone at repoPath.
func New(repoPath string, logger *slog.Logger) *Git {
	return &Git{
		repoPath: repoPath,
		logger:   logger.With("component", "gitops"),
	}
}

// CreateWorktree adds a worktree for the branch under worktreeBase, creating
// the branch if it does not exist yet. Returns the worktree path.
func (g *Git) CreateWorktree(ctx context.Context, branch string, sparse bool, worktreeBase string) (string, error) {
	path := filepath.Join(worktreeBase, sanitizeBranch(branch))
	if err := os.MkdirAll(worktreeBase, 0o755); err != nil {
		return "", fmt.Errorf("creating worktree base: %w", err)
	}

	args := []string{"worktree", "add"}
	if sparse {
		args = append(args, "--no-checkout")
	}
	args = append(args, path)
	if g.branchExists(ctx, branch) {
		args = append(args, branch)
	} else {
		args = append(args, "-b", branch)
	}
	if _, err := g.run(ctx, g.repoPath, nil, args...); err != nil {
		return "", fmt.Errorf("adding worktree for %s: %w", branch, err)
	}

	if sparse {
		if _, err := g.run(ctx, path, nil, "sparse-checkout", "init", "--cone"); err != nil {
			return "", fmt.Errorf("initializing sparse checkout: %w", err)
		}
		if _, err := g.run(ctx, path, nil, "checkout"); err != nil {
			return "", fmt.Errorf("checking out sparse worktree: %w", err)
		}
	}

	g.logger.Info("created worktree", "branch", branch, "path", path, "sparse", sparse)
	return path, nil
}

// RemoveWorktree detaches and deletes a worktree.
func (g *Git) RemoveWorktree(ctx context.Context, path string) error {
	if _, err := g.run(ctx, g.repoPath, nil, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("removing worktree %s: %w", path, err)
	}
	g.logger.Info("removed worktree", "path", path)
	return nil
}

// RunInWorktree executes one git command inside a worktree. When authToken
// is non-empty it is exposed only to that process via an askpass shim.
func (g *Git) RunInWorktree(ctx context.Context, path string, args []string, authToken string) (string, error) {
	env, cleanup, err := authEnv(authToken)
	if err != nil {
		return "", err
	}
	defer cleanup()
	return g.run(ctx, path, env, args...)
}

// Push pushes the branch from a worktree with token auth.
func (g *Git) Push(ctx context.Context, worktreePath, authToken, branch string, force bool) error {
	args := []string{"push", "origin", branch}
	if force {
		args = append(args, "--force-with-lease")
	}
	if _, err := g.RunInWorktree(ctx, worktreePath, args, authToken); err != nil {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	g.logger.Info("pushed branch", "branch", branch, "force", force)
	return nil
}

// CommitWIP stages everything and commits. Used before sleep so in-progress
// work survives the session being stopped. A clean tree is not an error.
func (g *Git) CommitWIP(ctx context.Context, worktreePath, message string) error {
	if _, err := g.run(ctx, worktreePath, nil, "add", "-A"); err != nil {
		return fmt.Errorf("staging wip: %w", err)
	}
	out, err := g.run(ctx, worktreePath, nil, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("checking wip status: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return nil
	}
	if _, err := g.run(ctx, worktreePath, nil, "commit", "-m", message); err != nil {
		return fmt.Errorf("committing wip: %w", err)
	}
	return nil
}

func (g *Git) branchExists(ctx context.Context, branch string) bool {
	_, err := g.run(ctx, g.repoPath, nil, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

func (g *Git) run(ctx context.Context, dir string, extraEnv []string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// authEnv builds the ephemeral environment for one authenticated git call.
// The token travels through GIT_ASKPASS so it never appears in argv or in
// the agent's inherited environment.
func authEnv(authToken string) ([]string, func(), error) {
	if authToken == "" {
		return nil, func() {}, nil
	}
	askpass, err := os.CreateTemp("", "squadron-askpass-*.sh")
	if err != nil {
		return nil, nil, fmt.Errorf("creating askpass shim: %w", err)
	}
	if _, err := askpass.WriteString("#!/bin/sh\necho \"$SQUADRON_GIT_TOKEN\"\n"); err != nil {
		_ = askpass.Close()
		_ = os.Remove(askpass.Name())
		return nil, nil, fmt.Errorf("writing askpass shim: %w", err)
	}
	if err := askpass.Close(); err != nil {
		_ = os.Remove(askpass.Name())
		return nil, nil, fmt.Errorf("closing askpass shim: %w", err)
	}
	if err := os.Chmod(askpass.Name(), 0o700); err != nil {
		_ = os.Remove(askpass.Name())
		return nil, nil, fmt.Errorf("marking askpass shim executable: %w", err)
	}
	env := []string{
		"GIT_ASKPASS=" + askpass.Name(),
		"SQUADRON_GIT_TOKEN=" + authToken,
		"GIT_TERMINAL_PROMPT=0",
	}
	return env, func() { _ = os.Remove(askpass.Name()) }, nil
}

func sanitizeBranch(branch string) string {
	return strings.ReplaceAll(branch, "/", "-")
}

var _ Worktrees = (*Git)(nil)
