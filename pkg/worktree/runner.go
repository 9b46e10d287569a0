// Package worktree implements the version-control isolation subsystem: it
// creates, reuses, recovers and garbage-collects one working copy per card
// so parallel cards never trample each other.
package worktree

import (
	"context"
	"os/exec"
)

// CommandRunner abstracts shell execution so the manager can be tested
// without a real git binary.
type CommandRunner interface {
	Run(ctx context.Context, dir string, args ...string) (output string, err error)
}

// GitRunner executes git commands via os/exec.
type GitRunner struct{}

// NewGitRunner builds the default, real CommandRunner.
func NewGitRunner() *GitRunner {
	return &GitRunner{}
}

// Run invokes "git <args...>" with dir as the working directory (empty uses
// the process cwd) and returns combined stdout/stderr.
func (GitRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}
