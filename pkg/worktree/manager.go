package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cardloop/orchestrator/pkg/models"
)

// Handle describes the working copy assigned to a card.
type Handle struct {
	Path       string
	BranchName string
}

// Active describes one live worktree as reported by ListActive.
type Active struct {
	Path       string
	BranchName string
	ShortID    string
}

// Manager creates, reuses, recovers and garbage-collects per-card worktrees
// inside a single host repository. All mutating git invocations funnel
// through one mutex, so at most one VCS mutation is ever in flight.
type Manager struct {
	runner    CommandRunner
	repoPath  string
	worktreeDir string
	branchPrefix string
	maxConcurrent int

	mu sync.Mutex

	// underVCS is resolved once by recover_state and cached; nil means not
	// yet probed.
	underVCS *bool

	// tagCounter produces the monotonically increasing tag appended to a
	// branch name so repeated creates for the same card never collide.
	tagCounter int64
}

// NewManager builds a Manager rooted at repoPath. worktreeDir is relative to
// repoPath (default ".worktrees"); branchPrefix defaults to "agent/".
func NewManager(runner CommandRunner, repoPath, worktreeDir, branchPrefix string, maxConcurrent int) *Manager {
	if worktreeDir == "" {
		worktreeDir = ".worktrees"
	}
	if branchPrefix == "" {
		branchPrefix = "agent/"
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Manager{
		runner:        runner,
		repoPath:      repoPath,
		worktreeDir:   worktreeDir,
		branchPrefix:  branchPrefix,
		maxConcurrent: maxConcurrent,
	}
}

// RecoverState is the idempotent start-up scrub that aborts any in-flight
// merge/rebase left over from a prior crash. MUST run before any other
// operation.
func (m *Manager) RecoverState(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isUnderVCSLocked(ctx) {
		return nil
	}

	// Best-effort: these fail harmlessly ("no merge/rebase in progress")
	// when there is nothing to abort.
	_, _ = m.runner.Run(ctx, m.repoPath, "merge", "--abort")
	_, _ = m.runner.Run(ctx, m.repoPath, "rebase", "--abort")
	return nil
}

// isUnderVCSLocked reports whether repoPath is inside a git working tree,
// caching the result. Caller must hold m.mu.
func (m *Manager) isUnderVCSLocked(ctx context.Context) bool {
	if m.underVCS != nil {
		return *m.underVCS
	}
	out, err := m.runner.Run(ctx, m.repoPath, "rev-parse", "--is-inside-work-tree")
	ok := err == nil && strings.TrimSpace(out) == "true"
	m.underVCS = &ok
	return ok
}

// IsUnderVCS reports whether the host repository is under version control.
// RecoverState must have run first for the cached result to be meaningful.
func (m *Manager) IsUnderVCS(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isUnderVCSLocked(ctx)
}

// DefaultBranch probes the host in order: remote HEAD, local config, then
// existence of main, then master, finally defaulting to "main".
func (m *Manager) DefaultBranch(ctx context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultBranchLocked(ctx)
}

func (m *Manager) defaultBranchLocked(ctx context.Context) string {
	if out, err := m.runner.Run(ctx, m.repoPath, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		ref := strings.TrimSpace(out)
		if idx := strings.LastIndex(ref, "/"); idx >= 0 {
			return ref[idx+1:]
		}
	}
	if out, err := m.runner.Run(ctx, m.repoPath, "config", "--get", "init.defaultBranch"); err == nil {
		if name := strings.TrimSpace(out); name != "" {
			return name
		}
	}
	if _, err := m.runner.Run(ctx, m.repoPath, "show-ref", "--verify", "--quiet", "refs/heads/main"); err == nil {
		return "main"
	}
	if _, err := m.runner.Run(ctx, m.repoPath, "show-ref", "--verify", "--quiet", "refs/heads/master"); err == nil {
		return "master"
	}
	return "main"
}

// ShortID derives the short card id used in worktree paths and branch names.
func ShortID(cardID string) string {
	id := strings.TrimPrefix(cardID, "-")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (m *Manager) worktreePath(cardID string) string {
	return filepath.Join(m.repoPath, m.worktreeDir, "card-"+ShortID(cardID))
}

func (m *Manager) branchName(cardID string, tag int64) string {
	return fmt.Sprintf("%s%s-%d", m.branchPrefix, ShortID(cardID), tag)
}

// CreateWorktree resolves baseBranch (argument else DefaultBranch), removes
// any stale orphan at the computed path, deletes any dangling branch of the
// same name, creates a new branch off baseBranch and a new working copy at
// the derived path.
//
// If the host repository is not under version control the manager degrades:
// it returns the project root unmodified with branch "none".
func (m *Manager) CreateWorktree(ctx context.Context, cardID, baseBranch string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isUnderVCSLocked(ctx) {
		return &Handle{Path: m.repoPath, BranchName: "none"}, nil
	}

	count, err := m.countActiveLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("worktree: counting active worktrees: %w", err)
	}
	if count >= m.maxConcurrent {
		return nil, models.ErrWorktreeLimit
	}

	if baseBranch == "" {
		baseBranch = m.defaultBranchLocked(ctx)
	}

	path := m.worktreePath(cardID)

	// Remove any stale orphan left at this path by a prior crash.
	if _, err := os.Stat(path); err == nil {
		_, _ = m.runner.Run(ctx, m.repoPath, "worktree", "remove", "--force", path)
		_ = os.RemoveAll(path)
	}

	m.tagCounter++
	branch := m.branchName(cardID, time.Now().Unix()+m.tagCounter)

	// A dangling branch of the same name (from a partial prior create) must
	// be deleted before git worktree add can reuse it.
	_, _ = m.runner.Run(ctx, m.repoPath, "branch", "-D", branch)

	if out, err := m.runner.Run(ctx, m.repoPath, "worktree", "add", "-b", branch, path, baseBranch); err != nil {
		// Clean up any partially-created branch before surfacing the error,
		// so the manager never sits in a partial state.
		_, _ = m.runner.Run(ctx, m.repoPath, "branch", "-D", branch)
		return nil, fmt.Errorf("%w: %s", models.ErrWorktreeVCSFail, strings.TrimSpace(out))
	}

	return &Handle{Path: path, BranchName: branch}, nil
}

// ListActive enumerates all current agent-prefixed workspaces with their
// branches.
func (m *Manager) ListActive(ctx context.Context) ([]Active, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listActiveLocked(ctx)
}

func (m *Manager) countActiveLocked(ctx context.Context) (int, error) {
	active, err := m.listActiveLocked(ctx)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

func (m *Manager) listActiveLocked(ctx context.Context) ([]Active, error) {
	if !m.isUnderVCSLocked(ctx) {
		return nil, nil
	}
	out, err := m.runner.Run(ctx, m.repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", models.ErrWorktreeVCSFail, strings.TrimSpace(out))
	}

	var active []Active
	var cur Active
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur.Path != "" {
				active = appendIfAgent(active, cur, m.branchPrefix)
			}
			cur = Active{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			cur.BranchName = strings.TrimPrefix(ref, "refs/heads/")
		}
	}
	if cur.Path != "" {
		active = appendIfAgent(active, cur, m.branchPrefix)
	}
	return active, nil
}

func appendIfAgent(active []Active, cur Active, prefix string) []Active {
	if !strings.HasPrefix(cur.BranchName, prefix) {
		return active
	}
	rest := strings.TrimPrefix(cur.BranchName, prefix)
	if idx := strings.LastIndex(rest, "-"); idx >= 0 {
		cur.ShortID = rest[:idx]
	} else {
		cur.ShortID = rest
	}
	return append(active, cur)
}

// CleanupWorktree removes the workspace for a card (force) and, if
// requested, the branch.
func (m *Manager) CleanupWorktree(ctx context.Context, path, branch string, deleteBranch bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupLocked(ctx, path, branch, deleteBranch)
}

func (m *Manager) cleanupLocked(ctx context.Context, path, branch string, deleteBranch bool) error {
	if !m.isUnderVCSLocked(ctx) || path == m.repoPath {
		return nil
	}
	if out, err := m.runner.Run(ctx, m.repoPath, "worktree", "remove", "--force", path); err != nil {
		if !strings.Contains(out, "is not a working tree") {
			return fmt.Errorf("%w: %s", models.ErrWorktreeVCSFail, strings.TrimSpace(out))
		}
	}
	_ = os.RemoveAll(path)
	if deleteBranch && branch != "" {
		_, _ = m.runner.Run(ctx, m.repoPath, "branch", "-D", branch)
	}
	return nil
}

// CleanupOrphans removes every agent-prefixed workspace whose short-id does
// not prefix any id in activeCardIDs.
func (m *Manager) CleanupOrphans(ctx context.Context, activeCardIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.listActiveLocked(ctx)
	if err != nil {
		return 0, err
	}

	live := make(map[string]bool, len(activeCardIDs))
	for _, id := range activeCardIDs {
		live[ShortID(id)] = true
	}

	removed := 0
	for _, a := range active {
		if live[a.ShortID] {
			continue
		}
		if err := m.cleanupLocked(ctx, a.Path, a.BranchName, true); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
