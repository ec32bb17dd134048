package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// Worktrees handles git worktree operations for isolated runs
type Worktrees struct {
	repoDir  string
	treesDir string
}

// NewWorktrees creates a Worktrees rooted at the primary repository
func NewWorktrees(repoDir, treesDir string) *Worktrees {
	return &Worktrees{
		repoDir:  repoDir,
		treesDir: treesDir,
	}
}

// Path returns the worktree location for a run
func (w *Worktrees) Path(runID string) string {
	return filepath.Join(w.treesDir, runID)
}

// Add creates a worktree at path checked out on branch.
// An existing branch is reused; otherwise it is created from origin/main or HEAD.
func (w *Worktrees) Add(ctx context.Context, path, branch string) error {
	if err := os.MkdirAll(w.treesDir, 0755); err != nil {
		return fmt.Errorf("creating trees dir: %w", err)
	}

	// Prune stale entries so a directory deleted by hand does not block the add
	w.git(ctx, w.repoDir, "worktree", "prune")

	if _, err := w.git(ctx, w.repoDir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		if out, err := w.git(ctx, w.repoDir, "worktree", "add", path, branch); err != nil {
			return fmt.Errorf("git worktree add: %s: %w", out, err)
		}
		return nil
	}

	// Fetch latest from origin first (if remote exists)
	w.git(ctx, w.repoDir, "fetch", "origin", "main")

	base := "origin/main"
	if _, err := w.git(ctx, w.repoDir, "rev-parse", "--verify", "--quiet", base); err != nil {
		base = "HEAD"
	}

	if out, err := w.git(ctx, w.repoDir, "worktree", "add", "-b", branch, path, base); err != nil {
		return fmt.Errorf("git worktree add: %s: %w", out, err)
	}
	return nil
}

// Remove removes the worktree at path and optionally its branch.
// A path that is not a worktree is not an error.
func (w *Worktrees) Remove(ctx context.Context, path string, deleteBranch bool) error {
	var branch string
	if _, err := os.Stat(path); err == nil {
		out, _ := w.git(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
		branch = strings.TrimSpace(string(out))
	}

	if ok, _ := w.Registered(ctx, path); ok {
		if out, err := w.git(ctx, w.repoDir, "worktree", "remove", "--force", path); err != nil {
			return fmt.Errorf("git worktree remove: %s: %w", out, err)
		}
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing worktree dir: %w", err)
	}
	w.git(ctx, w.repoDir, "worktree", "prune")

	if deleteBranch && branch != "" && branch != "HEAD" {
		w.git(ctx, w.repoDir, "branch", "-D", branch) // Ignore error if branch doesn't exist
	}
	return nil
}

// DeleteBranch deletes a local branch, ignoring a missing one
func (w *Worktrees) DeleteBranch(ctx context.Context, branch string) {
	if branch == "" {
		return
	}
	w.git(ctx, w.repoDir, "branch", "-D", branch)
}

// List returns all worktree paths inside the trees directory
func (w *Worktrees) List(ctx context.Context) ([]string, error) {
	out, err := w.git(ctx, w.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git worktree list: %s: %w", out, err)
	}

	root := canonical(w.treesDir)
	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		path := canonical(strings.TrimPrefix(line, "worktree "))
		if strings.HasPrefix(path, root+string(filepath.Separator)) {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// Registered reports whether git knows path as a worktree
func (w *Worktrees) Registered(ctx context.Context, path string) (bool, error) {
	paths, err := w.List(ctx)
	if err != nil {
		return false, err
	}
	want := canonical(path)
	for _, p := range paths {
		if p == want {
			return true, nil
		}
	}
	return false, nil
}

func (w *Worktrees) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// canonical resolves symlinks so paths reported by git compare equal to ours
func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	// The leaf may not exist yet; resolve the parent instead
	if parent, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(parent, filepath.Base(abs))
	}
	return abs
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// BranchName returns the branch for a run, e.g. feat-issue-42-adw-a1b2c3d4-add-login
func BranchName(issueClass, workItem, runID, title string) string {
	class := strings.TrimPrefix(issueClass, "/")
	if class == "" {
		class = "feat"
	}
	name := fmt.Sprintf("%s-issue-%s-adw-%s", class, workItem, runID)
	if workItem == "" {
		name = fmt.Sprintf("%s-adw-%s", class, runID)
	}
	slug := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	if slug != "" {
		name += "-" + slug
	}
	return name
}
