package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cmds := [][]string{
		{"git", "init"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	}

	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v failed: %s", args, out)
		}
	}

	// Create initial commit
	readme := filepath.Join(dir, "README.md")
	require.NoError(t, os.WriteFile(readme, []byte("# Test"), 0644))

	for _, args := range [][]string{{"git", "add", "."}, {"git", "commit", "-m", "Initial commit"}} {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v failed: %s", args, out)
		}
	}

	return dir
}

func branchExists(t *testing.T, repoDir, branch string) bool {
	t.Helper()
	cmd := exec.Command("git", "branch", "--list", branch)
	cmd.Dir = repoDir
	out, _ := cmd.Output()
	return len(out) > 0
}

func TestWorktrees_AddRemove(t *testing.T) {
	ctx := context.Background()
	repoDir := setupGitRepo(t)
	wt := NewWorktrees(repoDir, filepath.Join(t.TempDir(), "trees"))

	path := wt.Path("a1b2c3d4")
	require.NoError(t, wt.Add(ctx, path, "feat-adw-a1b2c3d4"))

	_, err := os.Stat(filepath.Join(path, "README.md"))
	assert.NoError(t, err)
	assert.True(t, branchExists(t, repoDir, "feat-adw-a1b2c3d4"))

	ok, err := wt.Registered(ctx, path)
	require.NoError(t, err)
	assert.True(t, ok)

	paths, err := wt.List(ctx)
	require.NoError(t, err)
	assert.Len(t, paths, 1)

	require.NoError(t, wt.Remove(ctx, path, true))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, branchExists(t, repoDir, "feat-adw-a1b2c3d4"))

	// second removal is a no-op
	assert.NoError(t, wt.Remove(ctx, path, true))
}

func TestWorktrees_AddReusesExistingBranch(t *testing.T) {
	ctx := context.Background()
	repoDir := setupGitRepo(t)
	wt := NewWorktrees(repoDir, filepath.Join(t.TempDir(), "trees"))

	path := wt.Path("r1")
	require.NoError(t, wt.Add(ctx, path, "feat-adw-r1"))
	require.NoError(t, wt.Remove(ctx, path, false))
	assert.True(t, branchExists(t, repoDir, "feat-adw-r1"))

	require.NoError(t, wt.Add(ctx, path, "feat-adw-r1"))
	out, err := exec.Command("git", "-C", path, "rev-parse", "--abbrev-ref", "HEAD").Output()
	require.NoError(t, err)
	assert.Equal(t, "feat-adw-r1\n", string(out))
}

func TestBranchName(t *testing.T) {
	tests := []struct {
		class, item, id, title string
		want                   string
	}{
		{"feat", "42", "a1b2c3d4", "Add login page", "feat-issue-42-adw-a1b2c3d4-add-login-page"},
		{"/bug", "7", "r1", "Crash: on save!", "bug-issue-7-adw-r1-crash-on-save"},
		{"", "", "r2", "", "feat-adw-r2"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, BranchName(tt.class, tt.item, tt.id, tt.title))
		})
	}
}
