package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// unsetEnv clears key for the duration of the test
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 15, cfg.Ports.PoolSize)
	assert.Equal(t, 9100, cfg.Ports.BackendBase)
	assert.Equal(t, 9200, cfg.Ports.FrontendBase)
	assert.Equal(t, "claude", cfg.Agent.ClaudePath)
	assert.Equal(t, "sonnet", cfg.Agent.DefaultModel)
	assert.Equal(t, 20*time.Minute, cfg.Agent.PhaseTimeout.Duration)
	assert.Equal(t, 3, cfg.Agent.MaxRetries)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second, 5 * time.Second}, cfg.RetryDelays())
	assert.True(t, cfg.Notifications.IssueComments)
	assert.True(t, cfg.Knowledge.AnalyzePatterns)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	unsetEnv(t, "CLAUDE_CODE_PATH")
	unsetEnv(t, "GITHUB_REPO")
	unsetEnv(t, "LOG_LEVEL")
	root := t.TempDir()

	path := writeTempConfig(t, `
[general]
project_root = "`+root+`"
trees_dir = "worktrees"
log_format = "json"

[ports]
pool_size = 4

[agent]
phase_timeout = "90s"
executor_retries = 2

[models.build]
elevated = "opus-max"

[knowledge]
dir = "/srv/kb"
analyze_patterns = false

[github]
repo = "acme/shop"

[[trigger]]
name = "nightly"
cron = "0 22 * * *"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "worktrees"), cfg.General.TreesDir)
	assert.Equal(t, filepath.Join(root, "agents"), cfg.General.AgentsDir)
	assert.Equal(t, "json", cfg.General.LogFormat)
	assert.Equal(t, 4, cfg.Ports.PoolSize)
	assert.Equal(t, 9100, cfg.Ports.BackendBase, "unset keys keep defaults")
	assert.Equal(t, 90*time.Second, cfg.Agent.PhaseTimeout.Duration)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, cfg.RetryDelays())
	assert.Equal(t, "opus-max", cfg.Models["build"].Elevated)
	assert.Equal(t, "/srv/kb", cfg.Knowledge.Dir)
	assert.Equal(t, "/srv/kb/patterns.db", cfg.Knowledge.Database)
	assert.False(t, cfg.Knowledge.AnalyzePatterns)
	assert.Equal(t, "acme/shop", cfg.GitHub.Repo)

	require.Len(t, cfg.Triggers, 1)
	assert.Equal(t, 4, cfg.Triggers[0].MaxRuns)
	assert.Equal(t, "adw", cfg.Triggers[0].Label)
	assert.Equal(t, "sdlc", cfg.Triggers[0].Pipeline)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "absent.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Ports.PoolSize)
	assert.True(t, filepath.IsAbs(cfg.General.TreesDir))
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad duration", "[agent]\nphase_timeout = \"soon\"\n"},
		{"zero pool", "[ports]\npool_size = 0\n"},
		{"overlapping ports", "[ports]\nbackend_base = 9100\nfrontend_base = 9105\n"},
		{"log format", "[general]\nlog_format = \"xml\"\n"},
		{"trigger without cron", "[[trigger]]\nname = \"x\"\n"},
		{"duplicate trigger", "[[trigger]]\nname = \"x\"\ncron = \"* * * * *\"\n[[trigger]]\nname = \"x\"\ncron = \"* * * * *\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, "[general]\nproject_root = \""+t.TempDir()+"\"\n"+tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadEnvFileAndOverrides(t *testing.T) {
	unsetEnv(t, "CLAUDE_CODE_PATH")
	t.Setenv("GITHUB_REPO", "acme/from-env")

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"),
		[]byte("CLAUDE_CODE_PATH=/opt/claude/bin/claude\nGITHUB_REPO=acme/from-dotenv\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("CLAUDE_CODE_PATH") })

	cfg, err := Load(writeTempConfig(t, "[general]\nproject_root = \""+root+"\"\n[github]\nrepo = \"acme/from-file\"\n"))
	require.NoError(t, err)

	assert.Equal(t, "/opt/claude/bin/claude", cfg.Agent.ClaudePath)
	assert.Equal(t, "acme/from-env", cfg.GitHub.Repo, "process env wins over .env")
}

func TestSaveRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.General.ProjectRoot = root
	cfg.Agent.PhaseTimeout = Duration{5 * time.Minute}
	cfg.Triggers = []TriggerConfig{{Name: "hourly", Cron: "0 * * * *", MaxRuns: 2, Label: "adw", Pipeline: "plan_build"}}

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "phase_timeout")
	assert.Contains(t, string(data), "5m0s")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, loaded.Agent.PhaseTimeout.Duration)
	assert.Equal(t, cfg.Triggers, loaded.Triggers)
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandPath(tt.input), tt.input)
	}
}

func TestFindLocalConfig(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sub", "dir")
	require.NoError(t, os.MkdirAll(subdir, 0o755))

	localConfig := filepath.Join(root, LocalConfigName)
	require.NoError(t, os.WriteFile(localConfig, []byte("[general]\nproject_root = \""+root+"\""), 0o644))

	t.Chdir(subdir)

	found := FindLocalConfig()
	// macOS temp dirs resolve through /private
	want, _ := filepath.EvalSymlinks(localConfig)
	got, _ := filepath.EvalSymlinks(found)
	assert.Equal(t, want, got)

	cfg, err := LoadWithLocalFallback("")
	require.NoError(t, err)
	assert.Equal(t, root, cfg.General.ProjectRoot)
}

func TestDefaultConfigPath(t *testing.T) {
	assert.Equal(t, filepath.Join("adw", "config.toml"),
		filepath.Join(filepath.Base(filepath.Dir(DefaultConfigPath())), filepath.Base(DefaultConfigPath())))
}
