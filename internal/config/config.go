package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/adw-orchestrator/internal/fsutil"
	"github.com/hochfrequenz/adw-orchestrator/internal/tier"
)

// LocalConfigName is the per-project config file searched upwards from the working directory
const LocalConfigName = ".adw.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig          `toml:"general"`
	Ports         PortsConfig            `toml:"ports"`
	Agent         AgentConfig            `toml:"agent"`
	Models        map[string]tier.Models `toml:"models,omitempty"`
	Knowledge     KnowledgeConfig        `toml:"knowledge"`
	GitHub        GitHubConfig           `toml:"github"`
	Notifications NotificationsConfig    `toml:"notifications"`
	Web           WebConfig              `toml:"web"`
	Triggers      []TriggerConfig        `toml:"trigger,omitempty"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	ProjectRoot string `toml:"project_root"`
	TreesDir    string `toml:"trees_dir"`
	AgentsDir   string `toml:"agents_dir"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`
}

// PortsConfig describes the resource pool
type PortsConfig struct {
	PoolSize     int `toml:"pool_size"`
	BackendBase  int `toml:"backend_base"`
	FrontendBase int `toml:"frontend_base"`
}

// AgentConfig holds agent executor settings
type AgentConfig struct {
	ClaudePath          string     `toml:"claude_path"`
	DefaultModel        string     `toml:"default_model"`
	PhaseTimeout        Duration   `toml:"phase_timeout"`
	MaxRetries          int        `toml:"max_retries"`
	ExecutorRetries     int        `toml:"executor_retries"`
	ExecutorRetryDelays []Duration `toml:"executor_retry_delays"`
}

// KnowledgeConfig locates the failure pattern knowledge base
type KnowledgeConfig struct {
	Dir      string `toml:"dir"`
	Database string `toml:"database"`
	// AnalyzePatterns has the doctor agent document every new pattern
	AnalyzePatterns bool `toml:"analyze_patterns"`
}

// GitHubConfig holds work-item source settings
type GitHubConfig struct {
	Repo           string `toml:"repo"`
	CandidateLabel string `toml:"candidate_label"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook  string `toml:"slack_webhook"`
	IssueComments bool   `toml:"issue_comments"`
	Desktop       bool   `toml:"desktop"`
}

// WebConfig holds web API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// TriggerConfig is one cron-scheduled poll of the work-item source
type TriggerConfig struct {
	Name     string `toml:"name"`
	Cron     string `toml:"cron"`
	MaxRuns  int    `toml:"max_runs"`
	Label    string `toml:"label"`
	Pipeline string `toml:"pipeline"`
}

// Duration is a time.Duration written as a string ("20m") in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

// MarshalText writes the duration in Go syntax
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			TreesDir:  "trees",
			AgentsDir: "agents",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Ports: PortsConfig{
			PoolSize:     15,
			BackendBase:  9100,
			FrontendBase: 9200,
		},
		Agent: AgentConfig{
			ClaudePath:      "claude",
			DefaultModel:    "sonnet",
			PhaseTimeout:    Duration{20 * time.Minute},
			MaxRetries:      3,
			ExecutorRetries: 3,
			ExecutorRetryDelays: []Duration{
				{time.Second}, {3 * time.Second}, {5 * time.Second},
			},
		},
		Knowledge: KnowledgeConfig{
			Dir:             filepath.Join("app_docs", "testing"),
			AnalyzePatterns: true,
		},
		GitHub: GitHubConfig{
			CandidateLabel: "adw",
		},
		Notifications: NotificationsConfig{
			IssueComments: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// A .env file in the project root is loaded first and environment
// overrides are applied before relative paths are resolved.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	root := ExpandPath(cfg.General.ProjectRoot)
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	if err := LoadEnv(root); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.Resolve(root)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadWithLocalFallback loads the explicit path if given, else the nearest
// .adw.toml above the working directory, else the user config.
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for LocalConfigName
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadEnv loads <dir>/.env into the process environment without
// overriding variables that are already set. A missing file is fine.
func LoadEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CLAUDE_CODE_PATH"); v != "" {
		c.Agent.ClaudePath = v
	}
	if v := os.Getenv("GITHUB_REPO"); v != "" {
		c.GitHub.Repo = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.General.LogLevel = v
	}
}

// Resolve expands ~ and anchors relative paths at the project root
func (c *Config) Resolve(root string) {
	if c.General.ProjectRoot == "" {
		c.General.ProjectRoot = root
	}
	c.General.ProjectRoot = ExpandPath(c.General.ProjectRoot)

	abs := func(p string) string {
		p = ExpandPath(p)
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.General.ProjectRoot, p)
	}
	c.General.TreesDir = abs(c.General.TreesDir)
	c.General.AgentsDir = abs(c.General.AgentsDir)
	c.Knowledge.Dir = abs(c.Knowledge.Dir)
	if c.Knowledge.Database == "" {
		c.Knowledge.Database = filepath.Join(c.Knowledge.Dir, "patterns.db")
	}
	c.Knowledge.Database = abs(c.Knowledge.Database)
}

// Validate checks value ranges and fills trigger defaults
func (c *Config) Validate() error {
	p := c.Ports
	if p.PoolSize <= 0 {
		return errors.New("ports.pool_size must be positive")
	}
	if p.BackendBase <= 0 || p.FrontendBase <= 0 {
		return errors.New("ports bases must be positive")
	}
	if p.BackendBase < p.FrontendBase+p.PoolSize && p.FrontendBase < p.BackendBase+p.PoolSize {
		return fmt.Errorf("port ranges %d+%d and %d+%d overlap", p.BackendBase, p.PoolSize, p.FrontendBase, p.PoolSize)
	}
	if c.Agent.MaxRetries < 0 || c.Agent.ExecutorRetries < 0 {
		return errors.New("retry counts must not be negative")
	}
	switch c.General.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.General.LogFormat)
	}

	seen := make(map[string]bool)
	for i := range c.Triggers {
		t := &c.Triggers[i]
		if t.Name == "" {
			return fmt.Errorf("trigger %d: name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("trigger %q defined twice", t.Name)
		}
		seen[t.Name] = true
		if t.Cron == "" {
			return fmt.Errorf("trigger %q: cron expression is required", t.Name)
		}
		if t.MaxRuns <= 0 {
			t.MaxRuns = p.PoolSize
		}
		if t.Label == "" {
			t.Label = c.GitHub.CandidateLabel
		}
		if t.Pipeline == "" {
			t.Pipeline = "sdlc"
		}
	}
	return nil
}

// RetryDelays returns the executor retry delays, limited to ExecutorRetries
func (c *Config) RetryDelays() []time.Duration {
	out := make([]time.Duration, 0, len(c.Agent.ExecutorRetryDelays))
	for i, d := range c.Agent.ExecutorRetryDelays {
		if i >= c.Agent.ExecutorRetries {
			break
		}
		out = append(out, d.Duration)
	}
	return out
}

// Save writes the configuration as TOML
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return fsutil.AtomicWrite(path, data)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "adw", "config.toml")
}
