package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Research      ResearchConfig      `toml:"research"`
	Policy        PolicyConfig        `toml:"policy"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	AgentBinary  string `toml:"agent_binary"`
	ScratchDir   string `toml:"scratch_dir"`
	DatabasePath string `toml:"database_path"`
	SchedulePath string `toml:"schedule_path"`
}

// ResearchConfig holds per-query research settings
type ResearchConfig struct {
	Model                 string `toml:"model"`
	TimeoutSeconds        int    `toml:"timeout_seconds"`
	TimeoutFloorSeconds   int    `toml:"timeout_floor_seconds"`
	TimeoutCeilingSeconds int    `toml:"timeout_ceiling_seconds"`
	MaxSources            int    `toml:"max_sources"`
	MaxParallel           int    `toml:"max_parallel"`
	Period                string `toml:"period"`
	Year                  int    `toml:"year"`
}

// PolicyConfig holds event-policy settings
type PolicyConfig struct {
	RejectCommandEvents bool   `toml:"reject_command_events"`
	CommandPattern      string `toml:"command_pattern"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds web UI settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			AgentBinary:  "claude",
			ScratchDir:   "",
			DatabasePath: filepath.Join(home, ".research-orch", "history.db"),
			SchedulePath: filepath.Join(home, ".config", "research-orch", "schedule.toml"),
		},
		Research: ResearchConfig{
			Model:                 "",
			TimeoutSeconds:        600,
			TimeoutFloorSeconds:   30,
			TimeoutCeilingSeconds: 1800,
			MaxSources:            8,
			MaxParallel:           5,
			Period:                "early",
			Year:                  time.Now().Year(),
		},
		Policy: PolicyConfig{
			RejectCommandEvents: true,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.ScratchDir = ExpandPath(cfg.General.ScratchDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.SchedulePath = ExpandPath(cfg.General.SchedulePath)

	return cfg, nil
}

// EffectiveTimeout returns the configured run timeout clamped to the
// configured floor and ceiling.
func (c *Config) EffectiveTimeout() time.Duration {
	floor := c.Research.TimeoutFloorSeconds
	if floor <= 0 {
		floor = 30
	}
	ceiling := c.Research.TimeoutCeilingSeconds
	if ceiling < floor {
		ceiling = 1800
	}

	secs := c.Research.TimeoutSeconds
	if secs <= 0 {
		secs = 600
	}
	if secs < floor {
		secs = floor
	}
	if secs > ceiling {
		secs = ceiling
	}
	return time.Duration(secs) * time.Second
}

// EffectiveMaxSources returns the configured source cap clamped to [1, 20]
func (c *Config) EffectiveMaxSources() int {
	n := c.Research.MaxSources
	if n < 1 {
		n = 1
	}
	if n > 20 {
		n = 20
	}
	return n
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
	return filepath.Join(home, ".config", "research-orch", "config.toml")
}
