// Package config loads the daemon configuration: defaults, then the TOML
// file, then environment overrides (env wins). A performance profile is a
// preset overlay applied before the file is read, so file values beat the
// profile.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Edge        EdgeConfig        `toml:"edge"`
	Backend     BackendConfig     `toml:"backend"`
	WebSocket   WebSocketConfig   `toml:"websocket"`
	IMessage    IMessageConfig    `toml:"imessage"`
	Scheduler   SchedulerConfig   `toml:"scheduler"`
	Performance PerformanceConfig `toml:"performance"`
	Logging     LoggingConfig     `toml:"logging"`
}

type EdgeConfig struct {
	AgentID   string `toml:"agent_id"`
	UserPhone string `toml:"user_phone"`
	Secret    string `toml:"-"` // env only, never in the file
	DataDir   string `toml:"data_dir"`
}

type BackendConfig struct {
	URL                   string `toml:"url"`
	SyncIntervalSeconds   int    `toml:"sync_interval_seconds"`
	RequestTimeoutMs      int    `toml:"request_timeout_ms"`
	MaxConcurrentRequests int    `toml:"max_concurrent_requests"`
}

type WebSocketConfig struct {
	Enabled             bool `toml:"enabled"`
	PingIntervalSeconds int  `toml:"ping_interval_seconds"`
}

type IMessageConfig struct {
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
	DBPath              string `toml:"db_path"`
	AttachmentsPath     string `toml:"attachments_path"`
	EnableFastCheck     bool   `toml:"enable_fast_check"`
	MaxMessagesPerPoll  int    `toml:"max_messages_per_poll"`
}

type SchedulerConfig struct {
	CheckIntervalSeconds int  `toml:"check_interval_seconds"`
	AdaptiveMode         bool `toml:"adaptive_mode"`
}

type PerformanceConfig struct {
	Profile                   string `toml:"profile"`
	ParallelMessageProcessing int    `toml:"parallel_message_processing"`
	BatchAppleScriptSends     bool   `toml:"batch_applescript_sends"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Default returns a Config with the balanced profile's defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Edge: EdgeConfig{
			DataDir: filepath.Join(home, ".edgelink"),
		},
		Backend: BackendConfig{
			SyncIntervalSeconds:   30,
			RequestTimeoutMs:      60000,
			MaxConcurrentRequests: 5,
		},
		WebSocket: WebSocketConfig{
			Enabled:             true,
			PingIntervalSeconds: 30,
		},
		IMessage: IMessageConfig{
			PollIntervalSeconds: 1,
			DBPath:              filepath.Join(home, "Library", "Messages", "chat.db"),
			AttachmentsPath:     filepath.Join(home, "Library", "Messages", "Attachments"),
			EnableFastCheck:     true,
			MaxMessagesPerPoll:  100,
		},
		Scheduler: SchedulerConfig{
			CheckIntervalSeconds: 60,
			AdaptiveMode:         true,
		},
		Performance: PerformanceConfig{
			Profile:                   "balanced",
			ParallelMessageProcessing: 3,
			BatchAppleScriptSends:     true,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads config: defaults -> profile overlay -> TOML file -> env vars
// (env wins). The profile named in the file is honoured by reading the
// file twice: once to learn the profile, once over the overlaid defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "edgelink.toml"
	}

	data, err := os.ReadFile(path)
	if err == nil {
		var peek Config
		if err := toml.Unmarshal(data, &peek); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if peek.Performance.Profile != "" {
			if err := applyProfile(&cfg, peek.Performance.Profile); err != nil {
				return Config{}, err
			}
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.Edge.AgentID == "" && cfg.Edge.UserPhone != "" {
		cfg.Edge.AgentID = "edge_" + digits(cfg.Edge.UserPhone)
	}
	return cfg, nil
}

// StatePath is the daemon state database location under the data dir.
func (c Config) StatePath() string {
	return filepath.Join(c.Edge.DataDir, "state.db")
}

// SchedulerPath is the scheduler database location under the data dir.
func (c Config) SchedulerPath() string {
	return filepath.Join(c.Edge.DataDir, "scheduler.db")
}

// Validate reports the misconfigurations that prevent startup.
func (c Config) Validate() error {
	if c.Edge.Secret == "" {
		return fmt.Errorf("config: EDGE_SECRET is required")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("config: backend.url is required")
	}
	if c.Edge.AgentID == "" {
		return fmt.Errorf("config: edge.agent_id or edge.user_phone is required")
	}
	return nil
}

func applyProfile(cfg *Config, profile string) error {
	switch profile {
	case "balanced", "":
		// Defaults already are the balanced preset.
	case "low-latency":
		cfg.Backend.SyncIntervalSeconds = 10
		cfg.Backend.MaxConcurrentRequests = 5
		cfg.IMessage.PollIntervalSeconds = 1
		cfg.Scheduler.CheckIntervalSeconds = 30
		cfg.Performance.ParallelMessageProcessing = 5
	case "low-resource":
		cfg.Backend.SyncIntervalSeconds = 60
		cfg.Backend.MaxConcurrentRequests = 3
		cfg.IMessage.PollIntervalSeconds = 5
		cfg.Scheduler.CheckIntervalSeconds = 60
		cfg.Performance.ParallelMessageProcessing = 1
		cfg.Performance.BatchAppleScriptSends = false
	default:
		return fmt.Errorf("config: unknown performance profile %q", profile)
	}
	cfg.Performance.Profile = profile
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("EDGE_SECRET"); v != "" {
		cfg.Edge.Secret = v
	}
	if v := os.Getenv("USER_PHONE"); v != "" {
		cfg.Edge.UserPhone = v
	}
	if v := os.Getenv("BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
}

// digits strips everything but 0-9, for the default agent id.
func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
