// Package config provides configuration loading for taskgate.
//
// Configuration is layered: hardcoded defaults, then an optional YAML file,
// then TASKGATE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds the complete taskgate configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Tasks     TasksConfig     `koanf:"tasks"`
	Policy    PolicyConfig    `koanf:"policy"`
	Evaluator EvaluatorConfig `koanf:"evaluator"`
	Settle    SettleConfig    `koanf:"settle"`
	Events    EventsConfig    `koanf:"events"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	Hooks     HooksConfig     `koanf:"hooks"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// MountMCP exposes the MCP tools over streamable HTTP at /mcp.
	MountMCP bool `koanf:"mount_mcp"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig holds the decision store settings.
type StoreConfig struct {
	Path        string   `koanf:"path"`
	BusyTimeout Duration `koanf:"busy_timeout"`
	MaxRetries  int      `koanf:"max_retries"`
}

// TasksConfig points at the task runtime's file-backed task lists.
type TasksConfig struct {
	Dir         string   `koanf:"dir"`
	ListID      string   `koanf:"list_id"`
	LockTimeout Duration `koanf:"lock_timeout"`
}

// PolicyConfig configures the policy context cache.
type PolicyConfig struct {
	File     string   `koanf:"file"`
	CacheTTL Duration `koanf:"cache_ttl"`
	Watch    bool     `koanf:"watch"`
}

// EvaluatorConfig configures the external evaluator process.
type EvaluatorConfig struct {
	Command           string   `koanf:"command"`
	Args              []string `koanf:"args"`
	WorkDir           string   `koanf:"work_dir"`
	DecisionTimeout   Duration `koanf:"decision_timeout"`
	PlanTimeout       Duration `koanf:"plan_timeout"`
	CompletionTimeout Duration `koanf:"completion_timeout"`
	HolisticTimeout   Duration `koanf:"holistic_timeout"`
	MaxPayloadBytes   int      `koanf:"max_payload_bytes"`
	// RateLimit is evaluator invocations per second; zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`
}

// SettleConfig configures the settle/debounce coordinator.
type SettleConfig struct {
	QuietWindow Duration `koanf:"quiet_window"`
	MinTasks    int      `koanf:"min_tasks"`
	StaleAfter  Duration `koanf:"stale_after"`
	Workers     int      `koanf:"workers"`
	QueueSize   int      `koanf:"queue_size"`
	AutoReview  bool     `koanf:"auto_review"`
}

// EventsConfig configures lifecycle event publishing. An empty URL disables it.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	Token         Secret `koanf:"token"`
}

// SecretsConfig configures scrubbing of evaluator payloads.
type SecretsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// HooksConfig configures the hook CLI bridge.
type HooksConfig struct {
	DaemonURL string   `koanf:"daemon_url"`
	Timeout   Duration `koanf:"timeout"`
}

// LoggingConfig holds the logging settings applied by cmd/taskgate.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds the OpenTelemetry settings applied by cmd/taskgate.
type TelemetryConfig struct {
	Enabled       bool    `koanf:"enabled"`
	Endpoint      string  `koanf:"endpoint"`
	Protocol      string  `koanf:"protocol"`
	Insecure      bool    `koanf:"insecure"`
	TLSSkipVerify bool    `koanf:"tls_skip_verify"`
	ServiceName   string  `koanf:"service_name"`
	SampleRate    float64 `koanf:"sample_rate"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	dataDir := filepath.Join(homeDir(), ".local", "share", "taskgate")
	configDir := filepath.Join(homeDir(), ".config", "taskgate")
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
			MountMCP:        true,
		},
		Store: StoreConfig{
			Path:        filepath.Join(dataDir, "taskgate.db"),
			BusyTimeout: Duration(5 * time.Second),
			MaxRetries:  5,
		},
		Tasks: TasksConfig{
			Dir:         filepath.Join(homeDir(), ".claude", "tasks"),
			ListID:      "default",
			LockTimeout: Duration(5 * time.Second),
		},
		Policy: PolicyConfig{
			File:     filepath.Join(configDir, "policy.yaml"),
			CacheTTL: Duration(5 * time.Minute),
			Watch:    true,
		},
		Evaluator: EvaluatorConfig{
			Command:           "claude",
			Args:              []string{"-p", "--output-format", "json"},
			DecisionTimeout:   Duration(60 * time.Second),
			PlanTimeout:       Duration(120 * time.Second),
			CompletionTimeout: Duration(90 * time.Second),
			HolisticTimeout:   Duration(120 * time.Second),
			MaxPayloadBytes:   256 * 1024,
			RateLimit:         1,
			Burst:             4,
		},
		Settle: SettleConfig{
			QuietWindow: Duration(3 * time.Second),
			MinTasks:    2,
			StaleAfter:  Duration(5 * time.Minute),
			Workers:     2,
			QueueSize:   64,
			AutoReview:  true,
		},
		Events: EventsConfig{
			SubjectPrefix: "taskgate",
		},
		Secrets: SecretsConfig{
			Enabled: true,
		},
		Hooks: HooksConfig{
			DaemonURL: "http://127.0.0.1:9191",
			Timeout:   Duration(5 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "taskgate",
			SampleRate:  1.0,
		},
	}
}

// Validate checks the configuration for values the services cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Store.Path == "" {
		return errors.New("store path is required")
	}
	if c.Store.MaxRetries < 0 {
		return fmt.Errorf("store max_retries cannot be negative: %d", c.Store.MaxRetries)
	}
	if c.Tasks.Dir == "" || c.Tasks.ListID == "" {
		return errors.New("tasks dir and list_id are required")
	}
	if c.Policy.CacheTTL <= 0 {
		return errors.New("policy cache_ttl must be positive")
	}
	if err := c.Evaluator.validate(); err != nil {
		return err
	}
	if c.Settle.QuietWindow <= 0 {
		return errors.New("settle quiet_window must be positive")
	}
	if c.Settle.MinTasks < 1 {
		return fmt.Errorf("settle min_tasks must be at least 1, got %d", c.Settle.MinTasks)
	}
	if c.Settle.Workers < 1 || c.Settle.QueueSize < 1 {
		return errors.New("settle workers and queue_size must be at least 1")
	}
	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry sample_rate must be within [0,1], got %v", c.Telemetry.SampleRate)
	}
	return nil
}

func (e EvaluatorConfig) validate() error {
	if e.Command == "" {
		return errors.New("evaluator command is required")
	}
	for name, d := range map[string]Duration{
		"decision_timeout":   e.DecisionTimeout,
		"plan_timeout":       e.PlanTimeout,
		"completion_timeout": e.CompletionTimeout,
		"holistic_timeout":   e.HolisticTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("evaluator %s must be positive", name)
		}
	}
	if e.MaxPayloadBytes <= 0 {
		return errors.New("evaluator max_payload_bytes must be positive")
	}
	if e.RateLimit < 0 {
		return errors.New("evaluator rate_limit cannot be negative")
	}
	if e.RateLimit > 0 && e.Burst < 1 {
		return errors.New("evaluator burst must be at least 1 when rate limiting")
	}
	return nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return home
}
