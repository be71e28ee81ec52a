package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Substrate names accepted in worker.substrate.
const (
	SubstrateInProc    = "inproc"
	SubstrateWebSocket = "websocket"
)

// Config holds the worker host and agent configuration
type Config struct {
	Logging struct {
		Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
		Format string `yaml:"format"` // console or json (default: console)
	} `yaml:"logging"`

	Worker struct {
		Substrate string `yaml:"substrate"`  // inproc or websocket (default: inproc)
		Program   string `yaml:"program"`    // Program name (default: echo)
		URL       string `yaml:"url"`        // Agent base URL for the websocket substrate (e.g., ws://localhost:8091/workers)
		AuthToken string `yaml:"auth_token"` // Sent as X-Auth-Token when dialing the agent
		// Frame limit for the websocket substrate; match agent.max_message_bytes (default: 16MB)
		MaxMessageBytes int64 `yaml:"max_message_bytes"`
	} `yaml:"worker"`

	Supervisor struct {
		IdleTimeout     time.Duration `yaml:"idle_timeout"`     // Reclaim an unused worker after this long (default: 5m)
		InitTimeout     time.Duration `yaml:"init_timeout"`     // Fail if READY does not arrive in time (0 disables)
		KeepAlive       bool          `yaml:"keep_alive"`       // Never reclaim idle workers
		RestartDelay    time.Duration `yaml:"restart_delay"`    // Grace delay between terminate and start (default: 100ms)
		MetricsInterval time.Duration `yaml:"metrics_interval"` // Metrics refresh period (default: 1s)
	} `yaml:"supervisor"`

	Pool struct {
		Size        int           `yaml:"size"`          // Number of workers (default: 4)
		TaskTimeout time.Duration `yaml:"task_timeout"`  // Per-task timeout (default: 30s)
		WarmUp      bool          `yaml:"warm_up"`       // PING every worker shortly after start
		WarmUpDelay time.Duration `yaml:"warm_up_delay"` // Delay before the warm-up PING (default: 100ms)
	} `yaml:"pool"`

	Stream struct {
		Interval      time.Duration `yaml:"interval"`        // Pause between chunks (default: 50ms)
		ItemsPerChunk int           `yaml:"items_per_chunk"` // Count-based chunking (default: 100)
		MaxChunkBytes int           `yaml:"max_chunk_bytes"` // Size-based chunking, overrides items_per_chunk when set
	} `yaml:"stream"`

	Dashboard struct {
		Enabled bool   `yaml:"enabled"` // Whether to enable the dashboard (default: false)
		Address string `yaml:"address"` // Dashboard server address (default: :8090)
	} `yaml:"dashboard"`

	Agent struct {
		Address   string `yaml:"address"`    // Agent listen address (default: :8091)
		AuthToken string `yaml:"auth_token"` // Required X-Auth-Token; empty accepts all
		// Frame limit; oversized stream chunks end their stream with STREAM_ERROR (default: 16MB)
		MaxMessageBytes int64 `yaml:"max_message_bytes"`
	} `yaml:"agent"`

	Dataset struct {
		Path string `yaml:"path"` // SQLite database path (default: ./data/dataset.db)
	} `yaml:"dataset"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	cfg.Worker.Substrate = SubstrateInProc
	cfg.Worker.Program = "echo"
	cfg.Supervisor.IdleTimeout = 5 * time.Minute
	cfg.Supervisor.RestartDelay = 100 * time.Millisecond
	cfg.Supervisor.MetricsInterval = time.Second
	cfg.Pool.Size = 4
	cfg.Pool.TaskTimeout = 30 * time.Second
	cfg.Pool.WarmUpDelay = 100 * time.Millisecond
	cfg.Stream.Interval = 50 * time.Millisecond
	cfg.Stream.ItemsPerChunk = 100
	cfg.Dashboard.Address = ":8090"
	cfg.Agent.Address = ":8091"
	cfg.Dataset.Path = "./data/dataset.db"
	return &cfg
}

// Load reads the configuration from a YAML file on top of the defaults, then
// applies environment overrides. An empty path skips the file. Logging
// overrides are read by the logger package itself.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Worker.Substrate = envOr("WORKER_SUBSTRATE", c.Worker.Substrate)
	c.Worker.Program = envOr("WORKER_PROGRAM", c.Worker.Program)
	c.Worker.URL = envOr("WORKER_URL", c.Worker.URL)
	c.Worker.AuthToken = envOr("WORKER_AUTH_TOKEN", c.Worker.AuthToken)
	c.Supervisor.IdleTimeout = envDurationOr("SUPERVISOR_IDLE_TIMEOUT", c.Supervisor.IdleTimeout)
	c.Supervisor.InitTimeout = envDurationOr("SUPERVISOR_INIT_TIMEOUT", c.Supervisor.InitTimeout)
	c.Supervisor.KeepAlive = envBoolOr("SUPERVISOR_KEEP_ALIVE", c.Supervisor.KeepAlive)
	c.Pool.Size = envIntOr("POOL_SIZE", c.Pool.Size)
	c.Pool.TaskTimeout = envDurationOr("POOL_TASK_TIMEOUT", c.Pool.TaskTimeout)
	c.Pool.WarmUp = envBoolOr("POOL_WARM_UP", c.Pool.WarmUp)
	c.Stream.Interval = envDurationOr("STREAM_INTERVAL", c.Stream.Interval)
	c.Dashboard.Enabled = envBoolOr("DASHBOARD_ENABLED", c.Dashboard.Enabled)
	c.Dashboard.Address = envOr("DASHBOARD_ADDR", c.Dashboard.Address)
	c.Agent.Address = envOr("AGENT_ADDR", c.Agent.Address)
	c.Agent.AuthToken = envOr("AGENT_AUTH_TOKEN", c.Agent.AuthToken)
	c.Dataset.Path = envOr("DATASET_PATH", c.Dataset.Path)
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var errs []error

	switch c.Worker.Substrate {
	case SubstrateInProc:
	case SubstrateWebSocket:
		if c.Worker.URL == "" {
			errs = append(errs, fmt.Errorf("worker.url is required for the %s substrate", SubstrateWebSocket))
		}
	default:
		errs = append(errs, fmt.Errorf("worker.substrate must be %q or %q, got %q",
			SubstrateInProc, SubstrateWebSocket, c.Worker.Substrate))
	}
	if c.Worker.Program == "" {
		errs = append(errs, fmt.Errorf("worker.program is required"))
	}
	if !c.Supervisor.KeepAlive && c.Supervisor.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.idle_timeout must be positive unless keep_alive is set"))
	}
	if c.Supervisor.InitTimeout < 0 {
		errs = append(errs, fmt.Errorf("supervisor.init_timeout must not be negative"))
	}
	if c.Supervisor.MetricsInterval <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.metrics_interval must be positive"))
	}
	if c.Pool.Size < 1 {
		errs = append(errs, fmt.Errorf("pool.size must be at least 1"))
	}
	if c.Pool.TaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pool.task_timeout must be positive"))
	}
	if c.Stream.Interval <= 0 {
		errs = append(errs, fmt.Errorf("stream.interval must be positive"))
	}
	if c.Stream.ItemsPerChunk < 1 && c.Stream.MaxChunkBytes <= 0 {
		errs = append(errs, fmt.Errorf("stream.items_per_chunk or stream.max_chunk_bytes is required"))
	}
	if c.Worker.MaxMessageBytes < 0 || c.Agent.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("max_message_bytes must not be negative"))
	}
	if c.Dashboard.Enabled && c.Dashboard.Address == "" {
		errs = append(errs, fmt.Errorf("dashboard.address is required when the dashboard is enabled"))
	}
	if c.Dataset.Path == "" {
		errs = append(errs, fmt.Errorf("dataset.path is required"))
	}

	return errors.Join(errs...)
}

// ─── helpers ───

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
