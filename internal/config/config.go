// Package config loads runtime configuration from a single YAML document
// with environment-variable expansion and a fixed set of env-var overrides.
// There is no multi-format detection: the file is always YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Health    HealthConfig    `yaml:"health"`
	Pool      PoolConfig      `yaml:"pool"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// LifecycleConfig bounds the Agent Lifecycle Manager (§4.5).
type LifecycleConfig struct {
	MaxActiveAgents  int           `yaml:"max_active_agents"`
	StartupTimeout   time.Duration `yaml:"startup_timeout"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
	DefaultHeartbeat time.Duration `yaml:"default_heartbeat"`
}

// SupervisorConfig configures the Process Supervisor's Docker backend
// (§4.3).
type SupervisorConfig struct {
	Image           string `yaml:"image"`
	Network         string `yaml:"network"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OAuthToken      string `yaml:"oauth_token"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// HealthConfig configures the Health Monitor's two loops (§4.4).
type HealthConfig struct {
	HeartbeatCheckInterval time.Duration `yaml:"heartbeat_check_interval"`
	HealthCheckInterval    time.Duration `yaml:"health_check_interval"`
	BaselineExecutionMs    float64       `yaml:"baseline_execution_ms"`
}

// PoolConfig configures the Pool Controller's maintenance loop (§4.6).
type PoolConfig struct {
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	DefaultCooldown     time.Duration `yaml:"default_cooldown"`
	StaleIdleTimeout    time.Duration `yaml:"stale_idle_timeout"`
}

// WorkflowConfig configures the Task/Workflow Engine's dispatch loop and
// retry backoff (§4.7, §9 decision 2).
type WorkflowConfig struct {
	DefaultMaxConcurrency int           `yaml:"default_max_concurrency"`
	DispatchPollInterval  time.Duration `yaml:"dispatch_poll_interval"`
	RetryBase             time.Duration `yaml:"retry_base"`
	RetryCap              time.Duration `yaml:"retry_cap"`
	RetryJitter           float64       `yaml:"retry_jitter"`
	CancelGrace           time.Duration `yaml:"cancel_grace"`
}

// SchedulerConfig configures scheduled trigger polling. A due trigger's
// Workflow field always names a document, loaded from WorkflowDir as
// "<name>.yaml", "<name>.yml" or "<name>.json" (first found wins).
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	WorkflowDir  string        `yaml:"workflow_dir"`
}

func defaults() Config {
	return Config{
		Lifecycle: LifecycleConfig{
			MaxActiveAgents:  32,
			StartupTimeout:   30 * time.Second,
			StopTimeout:      30 * time.Second,
			DefaultHeartbeat: 10 * time.Second,
		},
		Supervisor: SupervisorConfig{
			Image:   "conductor-agent:latest",
			Network: "conductor-net",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/conductor.db",
		},
		Health: HealthConfig{
			HeartbeatCheckInterval: 10 * time.Second,
			HealthCheckInterval:    30 * time.Second,
			BaselineExecutionMs:    1000,
		},
		Pool: PoolConfig{
			MaintenanceInterval: 15 * time.Second,
			DefaultCooldown:     60 * time.Second,
			StaleIdleTimeout:    30 * time.Minute,
		},
		Workflow: WorkflowConfig{
			DefaultMaxConcurrency: 1,
			DispatchPollInterval:  200 * time.Millisecond,
			RetryBase:             time.Second,
			RetryCap:              2 * time.Minute,
			RetryJitter:           0.2,
			CancelGrace:           10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
			WorkflowDir:  "config/workflows",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("CONDUCTOR_CONFIG")
	if path == "" {
		path = "config/conductor.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Supervisor.AnthropicAPIKey = v
	}
	if v := os.Getenv("CLAUDE_CODE_OAUTH_TOKEN"); v != "" {
		cfg.Supervisor.OAuthToken = v
	}
	if v := os.Getenv("CONDUCTOR_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("CONDUCTOR_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CONDUCTOR_MAX_ACTIVE_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lifecycle.MaxActiveAgents = n
		}
	}
}
