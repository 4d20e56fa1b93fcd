// Package config provides hierarchical configuration loading for Arbiter.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the Arbiter core service.
type Config struct {
	Server       Server       `yaml:"server"`
	Postgres     Postgres     `yaml:"postgres"`
	NATS         NATS         `yaml:"nats"`
	Inference    Inference    `yaml:"inference"`
	Logging      Logging      `yaml:"logging"`
	Breaker      Breaker      `yaml:"breaker"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Session      Session      `yaml:"session"`
	Comms        Comms        `yaml:"comms"`
	Monitor      Monitor      `yaml:"monitor"`
	Cache        Cache        `yaml:"cache"`
}

// Orchestrator holds supervisor and workflow pipeline configuration.
type Orchestrator struct {
	QualityThreshold float64       `yaml:"quality_threshold"` // Minimum mean confidence to pass the quality gate (default: 0.8)
	MaxRetries       int           `yaml:"max_retries"`       // Max quality-gated retry rounds per workflow (default: 3)
	AgentTimeout     time.Duration `yaml:"agent_timeout"`     // Per-agent execution timeout (default: 120s)
	WorkflowTimeout  time.Duration `yaml:"workflow_timeout"`  // End-to-end workflow timeout (default: 2h)
	TaskDeadline     time.Duration `yaml:"task_deadline"`     // Default task deadline offset (default: 2h)
}

// Session holds agent session lifecycle configuration.
type Session struct {
	MaxSessions   int           `yaml:"max_sessions"`   // Cap on running+initializing sessions (default: 50)
	SweepInterval time.Duration `yaml:"sweep_interval"` // Expired-session sweep interval (default: 60s)
}

// Comms holds communication manager configuration.
type Comms struct {
	MailboxSize   int           `yaml:"mailbox_size"`   // Per-agent mailbox capacity (default: 100)
	SweepInterval time.Duration `yaml:"sweep_interval"` // Route expiry sweep interval (default: 60s)
	ReceiptTTL    time.Duration `yaml:"receipt_ttl"`    // Delivery receipt retention (default: 1h)
}

// Monitor holds workflow monitoring and alerting configuration.
type Monitor struct {
	ScanInterval   time.Duration `yaml:"scan_interval"`   // Active workflow scan interval (default: 60s)
	StuckAfter     time.Duration `yaml:"stuck_after"`     // Idle time before a workflow is flagged stuck (default: 30m)
	MaxErrors      int           `yaml:"max_errors"`      // Error count before a workflow is flagged (default: 5)
	DriftThreshold float64       `yaml:"drift_threshold"` // Relative assumption drift that raises an alert (default: 0.10)
}

// Server holds HTTP status server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Postgres holds PostgreSQL connection configuration for the session store.
// An empty DSN disables persistence: sessions stay in memory only.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds NATS JetStream configuration for the remote coordination backend.
// An empty URL disables the remote backend; coordination runs in simulation only.
type NATS struct {
	URL string `yaml:"url"`
}

// Inference holds the LiteLLM proxy configuration for the text-inference port.
type Inference struct {
	URL       string        `yaml:"url"`
	MasterKey string        `yaml:"master_key"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level      string `yaml:"level"`
	Service    string `yaml:"service"`
	Async      bool   `yaml:"async"`
	BufferSize int    `yaml:"buffer_size"` // Async queue capacity
	Workers    int    `yaml:"workers"`     // Async drain workers
}

// Breaker holds circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Cache holds the in-process delivery receipt cache configuration.
type Cache struct {
	MaxSizeMB int64 `yaml:"max_size_mb"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8080",
			CORSOrigin: "http://localhost:3000",
		},
		Postgres: Postgres{
			DSN:             "",
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		NATS: NATS{
			URL: "nats://localhost:4222",
		},
		Inference: Inference{
			URL:     "http://localhost:4000",
			Model:   "openai/gpt-4o-mini",
			Timeout: 30 * time.Second,
		},
		Logging: Logging{
			Level:      "info",
			Service:    "arbiter-core",
			BufferSize: 1024,
			Workers:    1,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Orchestrator: Orchestrator{
			QualityThreshold: 0.8,
			MaxRetries:       3,
			AgentTimeout:     120 * time.Second,
			WorkflowTimeout:  2 * time.Hour,
			TaskDeadline:     2 * time.Hour,
		},
		Session: Session{
			MaxSessions:   50,
			SweepInterval: 60 * time.Second,
		},
		Comms: Comms{
			MailboxSize:   100,
			SweepInterval: 60 * time.Second,
			ReceiptTTL:    time.Hour,
		},
		Monitor: Monitor{
			ScanInterval:   60 * time.Second,
			StuckAfter:     30 * time.Minute,
			MaxErrors:      5,
			DriftThreshold: 0.10,
		},
		Cache: Cache{
			MaxSizeMB: 32,
		},
	}
}
