package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "arbiter.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "ARBITER_PORT")
	setString(&cfg.Server.CORSOrigin, "ARBITER_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "ARBITER_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "ARBITER_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "ARBITER_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "ARBITER_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "ARBITER_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Inference.URL, "ARBITER_INFERENCE_URL")
	setString(&cfg.Inference.MasterKey, "ARBITER_INFERENCE_MASTER_KEY")
	setString(&cfg.Inference.Model, "ARBITER_INFERENCE_MODEL")
	setDuration(&cfg.Inference.Timeout, "ARBITER_INFERENCE_TIMEOUT")
	setString(&cfg.Logging.Level, "ARBITER_LOG_LEVEL")
	setString(&cfg.Logging.Service, "ARBITER_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "ARBITER_LOG_ASYNC")
	setInt(&cfg.Logging.BufferSize, "ARBITER_LOG_BUFFER_SIZE")
	setInt(&cfg.Logging.Workers, "ARBITER_LOG_WORKERS")
	setInt(&cfg.Breaker.MaxFailures, "ARBITER_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "ARBITER_BREAKER_TIMEOUT")

	// Orchestrator
	setFloat64(&cfg.Orchestrator.QualityThreshold, "ARBITER_ORCH_QUALITY_THRESHOLD")
	setInt(&cfg.Orchestrator.MaxRetries, "ARBITER_ORCH_MAX_RETRIES")
	setDuration(&cfg.Orchestrator.AgentTimeout, "ARBITER_ORCH_AGENT_TIMEOUT")
	setDuration(&cfg.Orchestrator.WorkflowTimeout, "ARBITER_ORCH_WORKFLOW_TIMEOUT")
	setDuration(&cfg.Orchestrator.TaskDeadline, "ARBITER_ORCH_TASK_DEADLINE")

	// Session
	setInt(&cfg.Session.MaxSessions, "ARBITER_SESSION_MAX")
	setDuration(&cfg.Session.SweepInterval, "ARBITER_SESSION_SWEEP_INTERVAL")

	// Comms
	setInt(&cfg.Comms.MailboxSize, "ARBITER_COMMS_MAILBOX_SIZE")
	setDuration(&cfg.Comms.SweepInterval, "ARBITER_COMMS_SWEEP_INTERVAL")
	setDuration(&cfg.Comms.ReceiptTTL, "ARBITER_COMMS_RECEIPT_TTL")

	// Monitor
	setDuration(&cfg.Monitor.ScanInterval, "ARBITER_MONITOR_SCAN_INTERVAL")
	setDuration(&cfg.Monitor.StuckAfter, "ARBITER_MONITOR_STUCK_AFTER")
	setInt(&cfg.Monitor.MaxErrors, "ARBITER_MONITOR_MAX_ERRORS")
	setFloat64(&cfg.Monitor.DriftThreshold, "ARBITER_MONITOR_DRIFT_THRESHOLD")

	// Cache
	setInt64(&cfg.Cache.MaxSizeMB, "ARBITER_CACHE_SIZE_MB")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Orchestrator.QualityThreshold < 0 || cfg.Orchestrator.QualityThreshold > 1 {
		return errors.New("orchestrator.quality_threshold must be in [0,1]")
	}
	if cfg.Orchestrator.MaxRetries < 0 {
		return errors.New("orchestrator.max_retries must be >= 0")
	}
	if cfg.Session.MaxSessions < 1 {
		return errors.New("session.max_sessions must be >= 1")
	}
	if cfg.Comms.MailboxSize < 1 {
		return errors.New("comms.mailbox_size must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
