// Package config provides configuration loading from environment variables,
// with an optional YAML file overlay for the same fields. Environment
// variables win over the file; the file wins over built-in defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceConfig holds the full configuration for the jobd daemon, worker and
// admin CLI. One instance is built in main and passed into constructors.
type ServiceConfig struct {
	Store    StoreConfig    `yaml:"store"`
	Registry RegistryConfig `yaml:"registry"`
	Executor ExecutorConfig `yaml:"executor"`
	Handlers HandlerConfig  `yaml:"handlers"`
	Notify   NotifyConfig   `yaml:"notify"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`

	// AppVersion is stamped onto pushed database objects and health output.
	AppVersion string `yaml:"app_version"`
}

// StoreConfig selects and parameterizes the object store backend and the key
// layout inside it.
type StoreConfig struct {
	Backend   string `yaml:"backend"` // "fs" or "http"
	Root      string `yaml:"root"`    // fs: directory holding the store
	BaseURL   string `yaml:"base_url"`
	TokenFile string `yaml:"token_file"`
	Token     string `yaml:"-"`

	ImportPrefix     string `yaml:"import_prefix"`
	ExportPrefix     string `yaml:"export_prefix"`
	QuarantinePrefix string `yaml:"quarantine_prefix"`
	DatabaseKey      string `yaml:"database_key"`
}

// RegistryConfig holds the daemon loop settings.
type RegistryConfig struct {
	DataDir         string        `yaml:"data_dir"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	WorkerBinary    string        `yaml:"worker_binary"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	CleanupAge      time.Duration `yaml:"cleanup_age"`
}

// ExecutorConfig holds the per-job executor settings.
type ExecutorConfig struct {
	DownloadPollInterval time.Duration `yaml:"download_poll_interval"`
	DownloadTimeout      time.Duration `yaml:"download_timeout"`
	MinProtocolVersion   string        `yaml:"min_protocol_version"`
}

// HandlerConfig names the external executables the validate, import and
// update commands dispatch to. An empty path leaves the command unserved.
type HandlerConfig struct {
	ValidateExec string `yaml:"validate_exec"`
	ImportExec   string `yaml:"import_exec"`
	UpdateExec   string `yaml:"update_exec"`
}

// NotifyConfig enables notification sinks. Empty URLs disable a sink.
type NotifyConfig struct {
	AMQPURL           string `yaml:"amqp_url"`
	AMQPExchange      string `yaml:"amqp_exchange"`
	WebhookURL        string `yaml:"webhook_url"`
	WebhookSecretFile string `yaml:"webhook_secret_file"`
	WebhookSecret     string `yaml:"-"`
	LogSink           bool   `yaml:"log_sink"` // emit notifications to the logger as well
}

// APIConfig holds the status API and ops listener settings.
type APIConfig struct {
	Port               string        `yaml:"port"`
	MetricsPort        string        `yaml:"metrics_port"`
	APIKeyFile         string        `yaml:"api_key_file"`
	APIKey             string        `yaml:"-"`
	ShutdownDrainWait  time.Duration `yaml:"shutdown_drain_wait"` // Time to wait for load balancer to drain (0 to skip)
	OpsEventURL        string        `yaml:"ops_event_url"`
	OpsEventSecretFile string        `yaml:"ops_event_secret_file"`
	OpsEventSecret     string        `yaml:"-"`
}

// LoggingConfig selects log verbosity and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // "json" or "console"
}

// SlogLevel maps the configured level name onto a slog level.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the built-in configuration.
func Default() *ServiceConfig {
	return &ServiceConfig{
		Store: StoreConfig{
			Backend:          "fs",
			Root:             "data/store",
			ImportPrefix:     "inbox",
			ExportPrefix:     "outbox",
			QuarantinePrefix: "quarantine",
			DatabaseKey:      "db/jobd.db",
		},
		Registry: RegistryConfig{
			DataDir:         "data",
			PollInterval:    5 * time.Second,
			WorkerBinary:    "jobd-worker",
			CleanupInterval: 15 * time.Minute,
			CleanupAge:      24 * time.Hour,
		},
		Executor: ExecutorConfig{
			DownloadPollInterval: 10 * time.Second,
			DownloadTimeout:      30 * time.Minute,
			MinProtocolVersion:   "0.4.0",
		},
		Notify: NotifyConfig{
			AMQPExchange: "jobd.notifications",
		},
		API: APIConfig{
			Port:              "8080",
			MetricsPort:       "9090",
			ShutdownDrainWait: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		AppVersion: "0.5.0",
	}
}

// Load builds the configuration: defaults, then the YAML file at path when
// path is non-empty, then environment variables, then secret files.
func Load(path string) (*ServiceConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.resolveSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServiceConfig loads configuration from environment variables alone.
func LoadServiceConfig() (*ServiceConfig, error) {
	return Load(GetEnv("CONFIG_FILE", ""))
}

func (c *ServiceConfig) applyEnv() {
	c.Store.Backend = GetEnv("STORE_BACKEND", c.Store.Backend)
	c.Store.Root = GetEnv("STORE_ROOT", c.Store.Root)
	c.Store.BaseURL = GetEnv("STORE_BASE_URL", c.Store.BaseURL)
	c.Store.TokenFile = GetEnv("STORE_TOKEN_FILE", c.Store.TokenFile)
	c.Store.ImportPrefix = GetEnv("IMPORT_PREFIX", c.Store.ImportPrefix)
	c.Store.ExportPrefix = GetEnv("EXPORT_PREFIX", c.Store.ExportPrefix)
	c.Store.QuarantinePrefix = GetEnv("QUARANTINE_PREFIX", c.Store.QuarantinePrefix)
	c.Store.DatabaseKey = GetEnv("DATABASE_KEY", c.Store.DatabaseKey)

	c.Registry.DataDir = GetEnv("DATA_DIR", c.Registry.DataDir)
	c.Registry.PollInterval = GetDurationEnv("POLL_INTERVAL", c.Registry.PollInterval)
	c.Registry.WorkerBinary = GetEnv("WORKER_BINARY", c.Registry.WorkerBinary)
	c.Registry.CleanupInterval = GetDurationEnv("CLEANUP_INTERVAL", c.Registry.CleanupInterval)
	c.Registry.CleanupAge = GetDurationEnv("CLEANUP_AGE", c.Registry.CleanupAge)

	c.Executor.DownloadPollInterval = GetDurationEnv("DOWNLOAD_POLL_INTERVAL", c.Executor.DownloadPollInterval)
	c.Executor.DownloadTimeout = GetDurationEnv("DOWNLOAD_TIMEOUT", c.Executor.DownloadTimeout)
	c.Executor.MinProtocolVersion = GetEnv("MIN_PROTOCOL_VERSION", c.Executor.MinProtocolVersion)

	c.Handlers.ValidateExec = GetEnv("VALIDATE_EXEC", c.Handlers.ValidateExec)
	c.Handlers.ImportExec = GetEnv("IMPORT_EXEC", c.Handlers.ImportExec)
	c.Handlers.UpdateExec = GetEnv("UPDATE_EXEC", c.Handlers.UpdateExec)

	c.Notify.AMQPURL = GetEnv("AMQP_URL", c.Notify.AMQPURL)
	c.Notify.AMQPExchange = GetEnv("AMQP_EXCHANGE", c.Notify.AMQPExchange)
	c.Notify.WebhookURL = GetEnv("WEBHOOK_URL", c.Notify.WebhookURL)
	c.Notify.WebhookSecretFile = GetEnv("WEBHOOK_SECRET_FILE", c.Notify.WebhookSecretFile)
	c.Notify.LogSink = GetBoolEnv("NOTIFY_LOG_SINK", c.Notify.LogSink)

	c.API.Port = GetEnv("PORT", c.API.Port)
	c.API.MetricsPort = GetEnv("METRICS_PORT", c.API.MetricsPort)
	c.API.APIKeyFile = GetEnv("API_KEY_FILE", c.API.APIKeyFile)
	c.API.ShutdownDrainWait = GetDurationEnv("SHUTDOWN_DRAIN_WAIT", c.API.ShutdownDrainWait)
	c.API.OpsEventURL = GetEnv("OPS_EVENT_URL", c.API.OpsEventURL)
	c.API.OpsEventSecretFile = GetEnv("OPS_EVENT_SECRET_FILE", c.API.OpsEventSecretFile)

	c.Logging.Level = GetEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = GetEnv("LOG_FORMAT", c.Logging.Format)

	c.AppVersion = GetEnv("APP_VERSION", c.AppVersion)
}

func (c *ServiceConfig) resolveSecrets() {
	c.Store.Token = GetSecretFile(c.Store.TokenFile)
	c.Notify.WebhookSecret = GetSecretFile(c.Notify.WebhookSecretFile)
	c.API.APIKey = GetSecretFile(c.API.APIKeyFile)
	c.API.OpsEventSecret = GetSecretFile(c.API.OpsEventSecretFile)
}

// Validate checks if the configuration is usable.
func (c *ServiceConfig) Validate() error {
	switch c.Store.Backend {
	case "fs":
		if c.Store.Root == "" {
			return fmt.Errorf("store root is required for the fs backend")
		}
	case "http":
		if c.Store.BaseURL == "" {
			return fmt.Errorf("store base_url is required for the http backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q (want \"fs\" or \"http\")", c.Store.Backend)
	}

	if c.Store.ImportPrefix == "" || c.Store.ExportPrefix == "" {
		return fmt.Errorf("import and export prefixes are required")
	}
	if c.Store.DatabaseKey == "" {
		return fmt.Errorf("database key is required")
	}
	if c.Registry.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if c.Registry.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.Registry.PollInterval)
	}
	if c.Executor.DownloadPollInterval <= 0 {
		return fmt.Errorf("download poll interval must be positive, got %v", c.Executor.DownloadPollInterval)
	}
	if c.Executor.DownloadTimeout <= 0 {
		return fmt.Errorf("download timeout must be positive, got %v", c.Executor.DownloadTimeout)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q (want \"json\" or \"console\")", c.Logging.Format)
	}

	return nil
}

// DatabasePath returns the local path of the metastore database file.
func (c *ServiceConfig) DatabasePath() string {
	return filepath.Join(c.Registry.DataDir, "jobd.db")
}

// JobsDir returns the directory holding per-job workspaces.
func (c *ServiceConfig) JobsDir() string {
	return filepath.Join(c.Registry.DataDir, "jobs")
}
