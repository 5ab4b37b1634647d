// Package config handles loading and validating cubelink configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for cubelink.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.cubelink/data. Override: CUBELINK_DATA_DIR env var.
	DemoDir       string               `json:"demo_dir,omitempty" yaml:"demo_dir,omitempty"` // Directory of <name>.py / <name>.cpp demos.
	Encoding      string               `json:"encoding,omitempty" yaml:"encoding,omitempty"` // "streaming" (default) or "firmware".
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Transport     TransportConfig      `json:"transport" yaml:"transport"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under the data dir
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = no scheduled demos
	Notifications *NotificationConfig  `json:"notifications,omitempty" yaml:"notifications,omitempty"` // nil = no run alerts
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env:// references only
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level   string `json:"level" yaml:"level"`                   // debug, info (default), warn, error
	Format  string `json:"format" yaml:"format"`                 // text (default) or json
	File    string `json:"file,omitempty" yaml:"file,omitempty"` // Optional JSON log file.
	Journal string `json:"journal" yaml:"journal"`               // auto (default), on, off
}

// JournalMode returns the journal mode with a default of "auto".
func (l LoggingConfig) JournalMode() string {
	if l.Journal != "" {
		return l.Journal
	}
	return "auto"
}

// SandboxConfig configures caller code execution.
type SandboxConfig struct {
	Type                 string              `json:"type" yaml:"type"`                                       // "process" (default) or "docker"
	PythonDeadlineMillis int                 `json:"python_deadline_ms" yaml:"python_deadline_ms"`           // Default: 500
	CPPDeadlineMillis    int                 `json:"cpp_deadline_ms" yaml:"cpp_deadline_ms"`                 // Default: 1000
	CompileTimeoutSecs   int                 `json:"compile_timeout_seconds" yaml:"compile_timeout_seconds"` // Default: 60
	MaxInstructions      int                 `json:"max_instructions" yaml:"max_instructions"`               // Default: 10000
	MaxCPUSeconds        int                 `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`                 // ulimit -t. 0 = sandbox default.
	MaxMemoryMB          int                 `json:"max_memory_mb" yaml:"max_memory_mb"`                     // ulimit -v. 0 = unlimited.
	Compiler             string              `json:"compiler,omitempty" yaml:"compiler,omitempty"`           // Default: g++
	Docker               DockerSandboxConfig `json:"docker" yaml:"docker"`
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Image          string  `json:"image" yaml:"image"`           // Image carrying the cubelink binary.
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`   // Docker --cpus flag. 0 = 1.0 default.
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit"` // Docker --pids-limit flag. 0 = 32 default.
	MemoryMB       int     `json:"memory_mb" yaml:"memory_mb"`   // Docker --memory flag. 0 = 128 default.
	StartupMillis  int     `json:"startup_ms" yaml:"startup_ms"` // Added to the deadline for container start. Default: 5000
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed"`
}

// PythonDeadline returns the Python-dialect deadline with a default of 500ms.
func (s *SandboxConfig) PythonDeadline() time.Duration {
	if s != nil && s.PythonDeadlineMillis > 0 {
		return time.Duration(s.PythonDeadlineMillis) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// CPPDeadline returns the native program deadline with a default of 1s.
func (s *SandboxConfig) CPPDeadline() time.Duration {
	if s != nil && s.CPPDeadlineMillis > 0 {
		return time.Duration(s.CPPDeadlineMillis) * time.Millisecond
	}
	return time.Second
}

// CompileTimeout returns the compiler timeout with a default of 60s.
func (s *SandboxConfig) CompileTimeout() time.Duration {
	if s != nil && s.CompileTimeoutSecs > 0 {
		return time.Duration(s.CompileTimeoutSecs) * time.Second
	}
	return time.Minute
}

// DockerStartup returns the container start-up allowance with a default of 5s.
func (s *SandboxConfig) DockerStartup() time.Duration {
	if s != nil && s.Docker.StartupMillis > 0 {
		return time.Duration(s.Docker.StartupMillis) * time.Millisecond
	}
	return 5 * time.Second
}

// InstructionCap returns the instruction cap with a default of 10000.
func (s *SandboxConfig) InstructionCap() int {
	if s != nil && s.MaxInstructions > 0 {
		return s.MaxInstructions
	}
	return 10000
}

// TransportConfig configures serial delivery.
type TransportConfig struct {
	DefaultPort         string `json:"default_port,omitempty" yaml:"default_port,omitempty"`     // Used when a request names no port. Override: CUBELINK_PORT env var.
	BaudRate            int    `json:"baud_rate" yaml:"baud_rate"`                               // Default: 250000
	SettleMillis        int    `json:"settle_ms" yaml:"settle_ms"`                               // Wait after opening a physical port. Default: 2000
	ReadyLine           string `json:"ready_line,omitempty" yaml:"ready_line,omitempty"`         // Awaited instead of the settle wait when set.
	SessionDeadlineSecs int    `json:"session_deadline_seconds" yaml:"session_deadline_seconds"` // Default: 30
	GraceMillis         int    `json:"grace_ms" yaml:"grace_ms"`                                 // Default: 2000
	RecoverySecs        int    `json:"recovery_timeout_seconds" yaml:"recovery_timeout_seconds"` // Default: 10
	LockWaitSecs        int    `json:"lock_wait_seconds" yaml:"lock_wait_seconds"`               // How long a delivery queues for a busy port. Default: 60
}

// Baud returns the baud rate with a default of 250000.
func (t *TransportConfig) Baud() int {
	if t != nil && t.BaudRate > 0 {
		return t.BaudRate
	}
	return 250000
}

// SettleDelay returns the post-open settle delay with a default of 2s.
func (t *TransportConfig) SettleDelay() time.Duration {
	if t != nil && t.SettleMillis > 0 {
		return time.Duration(t.SettleMillis) * time.Millisecond
	}
	return 2 * time.Second
}

// SessionDeadline returns the per-delivery budget with a default of 30s.
func (t *TransportConfig) SessionDeadline() time.Duration {
	if t != nil && t.SessionDeadlineSecs > 0 {
		return time.Duration(t.SessionDeadlineSecs) * time.Second
	}
	return 30 * time.Second
}

// Grace returns the wind-down grace with a default of 2s.
func (t *TransportConfig) Grace() time.Duration {
	if t != nil && t.GraceMillis > 0 {
		return time.Duration(t.GraceMillis) * time.Millisecond
	}
	return 2 * time.Second
}

// RecoveryTimeout returns the recovery session bound with a default of 10s.
func (t *TransportConfig) RecoveryTimeout() time.Duration {
	if t != nil && t.RecoverySecs > 0 {
		return time.Duration(t.RecoverySecs) * time.Second
	}
	return 10 * time.Second
}

// LockWait returns the port queueing bound with a default of 60s.
func (t *TransportConfig) LockWait() time.Duration {
	if t != nil && t.LockWaitSecs > 0 {
		return time.Duration(t.LockWaitSecs) * time.Second
	}
	return time.Minute
}

// StorageConfig configures the run log backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/cubelink.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: CUBELINK_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → user ID. Extended by CUBELINK_API_KEYS.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (g *GatewayConfig) Addr() string {
	if g != nil && g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-user rate limiting of run submissions.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "cubelink"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig selects the dependencies checked by the readiness probe.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
	IncludePort    bool `json:"include_port" yaml:"include_port"` // Check that the default port is present.
}

// AnomalyConfig configures failure-rate detection per device port and dialect.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // 0.0–1.0. Zero disables alerts.
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300
	MinSamples         int     `json:"min_samples" yaml:"min_samples"`                   // Default: 5
}

// SchedulerConfig configures scheduled demo playback.
type SchedulerConfig struct {
	Enabled           bool             `json:"enabled" yaml:"enabled"`
	MaxConcurrentJobs int              `json:"max_concurrent_jobs" yaml:"max_concurrent_jobs"` // Default: 1.
	Schedules         []ScheduleConfig `json:"schedules" yaml:"schedules"`
}

// MaxConcurrent returns the max concurrent jobs with a default of 1.
func (s *SchedulerConfig) MaxConcurrent() int {
	if s != nil && s.MaxConcurrentJobs > 0 {
		return s.MaxConcurrentJobs
	}
	return 1
}

// ScheduleConfig plays one demo on a cron schedule.
type ScheduleConfig struct {
	Name    string `json:"name" yaml:"name"`
	Spec    string `json:"spec" yaml:"spec"` // Standard 5-field cron expression.
	Port    string `json:"port,omitempty" yaml:"port,omitempty"`
	Dialect string `json:"dialect,omitempty" yaml:"dialect,omitempty"` // Default: python
	Demo    string `json:"demo" yaml:"demo"`
}

// SecretsConfig configures where "vault://" references in channel settings
// and the postgres DSN are resolved from.
type SecretsConfig struct {
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"`
}

// VaultConfig points at a HashiCorp Vault KV v2 server.
// VAULT_ADDR, VAULT_TOKEN and VAULT_NAMESPACE override these fields.
type VaultConfig struct {
	Address        string `json:"address,omitempty" yaml:"address,omitempty"`
	Token          string `json:"token,omitempty" yaml:"token,omitempty"`
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	TLSSkipVerify  bool   `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"`
}

// NotificationConfig configures alerts about finished runs.
type NotificationConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// NotifyOn selects the run outcomes that alert: "failed" (delivery
	// failed), "code_error", "timed_out" and "uncleared" (recovery could not
	// clear the display). Default: failed, uncleared.
	NotifyOn []string                    `json:"notify_on,omitempty" yaml:"notify_on,omitempty"`
	Channels []NotificationChannelConfig `json:"channels" yaml:"channels"`
	// WatchIntervalSeconds re-runs the readiness checks on this interval and
	// alerts when one starts or stops failing. 0 disables the watchdog.
	WatchIntervalSeconds int `json:"watch_interval_seconds" yaml:"watch_interval_seconds"`
}

// WatchInterval returns the watchdog interval; zero means disabled.
func (n *NotificationConfig) WatchInterval() time.Duration {
	if n == nil || n.WatchIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(n.WatchIntervalSeconds) * time.Second
}

// Events returns the selected outcomes with the default applied.
func (n *NotificationConfig) Events() []string {
	if n == nil || len(n.NotifyOn) == 0 {
		return []string{"failed", "uncleared"}
	}
	return n.NotifyOn
}

// NotificationChannelConfig is one alert destination.
type NotificationChannelConfig struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"` // webhook, slack or telegram
	// Settings are per type: webhook url; slack channel_id and bot_token
	// (or CUBELINK_SLACK_BOT_TOKEN); telegram chat_id and bot_token (or
	// CUBELINK_TELEGRAM_BOT_TOKEN). Any value may be an env:// or vault://
	// reference.
	Settings map[string]string `json:"settings" yaml:"settings"`
}

// DefaultConfigPath returns the default config file path (~/.cubelink/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/cubelink.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".cubelink", "config.yaml")
}

// Default returns a configuration usable without a file: process sandbox,
// SQLite run log under the data dir, gateway on :8080.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.resolveDataDir()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// A missing file at the default path yields Default(). Environment variables
// take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultConfigPath() {
			cfg := Default()
			if err := cfg.validate(); err != nil {
				return nil, fmt.Errorf("invalid config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.resolveDataDir()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("CUBELINK_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CUBELINK_DEMO_DIR"); v != "" {
		c.DemoDir = v
	}
	if v := os.Getenv("CUBELINK_PORT"); v != "" {
		c.Transport.DefaultPort = v
	}
	if v := os.Getenv("CUBELINK_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Driver == "" {
			c.Storage.Driver = "postgres"
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if c.Notifications != nil {
		tokens := map[string]string{
			"slack":    os.Getenv("CUBELINK_SLACK_BOT_TOKEN"),
			"telegram": os.Getenv("CUBELINK_TELEGRAM_BOT_TOKEN"),
		}
		for i := range c.Notifications.Channels {
			ch := &c.Notifications.Channels[i]
			tok := tokens[ch.Type]
			if tok == "" || ch.Settings["bot_token"] != "" {
				continue
			}
			if ch.Settings == nil {
				ch.Settings = make(map[string]string)
			}
			ch.Settings["bot_token"] = tok
		}
	}
	// CUBELINK_API_KEYS holds comma-separated key:user pairs.
	if v := os.Getenv("CUBELINK_API_KEYS"); v != "" {
		if c.Gateway.APIKeyUserMapping == nil {
			c.Gateway.APIKeyUserMapping = make(map[string]string)
		}
		for _, entry := range strings.Split(v, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 && parts[0] != "" {
				c.Gateway.APIKeyUserMapping[parts[0]] = parts[1]
			}
		}
	}
}

func (c *Config) resolveDataDir() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".cubelink", "data")
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".cubelink", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "cubelink.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Encoding) {
	case "", "streaming", "firmware":
	default:
		return fmt.Errorf("encoding %q is not supported (use streaming or firmware)", c.Encoding)
	}
	switch c.Sandbox.Type {
	case "", "process", "docker":
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use process or docker)", c.Sandbox.Type)
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxCPUSeconds < 0 {
		return fmt.Errorf("sandbox.max_cpu_seconds must not be negative")
	}
	if c.Sandbox.PythonDeadlineMillis < 0 || c.Sandbox.CPPDeadlineMillis < 0 {
		return fmt.Errorf("sandbox deadlines must not be negative")
	}
	if c.Transport.BaudRate < 0 {
		return fmt.Errorf("transport.baud_rate must not be negative")
	}
	if c.Transport.SessionDeadlineSecs < 0 {
		return fmt.Errorf("transport.session_deadline_seconds must not be negative")
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Gateway.RateLimit.RequestsPerMinute < 0 || c.Gateway.RateLimit.BurstSize < 0 {
		return fmt.Errorf("gateway.rate_limit values must not be negative")
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
	}
	if c.Observability != nil && c.Observability.Anomaly != nil {
		if th := c.Observability.Anomaly.ErrorRateThreshold; th < 0 || th > 1 {
			return fmt.Errorf("observability.anomaly.error_rate_threshold must be between 0 and 1")
		}
	}
	if c.Scheduler != nil && c.Scheduler.Enabled {
		names := make(map[string]bool, len(c.Scheduler.Schedules))
		for i, s := range c.Scheduler.Schedules {
			if s.Name == "" {
				return fmt.Errorf("scheduler.schedules[%d].name is required", i)
			}
			if names[s.Name] {
				return fmt.Errorf("scheduler.schedules[%d].name %q is duplicated", i, s.Name)
			}
			names[s.Name] = true
			if s.Spec == "" || s.Demo == "" {
				return fmt.Errorf("scheduler.schedules.%s: spec and demo are required", s.Name)
			}
			if s.Port == "" && c.Transport.DefaultPort == "" {
				return fmt.Errorf("scheduler.schedules.%s: port is required (no transport.default_port)", s.Name)
			}
		}
		if c.DemoDir == "" {
			return fmt.Errorf("scheduler requires demo_dir")
		}
	}
	if c.Notifications != nil && c.Notifications.Enabled {
		for _, ev := range c.Notifications.NotifyOn {
			switch ev {
			case "failed", "code_error", "timed_out", "uncleared":
			default:
				return fmt.Errorf("notifications.notify_on: unknown outcome %q", ev)
			}
		}
		for i, ch := range c.Notifications.Channels {
			if ch.Name == "" {
				return fmt.Errorf("notifications.channels[%d].name is required", i)
			}
			switch ch.Type {
			case "webhook":
				if ch.Settings["url"] == "" {
					return fmt.Errorf("notifications.channels.%s: url is required", ch.Name)
				}
			case "slack":
				if ch.Settings["channel_id"] == "" {
					return fmt.Errorf("notifications.channels.%s: channel_id is required", ch.Name)
				}
			case "telegram":
				if ch.Settings["chat_id"] == "" {
					return fmt.Errorf("notifications.channels.%s: chat_id is required", ch.Name)
				}
			default:
				return fmt.Errorf("notifications.channels.%s: type %q is not supported (use webhook, slack or telegram)", ch.Name, ch.Type)
			}
		}
	}
	return nil
}
