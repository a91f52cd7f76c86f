// Package config handles loading and validating termbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for termbox.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Project files root. Default: ~/.termbox/workspace. Override: TERMBOX_WORKSPACE env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.termbox/data. Override: TERMBOX_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`     // nil = SQLite default (derived from data dir)
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Session       SessionConfig        `json:"session" yaml:"session"`
	Auth          AuthConfig           `json:"auth" yaml:"auth"`
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig configures the persistence backend.
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: TERMBOX_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SandboxConfig selects and tunes the sandbox backend.
type SandboxConfig struct {
	Type                string              `json:"type" yaml:"type"`                                   // "docker" (default) or "process". Override: TERMBOX_SANDBOX_TYPE.
	Memory              string              `json:"memory" yaml:"memory"`                               // Memory limit, e.g. "512m".
	MaxCPUSeconds       int                 `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`             // Process backend CPU time limit.
	MaxExecutionSeconds int                 `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Per-command wall-clock limit. Default: 60.
	NetworkAllowed      bool                `json:"network_allowed" yaml:"network_allowed"`
	Docker              DockerSandboxConfig `json:"docker" yaml:"docker"`
}

// SandboxType returns the backend type with a default of "docker".
func (s SandboxConfig) SandboxType() string {
	if s.Type != "" {
		return s.Type
	}
	return "docker"
}

// ExecutionTimeout returns the per-command timeout with a default of 60s.
func (s SandboxConfig) ExecutionTimeout() time.Duration {
	if s.MaxExecutionSeconds > 0 {
		return time.Duration(s.MaxExecutionSeconds) * time.Second
	}
	return 60 * time.Second
}

// MemoryMB returns the memory limit in MiB, 0 when unset or invalid.
func (s SandboxConfig) MemoryMB() int {
	if s.Memory == "" {
		return 0
	}
	n, err := units.RAMInBytes(s.Memory)
	if err != nil {
		return 0
	}
	return int(n / (1024 * 1024))
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Image         string  `json:"image" yaml:"image"`                           // Default: "python:3.12-slim". Override: TERMBOX_DOCKER_IMAGE.
	Host          string  `json:"host" yaml:"host"`                             // Daemon address. Empty = DOCKER_HOST or default socket.
	CPUCores      float64 `json:"cpu_cores" yaml:"cpu_cores"`                   // 0 = 1.0 default.
	PIDsLimit     int64   `json:"pids_limit" yaml:"pids_limit"`                 // 0 = 256 default.
	MountPoint    string  `json:"mount_point" yaml:"mount_point"`               // Default: "/workspace".
	Shell         string  `json:"shell" yaml:"shell"`                           // Default: "/bin/bash".
	PullMissing   *bool   `json:"pull_missing" yaml:"pull_missing"`             // Default: true.
	RemoveOrphans bool    `json:"remove_orphans" yaml:"remove_orphans"`         // Remove leftover session containers at startup.
	StopGraceSecs *int    `json:"stop_grace_seconds" yaml:"stop_grace_seconds"` // SIGTERM grace before SIGKILL. Default: 2.
}

// StopGrace returns how long the daemon waits after SIGTERM before killing a
// session container. Default: 2s. Zero kills immediately.
func (d DockerSandboxConfig) StopGrace() time.Duration {
	if d.StopGraceSecs == nil {
		return 2 * time.Second
	}
	return time.Duration(*d.StopGraceSecs) * time.Second
}

// DockerMountPoint returns the container mount point with a default of "/workspace".
func (d DockerSandboxConfig) DockerMountPoint() string {
	if d.MountPoint != "" {
		return d.MountPoint
	}
	return "/workspace"
}

// ShouldPullMissing reports whether missing images are pulled. Default: true.
func (d DockerSandboxConfig) ShouldPullMissing() bool {
	return d.PullMissing == nil || *d.PullMissing
}

// SessionConfig configures session lifecycle timing.
type SessionConfig struct {
	IdleTimeoutSeconds      int   `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`           // Default: 1800.
	ReapIntervalSeconds     int   `json:"reap_interval_seconds" yaml:"reap_interval_seconds"`         // Default: 300.
	ProvisionTimeoutSeconds int   `json:"provision_timeout_seconds" yaml:"provision_timeout_seconds"` // Default: 120.
	StopTimeoutSeconds      int   `json:"stop_timeout_seconds" yaml:"stop_timeout_seconds"`           // Default: 15.
	SyntaxCheck             *bool `json:"syntax_check" yaml:"syntax_check"`                           // Reject unparsable command lines. Default: true.
}

// IdleTimeout returns the idle timeout with a default of 1800s.
func (s SessionConfig) IdleTimeout() time.Duration {
	if s.IdleTimeoutSeconds > 0 {
		return time.Duration(s.IdleTimeoutSeconds) * time.Second
	}
	return 1800 * time.Second
}

// ReapScanInterval returns the reaper interval with a default of 300s.
func (s SessionConfig) ReapScanInterval() time.Duration {
	if s.ReapIntervalSeconds > 0 {
		return time.Duration(s.ReapIntervalSeconds) * time.Second
	}
	return 300 * time.Second
}

// ProvisionTimeout returns the sandbox start timeout with a default of 120s.
func (s SessionConfig) ProvisionTimeout() time.Duration {
	if s.ProvisionTimeoutSeconds > 0 {
		return time.Duration(s.ProvisionTimeoutSeconds) * time.Second
	}
	return 120 * time.Second
}

// StopTimeout returns the sandbox stop timeout with a default of 15s.
func (s SessionConfig) StopTimeout() time.Duration {
	if s.StopTimeoutSeconds > 0 {
		return time.Duration(s.StopTimeoutSeconds) * time.Second
	}
	return 15 * time.Second
}

// SyntaxCheckEnabled reports whether command lines are parsed before running.
func (s SessionConfig) SyntaxCheckEnabled() bool {
	return s.SyntaxCheck == nil || *s.SyntaxCheck
}

// AuthConfig configures account tokens.
type AuthConfig struct {
	JWTSecret       string `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"` // Override: TERMBOX_JWT_SECRET. Empty = random per process.
	TokenTTLMinutes int    `json:"token_ttl_minutes" yaml:"token_ttl_minutes"`       // Default: 30.
	Issuer          string `json:"issuer" yaml:"issuer"`                             // Default: "termbox".
}

// TokenTTL returns the access token lifetime with a default of 30 minutes.
func (a AuthConfig) TokenTTL() time.Duration {
	if a.TokenTTLMinutes > 0 {
		return time.Duration(a.TokenTTLMinutes) * time.Minute
	}
	return 30 * time.Minute
}

// TokenIssuer returns the token issuer with a default of "termbox".
func (a AuthConfig) TokenIssuer() string {
	if a.Issuer != "" {
		return a.Issuer
	}
	return "termbox"
}

// GatewaysConfig defines which gateways are enabled and their settings.
// If the entire section is absent, both gateways are enabled with defaults.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"` // Terminal WebSocket endpoint.
}

// WebSocketGatewayConfig configures the terminal WebSocket endpoint.
type WebSocketGatewayConfig struct {
	Enabled                  bool     `json:"enabled" yaml:"enabled"`
	ListenAddr               string   `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`           // Standalone listen address (when HTTP gateway is disabled). Default: ":8081".
	Path                     string   `json:"path" yaml:"path"`                                             // URL prefix. Default: "/ws".
	HeartbeatIntervalSeconds int      `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"` // Default: 30.
	AllowAnonymous           bool     `json:"allow_anonymous" yaml:"allow_anonymous"`                       // Skip token and project checks.
	AllowedOrigins           []string `json:"allowed_origins" yaml:"allowed_origins"`                       // Origin patterns. Empty = same origin only.
	MaxMessageBytes          int64    `json:"max_message_bytes" yaml:"max_message_bytes"`                   // Default: 64 KiB.
}

// WSPath returns the WebSocket path prefix with a default of "/ws".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && strings.Trim(w.Path, "/") != "" {
		return "/" + strings.Trim(w.Path, "/")
	}
	return "/ws"
}

// WSHeartbeatInterval returns the heartbeat interval with a default of 30s.
func (w *WebSocketGatewayConfig) WSHeartbeatInterval() time.Duration {
	if w != nil && w.HeartbeatIntervalSeconds > 0 {
		return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// WSListenAddr returns the standalone listen address with a default of ":8081".
func (w *WebSocketGatewayConfig) WSListenAddr() string {
	if w != nil && w.ListenAddr != "" {
		return w.ListenAddr
	}
	return ":8081"
}

// WSMaxMessageBytes returns the inbound message limit with a default of 64 KiB.
func (w *WebSocketGatewayConfig) WSMaxMessageBytes() int64 {
	if w != nil && w.MaxMessageBytes > 0 {
		return w.MaxMessageBytes
	}
	return 64 << 10
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → user ID. Override: TERMBOX_API_KEYS.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// HTTPListenAddr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) HTTPListenAddr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-user rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
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
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "termbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based anomaly detection on sandbox errors.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.termbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/termbox.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".termbox", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path yields the defaults. Environment variables take precedence
// over file values.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}

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
	}

	// Both gateways are on when the section is absent.
	if cfg.Gateways.HTTP == nil && cfg.Gateways.WebSocket == nil {
		cfg.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		cfg.Gateways.WebSocket = &WebSocketGatewayConfig{Enabled: true}
	}

	cfg.applyEnv()

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".termbox", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("TERMBOX_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("TERMBOX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TERMBOX_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("TERMBOX_SANDBOX_TYPE"); v != "" {
		c.Sandbox.Type = v
	}
	if v := os.Getenv("TERMBOX_DOCKER_IMAGE"); v != "" {
		c.Sandbox.Docker.Image = v
	}
	if v := os.Getenv("TERMBOX_IDLE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.IdleTimeoutSeconds = n
		}
	}
	if v := os.Getenv("TERMBOX_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("TERMBOX_API_KEYS"); v != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		if c.Gateways.HTTP.APIKeyUserMapping == nil {
			c.Gateways.HTTP.APIKeyUserMapping = make(map[string]string)
		}
		for _, pair := range strings.Split(v, ",") {
			key, user, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if ok && key != "" && user != "" {
				c.Gateways.HTTP.APIKeyUserMapping[key] = user
			}
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
		return filepath.Join(home, ".termbox", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "termbox.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	switch c.Sandbox.SandboxType() {
	case "docker", "process":
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use docker or process)", c.Sandbox.Type)
	}
	if c.Sandbox.Memory != "" {
		if _, err := units.RAMInBytes(c.Sandbox.Memory); err != nil {
			return fmt.Errorf("sandbox.memory %q: %w", c.Sandbox.Memory, err)
		}
	}
	if c.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("sandbox.max_execution_seconds must not be negative")
	}
	if c.Sandbox.MaxCPUSeconds < 0 {
		return fmt.Errorf("sandbox.max_cpu_seconds must not be negative")
	}
	if c.Sandbox.Docker.CPUCores < 0 {
		return fmt.Errorf("sandbox.docker.cpu_cores must not be negative")
	}
	if g := c.Sandbox.Docker.StopGraceSecs; g != nil {
		if *g < 0 {
			return fmt.Errorf("sandbox.docker.stop_grace_seconds must not be negative")
		}
		if time.Duration(*g)*time.Second >= c.Session.StopTimeout() {
			return fmt.Errorf("sandbox.docker.stop_grace_seconds (%d) must be shorter than session.stop_timeout_seconds (%s)", *g, c.Session.StopTimeout())
		}
	}
	if c.Session.IdleTimeoutSeconds < 0 || c.Session.ReapIntervalSeconds < 0 ||
		c.Session.ProvisionTimeoutSeconds < 0 || c.Session.StopTimeoutSeconds < 0 {
		return fmt.Errorf("session timeouts must not be negative")
	}
	if c.Auth.TokenTTLMinutes < 0 {
		return fmt.Errorf("auth.token_ttl_minutes must not be negative")
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set TERMBOX_DB_DSN)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
	}
	return nil
}
