// Package config handles loading and validation of reqshield configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// REQSHIELD_ prefix:
//
//	server.address → REQSHIELD_SERVER_ADDRESS
//	protection.rate_limit_requests → REQSHIELD_PROTECTION_RATE_LIMIT_REQUESTS
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via REQSHIELD_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/reqshield/config.yaml"

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// ClientIdentityType defines how the client identity used for per-client
// scoping is derived from a request.
type ClientIdentityType string

const (
	ClientIdentityClientIP ClientIdentityType = "clientip"
	ClientIdentityHeader   ClientIdentityType = "header"
)

func (k ClientIdentityType) Valid() bool {
	switch k {
	case ClientIdentityClientIP, ClientIdentityHeader:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// Config is the top-level reqshield configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"     envPrefix:"SERVER_"`
	Admin      AdminConfig      `yaml:"admin"      envPrefix:"ADMIN_"`
	Backend    BackendConfig    `yaml:"backend"    envPrefix:"BACKEND_"`
	Protection ProtectionConfig `yaml:"protection" envPrefix:"PROTECTION_"`
	Classifier ClassifierConfig `yaml:"classifier" envPrefix:"CLASSIFIER_"`
	Engine     EngineConfig     `yaml:"engine"     envPrefix:"ENGINE_"`
	Events     EventsConfig     `yaml:"events"     envPrefix:"EVENTS_"`
	Redis      RedisConfig      `yaml:"redis"      envPrefix:"REDIS_"`
	Logging    LoggingConfig    `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing    TracingConfig    `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the guarded (proxy) server settings.
type ServerConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

// AdminConfig holds the admin server settings. The admin server carries the
// operator control surface, health probes and metrics.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`

	// ControlToken, when set, must be presented as a bearer token on every
	// /control/* request.
	ControlToken RedactedString `yaml:"control_token" env:"CONTROL_TOKEN"`
}

// BackendConfig defines the upstream backend guarded requests are proxied to.
type BackendConfig struct {
	URL                string `yaml:"url"                      env:"URL"`
	Timeout            string `yaml:"timeout"                  env:"TIMEOUT"`
	MaxIdleConns       int    `yaml:"max_idle_conns"           env:"MAX_IDLE_CONNS"`
	IdleConnTimeout    string `yaml:"idle_conn_timeout"        env:"IDLE_CONN_TIMEOUT"`
	DialTimeout        string `yaml:"dial_timeout"             env:"DIAL_TIMEOUT"`
	TLSInsecureVerify  bool   `yaml:"tls_insecure_skip_verify" env:"TLS_INSECURE_SKIP_VERIFY"`
	MaxRequestBodySize int64  `yaml:"max_request_body_size"    env:"MAX_REQUEST_BODY_SIZE"` // bytes; 0=unlimited
}

// ClassifierConfig controls how requests are mapped to scope keys and
// pattern signatures.
type ClassifierConfig struct {
	Identity       ClientIdentityType `yaml:"identity"        env:"IDENTITY"`
	HeaderName     string             `yaml:"header_name"     env:"HEADER_NAME"`
	TrustedProxies []string           `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`

	// MaxBodyBytes caps how much of a request body is hashed into the
	// pattern signature when protection.pattern_include_body is on.
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`

	// MaxPathLength marks longer paths as malformed; they share the
	// "unknown" scope.
	MaxPathLength int `yaml:"max_path_length" env:"MAX_PATH_LENGTH"`
}

// EngineConfig holds the engine's housekeeping settings. These are not part
// of the runtime-configurable protection snapshot.
type EngineConfig struct {
	// SweepInterval is how often idle windows and expired pattern entries
	// are purged in the background.
	SweepInterval string `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`

	// BackstopRPS caps per-scope throughput while a detector is faulting open.
	// 0 disables the backstop.
	BackstopRPS float64 `yaml:"backstop_rps" env:"BACKSTOP_RPS"`

	// MaxOffenders bounds the recent-offender list reported by status.
	MaxOffenders int `yaml:"max_offenders" env:"MAX_OFFENDERS"`

	// FaultLogInterval limits how often detector faults are logged.
	FaultLogInterval string `yaml:"fault_log_interval" env:"FAULT_LOG_INTERVAL"`
}

// EventsConfig holds optional decision event emission settings. Block
// decisions and breaker transitions are shipped in batches to an HTTP
// webhook and/or a Redis stream.
type EventsConfig struct {
	Enabled       bool              `yaml:"enabled"        env:"ENABLED"`
	HTTP          EventsHTTPConfig  `yaml:"http"           envPrefix:"HTTP_"`
	Redis         EventsRedisConfig `yaml:"redis"          envPrefix:"REDIS_"`
	BatchSize     int               `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string            `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int               `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// EventsHTTPConfig holds HTTP event receiver settings.
type EventsHTTPConfig struct {
	URL string `yaml:"url" env:"URL"`
}

// EventsRedisConfig selects the Redis stream events are appended to. The
// connection itself comes from the top-level redis section.
type EventsRedisConfig struct {
	Enabled bool   `yaml:"enabled"    env:"ENABLED"`
	Stream  string `yaml:"stream"     env:"STREAM"`
	MaxLen  int64  `yaml:"max_len"    env:"MAX_LEN"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Backend: BackendConfig{
			Timeout:            "30s",
			MaxIdleConns:       100,
			IdleConnTimeout:    "90s",
			DialTimeout:        "30s",
			MaxRequestBodySize: 10 << 20, // 10 MiB
		},
		Protection: DefaultProtection(),
		Classifier: ClassifierConfig{
			Identity:      ClientIdentityClientIP,
			MaxBodyBytes:  64 << 10,
			MaxPathLength: 2048,
		},
		Engine: EngineConfig{
			SweepInterval:    "30s",
			MaxOffenders:     100,
			FaultLogInterval: "10s",
		},
		Events: EventsConfig{
			BatchSize:     100,
			FlushInterval: "5s",
			BufferSize:    10000,
			Redis: EventsRedisConfig{
				Stream: "reqshield:events",
				MaxLen: 100000,
			},
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "reqshield",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the config file path from REQSHIELD_CONFIG_FILE or
// the default.
func ConfigFilePath() string {
	configFile := os.Getenv("REQSHIELD_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from the default file path with env overrides.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from configFile (if it exists), applies
// environment overrides, normalizes enum values and validates the result.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "REQSHIELD_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that "ClientIP" or "JSON" match the
// canonical constants.
func (cfg *Config) normalize() {
	cfg.Classifier.Identity = ClientIdentityType(strings.ToLower(string(cfg.Classifier.Identity)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateBackend(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := cfg.Protection.Validate(); err != nil {
		return err
	}
	if err := validateClassifier(cfg); err != nil {
		return err
	}
	if err := validateEngine(cfg); err != nil {
		return err
	}
	if err := validateEvents(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateBackend(cfg *Config) error {
	if cfg.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}

	normalized, err := normalizeURL(cfg.Backend.URL)
	if err != nil {
		return fmt.Errorf("invalid backend.url %q: %w", cfg.Backend.URL, err)
	}
	cfg.Backend.URL = normalized

	if cfg.Backend.MaxRequestBodySize < 0 {
		return fmt.Errorf("backend.max_request_body_size must be >= 0")
	}
	return nil
}

// normalizeURL parses a URL and ensures the host always has an explicit port.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("scheme and host are required")
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https", "h2c":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if u.Port() == "" {
		if strings.EqualFold(u.Scheme, "https") {
			u.Host += ":443"
		} else {
			u.Host += ":80"
		}
	}

	return u.String(), nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"backend.timeout", cfg.Backend.Timeout},
		{"backend.idle_conn_timeout", cfg.Backend.IdleConnTimeout},
		{"backend.dial_timeout", cfg.Backend.DialTimeout},
		{"engine.sweep_interval", cfg.Engine.SweepInterval},
		{"engine.fault_log_interval", cfg.Engine.FaultLogInterval},
		{"events.flush_interval", cfg.Events.FlushInterval},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateClassifier(cfg *Config) error {
	c := cfg.Classifier
	if c.Identity != "" && !c.Identity.Valid() {
		return fmt.Errorf("unknown classifier.identity %q: must be clientip or header", c.Identity)
	}
	if c.Identity == ClientIdentityHeader && c.HeaderName == "" {
		return fmt.Errorf("classifier.header_name is required when identity is %q", c.Identity)
	}
	for _, cidr := range c.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid classifier.trusted_proxies entry %q: %w", cidr, err)
		}
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("classifier.max_body_bytes must be >= 0")
	}
	if c.MaxPathLength < 0 {
		return fmt.Errorf("classifier.max_path_length must be >= 0")
	}
	return nil
}

func validateEngine(cfg *Config) error {
	if d := MustParseDuration(cfg.Engine.SweepInterval, time.Second); d < time.Second {
		return fmt.Errorf("engine.sweep_interval must be at least 1s")
	}
	if cfg.Engine.BackstopRPS < 0 {
		return fmt.Errorf("engine.backstop_rps must be >= 0")
	}
	if cfg.Engine.MaxOffenders < 0 {
		return fmt.Errorf("engine.max_offenders must be >= 0")
	}
	return nil
}

func validateEvents(cfg *Config) error {
	if !cfg.Events.Enabled {
		return nil
	}
	if cfg.Events.HTTP.URL == "" && !cfg.Events.Redis.Enabled {
		return fmt.Errorf("events requires http.url or redis.enabled when enabled")
	}
	if cfg.Events.HTTP.URL != "" {
		if _, err := url.ParseRequestURI(cfg.Events.HTTP.URL); err != nil {
			return fmt.Errorf("invalid events.http.url %q: %w", cfg.Events.HTTP.URL, err)
		}
	}
	if cfg.Events.Redis.Enabled {
		if cfg.Events.Redis.Stream == "" {
			return fmt.Errorf("events.redis.stream is required when events.redis is enabled")
		}
		return validateRedisConfig(cfg.Redis, "redis")
	}
	return nil
}

func validateRedisConfig(rc RedisConfig, prefix string) error {
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid %s.mode %q", prefix, rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("%s.endpoints: at least one endpoint is required", prefix)
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("%s.endpoints: single mode requires exactly one endpoint, got %d", prefix, len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("%s.master_name is required for sentinel mode", prefix)
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.Events.Enabled != old.Events.Enabled {
		fields = append(fields, "events.enabled")
	}
	if c.Engine.SweepInterval != old.Engine.SweepInterval {
		fields = append(fields, "engine.sweep_interval")
	}
	return fields
}
