// Package config handles loading and validation of linkedge configuration
// from an optional YAML file and environment variables. Environment variables
// always override file-based values. Variable names are flat and match the
// deployment conventions of the rule authority, for example:
//
//	server.port        → PORT
//	stream.url         → ADMIN_SERVICE_URL
//	cache.max_heap_mb  → CACHE_MAX_HEAP_MB
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
// Override via the CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/linkedge/config.yaml"

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// StreamMode selects the transport used to receive rule changes.
type StreamMode string

const (
	StreamModeSSE   StreamMode = "sse"
	StreamModeRedis StreamMode = "redis"
)

func (m StreamMode) Valid() bool {
	switch m {
	case StreamModeSSE, StreamModeRedis:
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

// Config is the top-level linkedge configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ops       OpsConfig       `yaml:"ops"`
	Stream    StreamConfig    `yaml:"stream"`
	Redis     RedisConfig     `yaml:"redis"     envPrefix:"REDIS_"`
	Analytics AnalyticsConfig `yaml:"analytics" envPrefix:"ANALYTICS_"`
	Cache     CacheConfig     `yaml:"cache"     envPrefix:"CACHE_"`
	Routing   RoutingConfig   `yaml:"routing"`
	Password  PasswordConfig  `yaml:"password"  envPrefix:"PASSWORD_"`
	Logging   LoggingConfig   `yaml:"logging"   envPrefix:"LOG_"`
	Tracing   TracingConfig   `yaml:"tracing"   envPrefix:"TRACING_"`
}

// ServerConfig holds the public redirect listener settings.
type ServerConfig struct {
	Port         int             `yaml:"port"          env:"PORT"`
	Host         string          `yaml:"host"          env:"SERVER_HOST"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"SERVER_READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"SERVER_IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"SERVER_DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"SERVER_TLS_"`

	// TrustedProxies is a list of CIDR ranges whose X-Forwarded-For and
	// X-Real-IP headers are trusted. When empty, proxy headers are always
	// trusted, which suits deployments behind a CDN that overwrites them.
	TrustedProxies []string `yaml:"trusted_proxies" env:"SERVER_TRUSTED_PROXIES" envSeparator:","`
}

// Address returns the host:port listen address.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, fmt.Sprint(s.Port))
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool   `yaml:"enabled"       env:"ENABLED"`
	CertFile     string `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool   `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
}

// OpsConfig holds the operational (metrics/health) listeners.
type OpsConfig struct {
	Address           string `yaml:"address"             env:"OPS_ADDRESS"`
	GRPCHealthAddress string `yaml:"grpc_health_address" env:"GRPC_HEALTH_ADDRESS"`
}

// StreamConfig controls the connection to the rule authority.
type StreamConfig struct {
	Mode           StreamMode     `yaml:"mode"            env:"STREAM_MODE"`
	URL            string         `yaml:"url"             env:"ADMIN_SERVICE_URL"`
	Token          RedactedString `yaml:"token"           env:"SYNC_API_KEY"`
	InitialBackoff string         `yaml:"initial_backoff" env:"STREAM_INITIAL_BACKOFF"`
	MaxBackoff     string         `yaml:"max_backoff"     env:"STREAM_MAX_BACKOFF"`
	BackoffFactor  float64        `yaml:"backoff_factor"  env:"STREAM_BACKOFF_FACTOR"`
	BufferSize     int            `yaml:"buffer_size"     env:"STREAM_BUFFER_SIZE"`
	RedisChannel   string         `yaml:"redis_channel"   env:"STREAM_REDIS_CHANNEL"`
}

// RedisConfig holds Redis connection and topology settings. Redis is only
// dialed when stream.mode is "redis".
type RedisConfig struct {
	Endpoints    []string       `yaml:"endpoints"     env:"ENDPOINTS" envSeparator:","`
	Mode         RedisMode      `yaml:"mode"          env:"MODE"`
	MasterName   string         `yaml:"master_name"   env:"MASTER_NAME"`
	Username     string         `yaml:"username"      env:"USERNAME"`
	Password     RedactedString `yaml:"password"      env:"PASSWORD"`
	DB           int            `yaml:"db"            env:"DB"`
	PoolSize     int            `yaml:"pool_size"     env:"POOL_SIZE"`
	DialTimeout  string         `yaml:"dial_timeout"  env:"DIAL_TIMEOUT"`
	ReadTimeout  string         `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	TLS          RedisTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// AnalyticsConfig controls visit reporting. An empty URL disables it.
type AnalyticsConfig struct {
	URL           string         `yaml:"url"            env:"SERVICE_URL"`
	BufferSize    int            `yaml:"buffer_size"    env:"BUFFER_SIZE"`
	Workers       int            `yaml:"workers"        env:"WORKERS"`
	FlushInterval string         `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	Timeout       string         `yaml:"timeout"        env:"TIMEOUT"`
	IPSalt        RedactedString `yaml:"ip_salt"        env:"IP_SALT"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
}

// CircuitBreakerConfig holds circuit breaker tuning parameters.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures before opening. 0 uses the default (5).
	Threshold int `yaml:"threshold" env:"THRESHOLD"`
	// ResetTimeout is the duration the circuit stays open before probing. Empty uses the default (30s).
	ResetTimeout string `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
}

// CacheConfig drives the eviction manager.
type CacheConfig struct {
	MaxHeapMB       int  `yaml:"max_heap_mb"       env:"MAX_HEAP_MB"`
	EvictionBatch   int  `yaml:"eviction_batch"    env:"EVICTION_BATCH"`
	CheckIntervalMS int  `yaml:"check_interval_ms" env:"CHECK_INTERVAL_MS"`
	Metrics         bool `yaml:"metrics"           env:"METRICS"`
}

// CheckInterval returns the monitor interval as a duration.
func (c CacheConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMS) * time.Millisecond
}

// RoutingConfig tunes the request path.
type RoutingConfig struct {
	FilterCapacity int      `yaml:"filter_capacity" env:"FILTER_CAPACITY"`
	UACacheSize    int      `yaml:"ua_cache_size"   env:"UA_CACHE_SIZE"`
	CountryHeaders []string `yaml:"country_headers" env:"TARGETING_COUNTRY_HEADERS" envSeparator:","`
}

// PasswordConfig throttles password attempts per client IP. MaxAttempts of 0
// disables throttling.
type PasswordConfig struct {
	MaxAttempts   int    `yaml:"max_attempts"   env:"MAX_ATTEMPTS"`
	AttemptWindow string `yaml:"attempt_window" env:"ATTEMPT_WINDOW"`
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
			Port:         3000,
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "120s",
			DrainTimeout: "15s",
		},
		Ops: OpsConfig{
			Address: ":9090",
		},
		Stream: StreamConfig{
			Mode:           StreamModeSSE,
			URL:            "http://localhost:3001/sync/stream",
			InitialBackoff: "1s",
			MaxBackoff:     "30s",
			BackoffFactor:  2,
			BufferSize:     1024,
			RedisChannel:   "linkedge:rules",
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     4,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Analytics: AnalyticsConfig{
			URL:           "http://localhost:3002",
			BufferSize:    10000,
			Workers:       8,
			FlushInterval: "200ms",
			Timeout:       "5s",
		},
		Cache: CacheConfig{
			MaxHeapMB:       500,
			EvictionBatch:   1000,
			CheckIntervalMS: 10000,
			Metrics:         true,
		},
		Routing: RoutingConfig{
			FilterCapacity: 10000,
			UACacheSize:    1000,
			CountryHeaders: []string{"CF-IPCountry", "X-Vercel-IP-Country", "X-Country-Code"},
		},
		Password: PasswordConfig{
			MaxAttempts:   10,
			AttemptWindow: "1m",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "linkedge",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from the YAML file at ConfigFilePath and overlays
// environment variable overrides.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. A missing file is not an error. Used by the
// config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}

	if envErr := env.Parse(cfg); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}
	// env.Parse skips empty values, but an explicitly empty collector URL
	// turns analytics off.
	if v, ok := os.LookupEnv("ANALYTICS_SERVICE_URL"); ok && strings.TrimSpace(v) == "" {
		cfg.Analytics.URL = ""
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases enum fields and trims list entries so that values like
// "Redis" or " CF-IPCountry" match their canonical forms.
func (cfg *Config) normalize() {
	cfg.Stream.Mode = StreamMode(strings.ToLower(strings.TrimSpace(string(cfg.Stream.Mode))))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Analytics.URL = strings.TrimRight(strings.TrimSpace(cfg.Analytics.URL), "/")

	headers := cfg.Routing.CountryHeaders[:0]
	for _, h := range cfg.Routing.CountryHeaders {
		if h = strings.TrimSpace(h); h != "" {
			headers = append(headers, h)
		}
	}
	cfg.Routing.CountryHeaders = headers
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateServer(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateStream(cfg); err != nil {
		return err
	}
	if err := validateAnalytics(cfg); err != nil {
		return err
	}
	if err := validateCache(cfg); err != nil {
		return err
	}
	if err := validateRouting(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateServer(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d: must be between 1 and 65535", cfg.Server.Port)
	}
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	for _, cidr := range cfg.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("invalid server.trusted_proxies entry %q: %w", cidr, err)
		}
	}
	if cfg.Ops.Address == "" {
		return fmt.Errorf("ops.address is required")
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"stream.initial_backoff", cfg.Stream.InitialBackoff},
		{"stream.max_backoff", cfg.Stream.MaxBackoff},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
		{"analytics.flush_interval", cfg.Analytics.FlushInterval},
		{"analytics.timeout", cfg.Analytics.Timeout},
		{"analytics.circuit_breaker.reset_timeout", cfg.Analytics.CircuitBreaker.ResetTimeout},
		{"password.attempt_window", cfg.Password.AttemptWindow},
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

func validateStream(cfg *Config) error {
	if !cfg.Stream.Mode.Valid() {
		return fmt.Errorf("invalid stream.mode %q: must be sse or redis", cfg.Stream.Mode)
	}
	if cfg.Stream.BufferSize < 1 {
		return fmt.Errorf("stream.buffer_size must be >= 1")
	}
	if cfg.Stream.BackoffFactor < 1 {
		return fmt.Errorf("stream.backoff_factor must be >= 1")
	}
	switch cfg.Stream.Mode {
	case StreamModeSSE:
		if err := validateHTTPURL(cfg.Stream.URL); err != nil {
			return fmt.Errorf("invalid stream.url %q: %w", cfg.Stream.URL, err)
		}
	case StreamModeRedis:
		if cfg.Stream.RedisChannel == "" {
			return fmt.Errorf("stream.redis_channel is required when stream.mode is redis")
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

func validateAnalytics(cfg *Config) error {
	if cfg.Analytics.URL == "" {
		return nil
	}
	if err := validateHTTPURL(cfg.Analytics.URL); err != nil {
		return fmt.Errorf("invalid analytics.url %q: %w", cfg.Analytics.URL, err)
	}
	if cfg.Analytics.BufferSize < 1 {
		return fmt.Errorf("analytics.buffer_size must be >= 1")
	}
	if cfg.Analytics.Workers < 1 {
		return fmt.Errorf("analytics.workers must be >= 1")
	}
	return nil
}

func validateCache(cfg *Config) error {
	if cfg.Cache.MaxHeapMB < 1 {
		return fmt.Errorf("cache.max_heap_mb must be >= 1")
	}
	if cfg.Cache.EvictionBatch < 1 {
		return fmt.Errorf("cache.eviction_batch must be >= 1")
	}
	if cfg.Cache.CheckIntervalMS < 1 {
		return fmt.Errorf("cache.check_interval_ms must be >= 1")
	}
	return nil
}

func validateRouting(cfg *Config) error {
	if cfg.Routing.FilterCapacity < 1 {
		return fmt.Errorf("routing.filter_capacity must be >= 1")
	}
	if cfg.Routing.UACacheSize < 1 {
		return fmt.Errorf("routing.ua_cache_size must be >= 1")
	}
	if cfg.Password.MaxAttempts < 0 {
		return fmt.Errorf("password.max_attempts must be >= 0")
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

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
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
	if c.Server.Address() != old.Server.Address() {
		fields = append(fields, "server.port")
	}
	if c.Ops.Address != old.Ops.Address {
		fields = append(fields, "ops.address")
	}
	if c.Ops.GRPCHealthAddress != old.Ops.GRPCHealthAddress {
		fields = append(fields, "ops.grpc_health_address")
	}
	if c.Server.TLS != old.Server.TLS {
		fields = append(fields, "server.tls")
	}
	if c.Stream.Mode != old.Stream.Mode || c.Stream.URL != old.Stream.URL || c.Stream.Token != old.Stream.Token {
		fields = append(fields, "stream")
	}
	if c.Analytics.URL != old.Analytics.URL {
		fields = append(fields, "analytics.url")
	}
	if c.Routing.FilterCapacity != old.Routing.FilterCapacity || c.Routing.UACacheSize != old.Routing.UACacheSize {
		fields = append(fields, "routing")
	}
	return fields
}
