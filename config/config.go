// Package config loads granule.yaml, the configuration shared by the
// client, the worker binary and the function binary.
//
// Every accessor is safe on a nil receiver and returns the default for
// unset or invalid values, so a missing section behaves like an empty one.
// Options tune scheduling and caching only; no setting changes what a
// stream yields.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zero-day-ai/granule/discovery"
)

// Config is the parsed granule.yaml.
type Config struct {
	Executor    *ExecutorConfig    `yaml:"executor,omitempty"`
	Stream      *StreamConfig      `yaml:"stream,omitempty"`
	Credentials *CredentialsConfig `yaml:"credentials,omitempty"`
	Storage     *StorageConfig     `yaml:"storage,omitempty"`
	Distributed *DistributedConfig `yaml:"distributed,omitempty"`
	Serverless  *ServerlessConfig  `yaml:"serverless,omitempty"`
	Worker      *WorkerConfig      `yaml:"worker,omitempty"`
	Function    *FunctionConfig    `yaml:"function,omitempty"`
	Discovery   *discovery.Config  `yaml:"discovery,omitempty"`
}

// ExecutorConfig selects the execution backend.
type ExecutorConfig struct {
	// Kind is serial, threads, distributed or serverless. Default: threads.
	Kind string `yaml:"kind,omitempty"`

	// Workers is the worker count. Default: 4.
	Workers int `yaml:"workers,omitempty"`
}

// GetKind returns the executor kind or "threads".
func (e *ExecutorConfig) GetKind() string {
	if e == nil || e.Kind == "" {
		return "threads"
	}
	return e.Kind
}

// GetWorkers returns the worker count or 4.
func (e *ExecutorConfig) GetWorkers() int {
	if e == nil || e.Workers <= 0 {
		return 4
	}
	return e.Workers
}

// StreamConfig tunes the streaming pipeline.
type StreamConfig struct {
	// PrefetchDepth is the number of pages buffered ahead of the workers.
	// Default: 2.
	PrefetchDepth int `yaml:"prefetch_depth,omitempty"`

	// PageSize is the number of items per source page. Default: 100.
	PageSize int `yaml:"page_size,omitempty"`

	// Ordered yields results in source order instead of completion order.
	Ordered bool `yaml:"ordered,omitempty"`

	// CollectAll delivers per-item errors as results instead of stopping
	// the stream at the first one.
	CollectAll bool `yaml:"collect_all,omitempty"`
}

// GetPrefetchDepth returns the prefetch depth or 2.
func (s *StreamConfig) GetPrefetchDepth() int {
	if s == nil || s.PrefetchDepth <= 0 {
		return 2
	}
	return s.PrefetchDepth
}

// GetPageSize returns the page size or 100.
func (s *StreamConfig) GetPageSize() int {
	if s == nil || s.PageSize <= 0 {
		return 100
	}
	return s.PageSize
}

// CredentialsConfig configures the credential manager and authenticator.
type CredentialsConfig struct {
	// SafetyBuffer is how long before expiry a credential is refreshed.
	// Format: Go duration string. Default: 5m.
	SafetyBuffer string `yaml:"safety_buffer,omitempty"`

	// Providers maps provider names to the bucket or URL prefixes they
	// serve. Empty uses the built-in table.
	Providers map[string][]string `yaml:"providers,omitempty"`

	// Endpoints maps provider names to temporary-credential endpoints.
	// Empty uses the built-in endpoints.
	Endpoints map[string]string `yaml:"endpoints,omitempty"`

	// TokenEnv names the environment variable holding the bearer token.
	// Default: EARTHDATA_TOKEN.
	TokenEnv string `yaml:"token_env,omitempty"`

	// RequestsPerSecond throttles credential endpoint calls. Default: 2.
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
}

// GetSafetyBuffer parses the safety buffer or returns 5m.
func (c *CredentialsConfig) GetSafetyBuffer() time.Duration {
	return parseDuration(c.safetyBuffer(), 5*time.Minute)
}

func (c *CredentialsConfig) safetyBuffer() string {
	if c == nil {
		return ""
	}
	return c.SafetyBuffer
}

// GetTokenEnv returns the token variable name or EARTHDATA_TOKEN.
func (c *CredentialsConfig) GetTokenEnv() string {
	if c == nil || c.TokenEnv == "" {
		return "EARTHDATA_TOKEN"
	}
	return c.TokenEnv
}

// GetRequestsPerSecond returns the throttle rate or 2.
func (c *CredentialsConfig) GetRequestsPerSecond() float64 {
	if c == nil || c.RequestsPerSecond <= 0 {
		return 2
	}
	return c.RequestsPerSecond
}

// StorageConfig overrides filesystem endpoints, mainly for tests and
// S3-compatible stores.
type StorageConfig struct {
	S3Endpoint   string `yaml:"s3_endpoint,omitempty"`
	S3PathStyle  bool   `yaml:"s3_path_style,omitempty"`
	GCSEndpoint  string `yaml:"gcs_endpoint,omitempty"`
	HTTPRetryMax int    `yaml:"http_retry_max,omitempty"`
}

// DistributedConfig configures the Redis-backed executor.
type DistributedConfig struct {
	// RedisURL is the Redis connection string. Default: redis://localhost:6379.
	RedisURL string `yaml:"redis_url,omitempty"`

	// Pool is the worker pool name. Default: "default".
	Pool string `yaml:"pool,omitempty"`

	// SessionTTL bounds stored AuthContexts. Default: 1h.
	SessionTTL string `yaml:"session_ttl,omitempty"`
}

// GetRedisURL returns the Redis URL or the local default.
func (d *DistributedConfig) GetRedisURL() string {
	if d == nil || d.RedisURL == "" {
		return "redis://localhost:6379"
	}
	return d.RedisURL
}

// GetPool returns the pool name or "default".
func (d *DistributedConfig) GetPool() string {
	if d == nil || d.Pool == "" {
		return "default"
	}
	return d.Pool
}

// GetSessionTTL parses the session TTL or returns 1h.
func (d *DistributedConfig) GetSessionTTL() time.Duration {
	if d == nil {
		return time.Hour
	}
	return parseDuration(d.SessionTTL, time.Hour)
}

// ServerlessConfig configures the gRPC function executor.
type ServerlessConfig struct {
	// Function is the function name. Default: "granule".
	Function string `yaml:"function,omitempty"`

	// Addresses are static endpoints. When empty the discovery section is
	// used to resolve the function.
	Addresses []string `yaml:"addresses,omitempty"`

	// Concurrency caps in-flight invocations. Default: 16.
	Concurrency int `yaml:"concurrency,omitempty"`

	// Timeout bounds one invocation. Default: 5m.
	Timeout string `yaml:"timeout,omitempty"`
}

// GetFunction returns the function name or "granule".
func (s *ServerlessConfig) GetFunction() string {
	if s == nil || s.Function == "" {
		return "granule"
	}
	return s.Function
}

// GetConcurrency returns the invocation cap or 16.
func (s *ServerlessConfig) GetConcurrency() int {
	if s == nil || s.Concurrency <= 0 {
		return 16
	}
	return s.Concurrency
}

// GetTimeout parses the invocation timeout or returns 5m.
func (s *ServerlessConfig) GetTimeout() time.Duration {
	if s == nil {
		return 5 * time.Minute
	}
	return parseDuration(s.Timeout, 5*time.Minute)
}

// WorkerConfig configures the remote worker binary.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines. Default: 4.
	Concurrency int `yaml:"concurrency,omitempty"`

	// ShutdownTimeout is the time to wait for running tasks at shutdown.
	// Default: 30s.
	ShutdownTimeout string `yaml:"shutdown_timeout,omitempty"`

	// HeartbeatInterval is the interval between health heartbeats.
	// Default: 10s.
	HeartbeatInterval string `yaml:"heartbeat_interval,omitempty"`

	// PopTimeout is how long one queue pop blocks. Default: 2s.
	PopTimeout string `yaml:"pop_timeout,omitempty"`
}

// GetConcurrency returns the configured concurrency or 4.
func (w *WorkerConfig) GetConcurrency() int {
	if w == nil || w.Concurrency <= 0 {
		return 4
	}
	return w.Concurrency
}

// GetShutdownTimeout parses the shutdown timeout or returns 30s.
func (w *WorkerConfig) GetShutdownTimeout() time.Duration {
	if w == nil {
		return 30 * time.Second
	}
	return parseDuration(w.ShutdownTimeout, 30*time.Second)
}

// GetHeartbeatInterval parses the heartbeat interval or returns 10s.
func (w *WorkerConfig) GetHeartbeatInterval() time.Duration {
	if w == nil {
		return 10 * time.Second
	}
	return parseDuration(w.HeartbeatInterval, 10*time.Second)
}

// GetPopTimeout parses the pop timeout or returns 2s.
func (w *WorkerConfig) GetPopTimeout() time.Duration {
	if w == nil {
		return 2 * time.Second
	}
	return parseDuration(w.PopTimeout, 2*time.Second)
}

// FunctionConfig configures the function binary.
type FunctionConfig struct {
	Name             string `yaml:"name,omitempty"`
	Address          string `yaml:"address,omitempty"`
	AdvertiseAddress string `yaml:"advertise_address,omitempty"`
	GracefulTimeout  string `yaml:"graceful_timeout,omitempty"`
	TLSCertFile      string `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile       string `yaml:"tls_key_file,omitempty"`
}

// GetAddress returns the listen address or ":50051".
func (f *FunctionConfig) GetAddress() string {
	if f == nil || f.Address == "" {
		return ":50051"
	}
	return f.Address
}

// GetGracefulTimeout parses the graceful timeout or returns 30s.
func (f *FunctionConfig) GetGracefulTimeout() time.Duration {
	if f == nil {
		return 30 * time.Second
	}
	return parseDuration(f.GracefulTimeout, 30*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// Parse decodes granule.yaml content.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Load reads granule.yaml from path. If path is a directory, it looks for
// granule.yaml or granule.yml inside it.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	configPath := path
	if info.IsDir() {
		configPath = ""
		for _, name := range []string{"granule.yaml", "granule.yml"} {
			candidate := filepath.Join(path, name)
			if _, err := os.Stat(candidate); err == nil {
				configPath = candidate
				break
			}
		}
		if configPath == "" {
			return nil, fmt.Errorf("no granule.yaml or granule.yml found in %s", path)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// LoadFromDir searches dir and its parents for granule.yaml.
func LoadFromDir(dir string) (*Config, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	for {
		if cfg, err := Load(absDir); err == nil {
			return cfg, nil
		}
		parent := filepath.Dir(absDir)
		if parent == absDir {
			return nil, fmt.Errorf("no granule.yaml found in %s or parent directories", dir)
		}
		absDir = parent
	}
}
