package granule

import (
	"log/slog"

	"github.com/zero-day-ai/granule/config"
	"github.com/zero-day-ai/granule/executor"
	"github.com/zero-day-ai/granule/stream"
	"github.com/zero-day-ai/granule/task"
	"github.com/zero-day-ai/granule/telemetry"
)

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	telemetry  *telemetry.Telemetry
	registry   *task.Registry
	executor   executor.Executor
	provider   string
	stream     []stream.Option
}

// WithConfig uses cfg instead of loading a file.
func WithConfig(cfg *config.Config) Option {
	return func(c *clientConfig) {
		c.cfg = cfg
	}
}

// WithConfigFile loads granule.yaml from path, which may be the file or
// its directory.
func WithConfigFile(path string) Option {
	return func(c *clientConfig) {
		c.configPath = path
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithTelemetry sets the tracer and meter used by every component.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *clientConfig) {
		c.telemetry = t
	}
}

// WithRegistry uses reg for handlers. The catalog handlers are added to
// it.
func WithRegistry(reg *task.Registry) Option {
	return func(c *clientConfig) {
		c.registry = reg
	}
}

// WithExecutor uses exec instead of building one from the configuration.
// The client shuts it down on Close.
func WithExecutor(exec executor.Executor) Option {
	return func(c *clientConfig) {
		c.executor = exec
	}
}

// WithProvider sets the provider whose credentials Stream ships with every
// task. Without it Stream runs anonymously; Download infers the provider
// from the granules.
func WithProvider(name string) Option {
	return func(c *clientConfig) {
		c.provider = name
	}
}

// WithStreamOptions adds options to every stream started by the client.
// They are applied after the configuration file.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(c *clientConfig) {
		c.stream = append(c.stream, opts...)
	}
}
