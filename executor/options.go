package executor

import (
	"log/slog"

	"github.com/zero-day-ai/granule/telemetry"
	"github.com/zero-day-ai/granule/workerctx"
)

// Options holds the settings shared by the in-process backends.
type Options struct {
	// Workers is the pool size. Zero means 4.
	Workers int

	// Logger is the structured logger. Nil uses slog.Default().
	Logger *slog.Logger

	// Telemetry records spans and task counters. Nil uses the global
	// providers.
	Telemetry *telemetry.Telemetry

	// WorkerContext configures the filesystems each worker builds.
	WorkerContext workerctx.Options
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.Default()
	}
	if o.WorkerContext.Logger == nil {
		o.WorkerContext.Logger = o.Logger
	}
	return o
}
