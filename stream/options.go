package stream

import (
	"log/slog"

	"github.com/zero-day-ai/granule/config"
)

type options struct {
	ordered       bool
	collectAll    bool
	prefetchDepth int
	pageSize      int
	consumers     int
	logger        *slog.Logger
}

// Option configures a Stream.
type Option func(*options)

// Ordered yields results in source order. Results that finish early are
// held in a reorder buffer until their predecessors arrive. Consumers stop
// taking new items once PrefetchDepth × PageSize + consumers items are
// running or buffered beyond the next one due, so a slow item stalls the
// pipeline instead of growing the buffer.
func Ordered() Option {
	return func(o *options) { o.ordered = true }
}

// CollectAll delivers per-item errors as results and keeps the stream
// running. Err reports the joined errors once the stream ends.
func CollectAll() Option {
	return func(o *options) { o.collectAll = true }
}

// WithPrefetchDepth sets how many pages may be buffered ahead of the
// workers.
func WithPrefetchDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.prefetchDepth = n
		}
	}
}

// WithPageSize sets the page size used to size the prefetch queue.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithConsumers overrides the number of consumer goroutines, which
// otherwise follows the executor's worker count.
func WithConsumers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.consumers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithConfig applies the stream section of a loaded configuration.
func WithConfig(cfg *config.StreamConfig) Option {
	return func(o *options) {
		o.prefetchDepth = cfg.GetPrefetchDepth()
		o.pageSize = cfg.GetPageSize()
		if cfg != nil {
			o.ordered = o.ordered || cfg.Ordered
			o.collectAll = o.collectAll || cfg.CollectAll
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		prefetchDepth: 2,
		pageSize:      100,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
