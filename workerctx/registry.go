package workerctx

import (
	"errors"
	"log/slog"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/zero-day-ai/granule/authctx"
)

// Registry maps worker identities to their Contexts. The map itself is
// safe for concurrent use; each Context it returns must still only be used
// by the worker that acquired it.
type Registry struct {
	opts     Options
	logger   *slog.Logger
	contexts *xsync.MapOf[string, *Context]
}

// NewRegistry returns an empty Registry whose contexts are built with opts.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:     opts,
		logger:   logger,
		contexts: xsync.NewMapOf[string, *Context](),
	}
}

// Acquire returns workerID's Context. A Context built from a different
// AuthContext (a rotated credential) is closed and replaced.
func (r *Registry) Acquire(workerID string, auth authctx.AuthContext) *Context {
	wc, _ := r.contexts.Compute(workerID, func(old *Context, loaded bool) (*Context, bool) {
		if loaded && old.auth.ID == auth.ID && !old.closed {
			return old, false
		}
		if loaded {
			if err := old.Close(); err != nil {
				r.logger.Warn("failed to close stale worker context", "worker_id", workerID, "error", err)
			}
			r.logger.Debug("worker context rebuilt", "worker_id", workerID, "auth_id", auth.ID)
		}
		return New(workerID, auth, r.opts), false
	})
	return wc
}

// Release closes and forgets workerID's Context.
func (r *Registry) Release(workerID string) error {
	wc, ok := r.contexts.LoadAndDelete(workerID)
	if !ok {
		return nil
	}
	return wc.Close()
}

// CloseAll releases every Context. Call it only after the workers have
// stopped.
func (r *Registry) CloseAll() error {
	var errs []error
	r.contexts.Range(func(id string, _ *Context) bool {
		if err := r.Release(id); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// Len returns the number of live contexts.
func (r *Registry) Len() int {
	return r.contexts.Size()
}
