package executor

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/zero-day-ai/granule/authctx"
	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/task"
	"github.com/zero-day-ai/granule/workerctx"
)

const serialWorkerID = "serial"

// Serial runs every task synchronously inside Submit, on the caller's
// goroutine, with a single worker context. It exists for deterministic
// debugging.
type Serial struct {
	reg      *task.Registry
	opts     Options
	contexts *workerctx.Registry
	closed   atomic.Bool
}

// NewSerial returns a Serial executor running handlers from reg.
func NewSerial(reg *task.Registry, opts Options) *Serial {
	opts = opts.withDefaults()
	opts.Workers = 1
	return &Serial{
		reg:      reg,
		opts:     opts,
		contexts: workerctx.NewRegistry(opts.WorkerContext),
	}
}

// Submit runs t before returning; the Future is already resolved.
func (s *Serial) Submit(ctx context.Context, auth authctx.AuthContext, t task.Task) *Future {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if s.closed.Load() {
		return Failed(t, fetcherr.New("executor.Submit", fetcherr.KindConfiguration, "executor is shut down"))
	}

	s.opts.Telemetry.TaskSubmitted(ctx, string(KindSerial))
	f := newFuture(t)
	wc := s.contexts.Acquire(serialWorkerID, auth)
	f.resolve(runLocal(ctx, s.opts.Telemetry, KindSerial, s.reg, wc, t))
	return f
}

// Workers is always 1.
func (s *Serial) Workers() int { return 1 }

func (s *Serial) Kind() Kind { return KindSerial }

// Shutdown releases the worker context.
func (s *Serial) Shutdown(context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.contexts.CloseAll()
}
