// Package executor runs tasks on interchangeable backends.
//
// Every backend implements Executor: Serial runs tasks in the caller's
// goroutine, ThreadPool on a fixed set of goroutines inside the process,
// Distributed on remote worker processes fed through Redis, and Serverless
// as unary gRPC function invocations. All of them execute handlers by name
// from a task.Registry, so a task behaves the same on every backend.
//
// Workers own their workerctx.Context. Only the immutable AuthContext
// passed to Submit is shared; remote backends ship its primitive form and
// the receiving side rebuilds its own context.
//
// Errors raised by a task, including panics, are captured on its Future
// and returned by Await. Cancellation of Distributed and Serverless tasks
// is best-effort: an invocation that already reached a remote worker may
// still run to completion after its Future reports cancellation.
package executor

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zero-day-ai/granule/authctx"
	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/task"
	"github.com/zero-day-ai/granule/telemetry"
	"github.com/zero-day-ai/granule/workerctx"
)

// Kind names an executor backend.
type Kind string

const (
	KindSerial      Kind = "serial"
	KindThreads     Kind = "threads"
	KindDistributed Kind = "distributed"
	KindServerless  Kind = "serverless"
)

// ParseKind validates s as a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindSerial, KindThreads, KindDistributed, KindServerless:
		return k, nil
	}
	return "", fetcherr.New("executor.ParseKind", fetcherr.KindConfiguration,
		fmt.Sprintf("unknown executor kind %q (want serial, threads, distributed or serverless)", s))
}

// Executor submits tasks to a backend.
type Executor interface {
	// Submit schedules t and returns its Future. Submit may block while the
	// backend is saturated; ctx bounds that wait and the task itself.
	Submit(ctx context.Context, auth authctx.AuthContext, t task.Task) *Future

	// Workers returns the number of tasks the backend runs concurrently.
	Workers() int

	// Kind names the backend.
	Kind() Kind

	// Shutdown stops accepting tasks, waits for running ones up to ctx, and
	// releases worker resources.
	Shutdown(ctx context.Context) error
}

// Future is the pending outcome of one task.
type Future struct {
	taskID string
	index  int64

	done   chan struct{}
	once   sync.Once
	result task.Result

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

func newFuture(t task.Task) *Future {
	return &Future{taskID: t.ID, index: t.Index, done: make(chan struct{})}
}

// Failed returns an already resolved Future carrying err.
func Failed(t task.Task, err error) *Future {
	f := newFuture(t)
	f.resolve(task.Result{Err: err})
	return f
}

// TaskID returns the id of the task behind f.
func (f *Future) TaskID() string { return f.taskID }

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks until the task finishes or ctx ends. The task's error, if
// any, is returned alongside its Result.
func (f *Future) Await(ctx context.Context) (task.Result, error) {
	select {
	case <-f.done:
		return f.result, f.result.Err
	case <-ctx.Done():
		return task.Result{TaskID: f.taskID, Index: f.index},
			fetcherr.Wrap("executor.Await", fetcherr.KindCancelled, ctx.Err())
	}
}

// Cancel requests cancellation. A task that has not finished resolves with
// a KindCancelled error; remote work may still complete in the background.
func (f *Future) Cancel() {
	f.cancelMu.Lock()
	cancel := f.cancel
	f.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
	f.resolve(task.Result{Err: fetcherr.New("executor.Cancel", fetcherr.KindCancelled, "task cancelled").WithItem(f.taskID)})
}

func (f *Future) setCancel(cancel context.CancelFunc) {
	f.cancelMu.Lock()
	f.cancel = cancel
	f.cancelMu.Unlock()
}

// resolve stores r once; later calls are ignored.
func (f *Future) resolve(r task.Result) bool {
	resolved := false
	f.once.Do(func() {
		r.TaskID = f.taskID
		r.Index = f.index
		f.result = r
		close(f.done)
		resolved = true
	})
	return resolved
}

// runLocal executes t with the handler registry inside wc, converting a
// panic into a KindWorkerTask error.
func runLocal(ctx context.Context, tel *telemetry.Telemetry, kind Kind, reg *task.Registry, wc *workerctx.Context, t task.Task) task.Result {
	ctx, span := tel.Tracer.Start(ctx, "executor.task",
		trace.WithAttributes(
			attribute.String("executor", string(kind)),
			attribute.String("task.name", t.Name),
			attribute.String("task.id", t.ID),
		))
	defer span.End()

	var (
		out any
		err error
	)
	if cerr := ctx.Err(); cerr != nil {
		err = fetcherr.Wrap("executor.run", fetcherr.KindCancelled, cerr)
	} else {
		out, err = reg.Execute(ctx, wc, t)
	}

	tel.TaskFinished(ctx, string(kind), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
		return task.Result{Err: err, WorkerID: wc.WorkerID()}
	}
	return task.Result{Value: out, WorkerID: wc.WorkerID()}
}
