package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/zero-day-ai/granule/authctx"
	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/task"
	"github.com/zero-day-ai/granule/workerctx"
)

type job struct {
	ctx    context.Context
	cancel context.CancelFunc
	auth   authctx.AuthContext
	task   task.Task
	future *Future
}

// ThreadPool runs tasks on a fixed number of long-lived goroutines. Each
// goroutine owns one worker context, acquired from a registry keyed by its
// identity and rebuilt when the AuthContext changes.
type ThreadPool struct {
	reg      *task.Registry
	opts     Options
	contexts *workerctx.Registry

	jobs     chan job
	quit     chan struct{}
	quitOnce sync.Once
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// NewThreadPool starts opts.Workers goroutines running handlers from reg.
func NewThreadPool(reg *task.Registry, opts Options) *ThreadPool {
	opts = opts.withDefaults()
	p := &ThreadPool{
		reg:      reg,
		opts:     opts,
		contexts: workerctx.NewRegistry(opts.WorkerContext),
		jobs:     make(chan job),
		quit:     make(chan struct{}),
	}

	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(fmt.Sprintf("threads-%d", i))
	}

	opts.Logger.Debug("thread pool started", "workers", opts.Workers)
	return p
}

// Submit hands t to an idle worker, blocking until one is free, ctx ends,
// or the pool shuts down.
func (p *ThreadPool) Submit(ctx context.Context, auth authctx.AuthContext, t task.Task) *Future {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if p.closed.Load() {
		return Failed(t, fetcherr.New("executor.Submit", fetcherr.KindConfiguration, "executor is shut down"))
	}

	f := newFuture(t)
	jctx, cancel := context.WithCancel(ctx)
	f.setCancel(cancel)

	select {
	case p.jobs <- job{ctx: jctx, cancel: cancel, auth: auth, task: t, future: f}:
		p.opts.Telemetry.TaskSubmitted(ctx, string(KindThreads))
	case <-ctx.Done():
		cancel()
		f.resolve(task.Result{Err: fetcherr.Wrap("executor.Submit", fetcherr.KindCancelled, ctx.Err())})
	case <-p.quit:
		cancel()
		f.resolve(task.Result{Err: fetcherr.New("executor.Submit", fetcherr.KindConfiguration, "executor is shut down")})
	}
	return f
}

func (p *ThreadPool) worker(id string) {
	defer p.wg.Done()
	logger := p.opts.Logger.With("worker_id", id)
	defer func() {
		if err := p.contexts.Release(id); err != nil {
			logger.Warn("failed to release worker context", "error", err)
		}
	}()

	for {
		select {
		case <-p.quit:
			return
		case j := <-p.jobs:
			wc := p.contexts.Acquire(id, j.auth)
			j.future.resolve(runLocal(j.ctx, p.opts.Telemetry, KindThreads, p.reg, wc, j.task))
			j.cancel()
		}
	}
}

// Workers returns the pool size.
func (p *ThreadPool) Workers() int { return p.opts.Workers }

func (p *ThreadPool) Kind() Kind { return KindThreads }

// Shutdown stops the workers after their current task and releases their
// contexts. It returns ctx's error if the workers do not stop in time.
func (p *ThreadPool) Shutdown(ctx context.Context) error {
	p.closed.Store(true)
	p.quitOnce.Do(func() { close(p.quit) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fetcherr.Wrap("executor.Shutdown", fetcherr.KindCancelled, ctx.Err())
	}
	return p.contexts.CloseAll()
}
