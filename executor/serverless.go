package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/zero-day-ai/granule/authctx"
	"github.com/zero-day-ai/granule/discovery"
	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/function"
	"github.com/zero-day-ai/granule/task"
	"github.com/zero-day-ai/granule/telemetry"
)

// ServerlessOptions configures a Serverless executor.
type ServerlessOptions struct {
	// Function is the name endpoints are resolved under. Default: "granule".
	Function string

	// Resolver finds live function endpoints. Required.
	Resolver discovery.Resolver

	// Concurrency caps in-flight invocations. Default: 16.
	Concurrency int

	// Timeout bounds one invocation. Default: 5m.
	Timeout time.Duration

	// DialOptions are used for every endpoint connection. Nil dials
	// without transport security.
	DialOptions []grpc.DialOption

	Logger    *slog.Logger
	Telemetry *telemetry.Telemetry
}

// Serverless runs each task as one unary invocation of a remote function.
// Every invocation carries the primitive AuthContext and runs in a fresh
// worker context on the function side. Cancelling a Future abandons the
// call; the function may still complete it.
type Serverless struct {
	opts   ServerlessOptions
	logger *slog.Logger
	pool   *pool.Pool
	next   atomic.Uint64

	mu     sync.RWMutex
	closed bool
	connMu sync.Mutex
	conns  map[string]*grpc.ClientConn
}

// NewServerless returns a Serverless executor.
func NewServerless(opts ServerlessOptions) (*Serverless, error) {
	if opts.Resolver == nil {
		return nil, fetcherr.New("executor.NewServerless", fetcherr.KindConfiguration, "serverless executor requires a resolver")
	}
	if opts.Function == "" {
		opts.Function = "granule"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.DialOptions == nil {
		opts.DialOptions = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Default()
	}

	return &Serverless{
		opts:   opts,
		logger: opts.Logger.With("function", opts.Function),
		pool:   pool.New().WithMaxGoroutines(opts.Concurrency),
		conns:  make(map[string]*grpc.ClientConn),
	}, nil
}

// Submit schedules an invocation, blocking while Concurrency invocations
// are already in flight.
func (s *Serverless) Submit(ctx context.Context, auth authctx.AuthContext, t task.Task) *Future {
	const op = "executor.Submit"

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := task.CheckSerializable(t.Input); err != nil {
		return Failed(t, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Failed(t, fetcherr.New(op, fetcherr.KindConfiguration, "executor is shut down"))
	}

	f := newFuture(t)
	jctx, cancel := context.WithCancel(ctx)
	f.setCancel(cancel)
	primitive := auth.ToPrimitive()

	s.opts.Telemetry.TaskSubmitted(ctx, string(KindServerless))
	s.pool.Go(func() {
		defer cancel()
		var res task.Result
		if r := panics.Try(func() { res = s.invoke(jctx, primitive, t) }); r != nil {
			res = task.Result{Err: fetcherr.WorkerTask("executor.serverless", t.ID, r.AsError())}
		}
		s.opts.Telemetry.TaskFinished(jctx, string(KindServerless), res.Err)
		f.resolve(res)
	})
	return f
}

func (s *Serverless) invoke(ctx context.Context, auth map[string]any, t task.Task) task.Result {
	const op = "executor.serverless"

	if err := ctx.Err(); err != nil {
		return task.Result{Err: fetcherr.Wrap(op, fetcherr.KindCancelled, err)}
	}

	ep, err := s.pick(ctx, t.Name)
	if err != nil {
		return task.Result{Err: err}
	}
	conn, err := s.conn(ep.Address)
	if err != nil {
		return task.Result{Err: fetcherr.Wrap(op, fetcherr.KindConfiguration, err)}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	resp, err := function.NewClient(conn).Invoke(ctx, function.Request{
		TaskID:  t.ID,
		Index:   t.Index,
		Handler: t.Name,
		Input:   t.Input,
		Auth:    auth,
	})
	if err != nil {
		return task.Result{Err: invokeError(op, t.ID, err)}
	}
	if rerr := resp.Err(); rerr != nil {
		return task.Result{Err: rerr, WorkerID: resp.WorkerID}
	}
	return task.Result{Value: resp.Output, WorkerID: resp.WorkerID}
}

func invokeError(op, taskID string, err error) error {
	var fe *fetcherr.Error
	if errors.As(err, &fe) {
		return err
	}
	switch status.Code(err) {
	case codes.Canceled:
		return fetcherr.Wrap(op, fetcherr.KindCancelled, err)
	case codes.DeadlineExceeded:
		return fetcherr.WorkerTask(op, taskID, err)
	}
	if errors.Is(err, context.Canceled) {
		return fetcherr.Wrap(op, fetcherr.KindCancelled, err)
	}
	return fetcherr.WorkerTask(op, taskID, err)
}

// pick resolves the function and round-robins across endpoints serving
// handler.
func (s *Serverless) pick(ctx context.Context, handler string) (discovery.Endpoint, error) {
	eps, err := s.opts.Resolver.Resolve(ctx, s.opts.Function)
	if err != nil {
		if fetcherr.KindOf(err) != "" {
			return discovery.Endpoint{}, err
		}
		return discovery.Endpoint{}, fetcherr.Wrap("executor.serverless", fetcherr.KindConfiguration, err)
	}

	serving := eps[:0:0]
	for _, ep := range eps {
		if ep.Serves(handler) {
			serving = append(serving, ep)
		}
	}
	if len(serving) == 0 {
		return discovery.Endpoint{}, fetcherr.New("executor.serverless", fetcherr.KindConfiguration,
			"no endpoint of function "+s.opts.Function+" serves "+handler)
	}
	return serving[int(s.next.Add(1)-1)%len(serving)], nil
}

func (s *Serverless) conn(addr string) (*grpc.ClientConn, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if c, ok := s.conns[addr]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(addr, s.opts.DialOptions...)
	if err != nil {
		return nil, err
	}
	s.conns[addr] = c
	return c, nil
}

// Workers returns the concurrency cap.
func (s *Serverless) Workers() int { return s.opts.Concurrency }

func (s *Serverless) Kind() Kind { return KindServerless }

// Shutdown waits for in-flight invocations and closes every connection.
func (s *Serverless) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fetcherr.Wrap("executor.Shutdown", fetcherr.KindCancelled, ctx.Err())
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	var errs []error
	for addr, c := range s.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.conns, addr)
	}
	return errors.Join(errs...)
}
