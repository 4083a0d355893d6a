package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/zero-day-ai/granule/authctx"
	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/queue"
	"github.com/zero-day-ai/granule/task"
	"github.com/zero-day-ai/granule/telemetry"
)

// DistributedOptions configures a Distributed executor.
type DistributedOptions struct {
	// Client is the Redis connection. Required.
	Client queue.Client

	// Pool is the worker pool tasks are pushed to. Default: "default".
	Pool string

	// Workers overrides the reported worker count. Zero asks Redis for the
	// number of goroutines registered in the pool.
	Workers int

	// SessionTTL bounds how long a stored AuthContext stays readable by
	// workers. Default: 1h.
	SessionTTL time.Duration

	// CancelTTL bounds how long the cancellation flag of a job is kept.
	// Default: 1h.
	CancelTTL time.Duration

	Logger    *slog.Logger
	Telemetry *telemetry.Telemetry
}

// Distributed pushes tasks to remote worker processes through Redis and
// collects their results from a pub/sub channel owned by the executor.
//
// The AuthContext of a submission is stored once per ID as a session that
// envelopes reference, so credentials are not repeated per task. Cancelling
// is best-effort: envelopes not yet popped are skipped by workers, running
// ones finish and their results are discarded.
type Distributed struct {
	client queue.Client
	opts   DistributedOptions
	logger *slog.Logger
	jobID  string

	pending  *xsync.MapOf[string, *Future]
	sessions *xsync.MapOf[string, struct{}]

	stopSub   context.CancelFunc
	collected chan struct{}
	closed    atomic.Bool
}

// NewDistributed subscribes to the result channel of a new job. The
// subscription is live before NewDistributed returns, so no result can be
// published before it is being listened for.
func NewDistributed(ctx context.Context, opts DistributedOptions) (*Distributed, error) {
	const op = "executor.NewDistributed"

	if opts.Client == nil {
		return nil, fetcherr.New(op, fetcherr.KindConfiguration, "distributed executor requires a queue client")
	}
	if opts.Pool == "" {
		opts.Pool = "default"
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = time.Hour
	}
	if opts.CancelTTL <= 0 {
		opts.CancelTTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Default()
	}

	d := &Distributed{
		client:    opts.Client,
		opts:      opts,
		jobID:     uuid.NewString(),
		pending:   xsync.NewMapOf[string, *Future](),
		sessions:  xsync.NewMapOf[string, struct{}](),
		collected: make(chan struct{}),
	}
	d.logger = opts.Logger.With("job_id", d.jobID, "pool", opts.Pool)

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	results, err := opts.Client.Subscribe(subCtx, queue.ResultChannel(d.jobID))
	if err != nil {
		cancel()
		return nil, fetcherr.Wrap(op, fetcherr.KindConfiguration, err)
	}
	d.stopSub = cancel

	go d.collect(results)
	return d, nil
}

// JobID identifies the envelopes and result channel of this executor.
func (d *Distributed) JobID() string { return d.jobID }

// Submit stores the session if needed and pushes t to the pool queue.
func (d *Distributed) Submit(ctx context.Context, auth authctx.AuthContext, t task.Task) *Future {
	const op = "executor.Submit"

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if d.closed.Load() {
		return Failed(t, fetcherr.New(op, fetcherr.KindConfiguration, "executor is shut down"))
	}
	if err := task.CheckSerializable(t.Input); err != nil {
		return Failed(t, err)
	}
	input, err := json.Marshal(t.Input)
	if err != nil {
		return Failed(t, fetcherr.Wrap(op, fetcherr.KindSerialization, err))
	}
	if err := d.ensureSession(ctx, auth); err != nil {
		return Failed(t, err)
	}

	f := newFuture(t)
	taskID := t.ID
	f.setCancel(func() { d.pending.Delete(taskID) })
	d.pending.Store(t.ID, f)

	env := queue.Envelope{
		JobID:       d.jobID,
		SessionID:   auth.ID,
		TaskID:      t.ID,
		Index:       t.Index,
		Handler:     t.Name,
		Input:       input,
		SubmittedAt: time.Now().UnixMilli(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		env.TraceID = sc.TraceID().String()
		env.SpanID = sc.SpanID().String()
	}

	if err := d.client.Push(ctx, queue.QueueKey(d.opts.Pool), env); err != nil {
		d.pending.Delete(t.ID)
		f.resolve(task.Result{Err: fetcherr.WorkerTask(op, t.ID, err)})
		return f
	}
	d.opts.Telemetry.TaskSubmitted(ctx, string(KindDistributed))

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				f.Cancel()
			case <-f.Done():
			}
		}()
	}
	return f
}

func (d *Distributed) ensureSession(ctx context.Context, auth authctx.AuthContext) error {
	if auth.ID == "" {
		return fetcherr.New("executor.Submit", fetcherr.KindConfiguration, "auth context has no id")
	}
	if _, ok := d.sessions.Load(auth.ID); ok {
		return nil
	}
	if err := d.client.StoreSession(ctx, auth.ID, auth.ToPrimitive(), d.opts.SessionTTL); err != nil {
		return fetcherr.Wrap("executor.Submit", fetcherr.KindConfiguration, err)
	}
	d.sessions.Store(auth.ID, struct{}{})
	d.logger.Debug("stored session", "auth_id", auth.ID, "provider", auth.Provider)
	return nil
}

func (d *Distributed) collect(results <-chan queue.Result) {
	defer close(d.collected)

	for r := range results {
		if r.JobID != d.jobID {
			continue
		}
		f, ok := d.pending.LoadAndDelete(r.TaskID)
		if !ok {
			continue
		}

		res := task.Result{WorkerID: r.WorkerID}
		if r.HasError() {
			res.Err = fetcherr.FromRemote("executor.distributed", r.ErrorKind, r.TaskID, r.Error)
		} else if len(r.Output) > 0 {
			var v any
			if err := json.Unmarshal(r.Output, &v); err != nil {
				res.Err = fetcherr.Wrap("executor.distributed", fetcherr.KindSerialization, err)
			} else {
				res.Value = v
			}
		}
		d.opts.Telemetry.TaskFinished(context.Background(), string(KindDistributed), res.Err)
		f.resolve(res)
	}

	// The subscription ended: nothing pending can complete any more.
	d.pending.Range(func(id string, f *Future) bool {
		d.pending.Delete(id)
		f.resolve(task.Result{Err: fetcherr.New("executor.distributed", fetcherr.KindCancelled, "result subscription closed").WithItem(id)})
		return true
	})
}

// Workers returns the configured worker count, or the number of worker
// goroutines registered for the pool. It never returns less than 1.
func (d *Distributed) Workers() int {
	if d.opts.Workers > 0 {
		return d.opts.Workers
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := d.client.GetWorkerCount(ctx, d.opts.Pool)
	if err != nil {
		d.logger.Warn("failed to read worker count", "error", err)
		return 1
	}
	return max(n, 1)
}

func (d *Distributed) Kind() Kind { return KindDistributed }

// Shutdown flags the job as cancelled when tasks are still pending, stops
// the result subscription and resolves anything outstanding as cancelled.
// The queue client is left open.
func (d *Distributed) Shutdown(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if d.pending.Size() > 0 {
		if cerr := d.client.CancelJob(ctx, d.jobID, d.opts.CancelTTL); cerr != nil {
			err = fetcherr.Wrap("executor.Shutdown", fetcherr.KindConfiguration, cerr)
		}
	}

	d.stopSub()
	select {
	case <-d.collected:
	case <-ctx.Done():
		return fetcherr.Wrap("executor.Shutdown", fetcherr.KindCancelled, ctx.Err())
	}
	return err
}
