package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/zero-day-ai/granule/authctx"
	"github.com/zero-day-ai/granule/config"
	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/queue"
	"github.com/zero-day-ai/granule/task"
	"github.com/zero-day-ai/granule/telemetry"
	"github.com/zero-day-ai/granule/workerctx"
)

// Options configures the worker behavior.
type Options struct {
	// RedisURL is the Redis connection string. Ignored when Client is set.
	RedisURL string

	// Client is an existing queue connection. Run does not close it.
	Client queue.Client

	// Pool is the queue pool to serve. Default: "default".
	Pool string

	// Concurrency is the number of worker goroutines. If 0, uses the
	// config's worker section or 4.
	Concurrency int

	// ShutdownTimeout bounds the wait for running tasks after ctx ends.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is the interval between health heartbeats.
	HeartbeatInterval time.Duration

	// PopTimeout bounds one blocking pop so goroutines notice shutdown.
	PopTimeout time.Duration

	// Config is the parsed granule.yaml. Explicit options win over it.
	Config *config.Config

	// WorkerContext configures the filesystems each goroutine builds.
	WorkerContext workerctx.Options

	Logger    *slog.Logger
	Telemetry *telemetry.Telemetry
}

func applyConfig(opts Options) Options {
	var wc *config.WorkerConfig
	var dc *config.DistributedConfig
	if opts.Config != nil {
		wc = opts.Config.Worker
		dc = opts.Config.Distributed
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = wc.GetConcurrency()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = wc.GetShutdownTimeout()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = wc.GetHeartbeatInterval()
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = wc.GetPopTimeout()
	}
	// BRPOP takes whole seconds; anything shorter blocks forever.
	opts.PopTimeout = max(opts.PopTimeout, time.Second)
	if opts.Pool == "" {
		opts.Pool = dc.GetPool()
	}
	if opts.RedisURL == "" {
		opts.RedisURL = dc.GetRedisURL()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Default()
	}
	if opts.Config != nil && opts.Config.Storage != nil && opts.WorkerContext.Factory == nil &&
		opts.WorkerContext.S3Endpoint == "" && opts.WorkerContext.GCSEndpoint == "" {
		opts.WorkerContext = workerctx.OptionsFromConfig(opts.Config.Storage, opts.WorkerContext.Logger)
	}
	if opts.WorkerContext.Logger == nil {
		opts.WorkerContext.Logger = opts.Logger
	}
	return opts
}

// Run serves the pool queue with handlers from reg until ctx is cancelled,
// then waits up to ShutdownTimeout for running tasks to finish.
func Run(ctx context.Context, reg *task.Registry, opts Options) error {
	opts = applyConfig(opts)

	client := opts.Client
	if client == nil {
		rc, err := queue.NewRedisClient(queue.RedisOptions{URL: opts.RedisURL, Logger: opts.Logger})
		if err != nil {
			return fetcherr.Wrap("worker.Run", fetcherr.KindConfiguration, fmt.Errorf("failed to connect to Redis: %w", err))
		}
		defer rc.Close()
		client = rc
	}

	workerID := generateWorkerID()
	logger := opts.Logger.With("worker_id", workerID, "pool", opts.Pool)

	hostname, _ := os.Hostname()
	meta := queue.WorkerMeta{
		ID:          workerID,
		Pool:        opts.Pool,
		Hostname:    hostname,
		Handlers:    reg.Names(),
		Concurrency: opts.Concurrency,
		StartedAt:   time.Now().UnixMilli(),
	}
	if err := client.RegisterWorker(ctx, meta); err != nil {
		logger.Error("failed to register worker", "error", err)
		return fmt.Errorf("failed to register worker: %w", err)
	}
	if err := client.IncrementWorkerCount(ctx, opts.Pool, opts.Concurrency); err != nil {
		logger.Error("failed to increment worker count", "error", err)
	}

	defer func() {
		// ctx is already cancelled here
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := client.DecrementWorkerCount(cleanupCtx, opts.Pool, opts.Concurrency); err != nil {
			logger.Error("failed to decrement worker count", "error", err)
		}
		if err := client.DeregisterWorker(cleanupCtx, opts.Pool, workerID); err != nil {
			logger.Error("failed to deregister worker", "error", err)
		}
	}()

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go runHeartbeat(heartbeatCtx, client, workerID, opts.HeartbeatInterval, logger)

	contexts := workerctx.NewRegistry(opts.WorkerContext)
	defer func() {
		if err := contexts.CloseAll(); err != nil {
			logger.Warn("failed to close worker contexts", "error", err)
		}
	}()

	w := &loop{
		client:   client,
		reg:      reg,
		contexts: contexts,
		queue:    queue.QueueKey(opts.Pool),
		timeout:  opts.PopTimeout,
		tel:      opts.Telemetry,
	}

	// Tasks run on a context that outlives ctx by ShutdownTimeout.
	taskCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTasks()

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.run(ctx, taskCtx, fmt.Sprintf("%s-%d", workerID, n), logger.With("worker_num", n))
		}(i)
	}

	logger.Info("worker started", "workers", opts.Concurrency, "queue", w.queue, "handlers", meta.Handlers)

	<-ctx.Done()
	logger.Info("initiating graceful shutdown")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("worker shutdown complete")
	case <-time.After(opts.ShutdownTimeout):
		logger.Warn("worker shutdown timeout exceeded", "timeout", opts.ShutdownTimeout)
		cancelTasks()
		<-done
	}
	return nil
}

// runHeartbeat refreshes the worker's health key until ctx ends.
func runHeartbeat(ctx context.Context, client queue.Client, workerID string, interval time.Duration, logger *slog.Logger) {
	if err := client.Heartbeat(ctx, workerID); err != nil {
		logger.Debug("heartbeat failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(ctx, workerID); err != nil {
				// transient; the key has a 30s TTL
				logger.Debug("heartbeat failed", "error", err)
			}
		}
	}
}

type loop struct {
	client   queue.Client
	reg      *task.Registry
	contexts *workerctx.Registry
	queue    string
	timeout  time.Duration
	tel      *telemetry.Telemetry
}

// run is the loop of one worker goroutine. It stops popping when ctx ends;
// the task in hand finishes under taskCtx.
func (l *loop) run(ctx, taskCtx context.Context, id string, logger *slog.Logger) {
	defer func() {
		if err := l.contexts.Release(id); err != nil {
			logger.Warn("failed to release worker context", "error", err)
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		env, err := l.client.Pop(ctx, l.queue, l.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			logger.Error("failed to pop envelope", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		if env == nil {
			continue
		}

		result := l.process(taskCtx, id, *env, logger)
		if err := l.client.Publish(taskCtx, queue.ResultChannel(env.JobID), result); err != nil {
			logger.Error("failed to publish result", "job_id", env.JobID, "task_id", env.TaskID, "error", err)
		}
	}
}

// process runs one envelope and always returns a result.
func (l *loop) process(ctx context.Context, id string, env queue.Envelope, logger *slog.Logger) queue.Result {
	result := queue.Result{
		JobID:     env.JobID,
		TaskID:    env.TaskID,
		Index:     env.Index,
		WorkerID:  id,
		StartedAt: time.Now().UnixMilli(),
	}
	fail := func(err error) queue.Result {
		result.Error = err.Error()
		result.ErrorKind = string(fetcherr.KindOf(err))
		result.CompletedAt = time.Now().UnixMilli()
		return result
	}

	if err := env.Validate(); err != nil {
		logger.Error("invalid envelope", "error", err)
		return fail(fetcherr.Wrap("worker.process", fetcherr.KindSerialization, err))
	}

	cancelled, err := l.client.IsCancelled(ctx, env.JobID)
	if err != nil {
		logger.Warn("failed to check job cancellation", "job_id", env.JobID, "error", err)
	}
	if cancelled {
		logger.Debug("skipping cancelled job", "job_id", env.JobID, "task_id", env.TaskID)
		return fail(fetcherr.New("worker.process", fetcherr.KindCancelled, "job cancelled").WithItem(env.TaskID))
	}

	auth, err := l.loadAuth(ctx, env.SessionID)
	if err != nil {
		logger.Error("failed to load session", "session_id", env.SessionID, "error", err)
		return fail(err)
	}

	var input any
	if len(env.Input) > 0 {
		if err := json.Unmarshal(env.Input, &input); err != nil {
			return fail(fetcherr.Wrap("worker.process", fetcherr.KindSerialization, err))
		}
	}

	wc := l.contexts.Acquire(id, auth)
	out, err := l.reg.Execute(ctx, wc, task.Task{ID: env.TaskID, Index: env.Index, Name: env.Handler, Input: input})
	l.tel.TaskFinished(ctx, "worker", err)
	if err != nil {
		logger.Info("task failed", "job_id", env.JobID, "task_id", env.TaskID, "error", err)
		return fail(err)
	}

	if err := task.CheckSerializable(out); err != nil {
		return fail(err)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fail(fetcherr.Wrap("worker.process", fetcherr.KindSerialization, err))
	}

	result.Output = data
	result.CompletedAt = time.Now().UnixMilli()
	logger.Debug("task completed",
		"job_id", env.JobID,
		"task_id", env.TaskID,
		"duration_ms", result.CompletedAt-result.StartedAt,
	)
	return result
}

func (l *loop) loadAuth(ctx context.Context, sessionID string) (authctx.AuthContext, error) {
	raw, err := l.client.LoadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, queue.ErrSessionNotFound) {
			return authctx.AuthContext{}, fetcherr.Wrap("worker.loadAuth", fetcherr.KindExpiredCredential, err)
		}
		return authctx.AuthContext{}, fetcherr.Wrap("worker.loadAuth", fetcherr.KindConfiguration, err)
	}
	return authctx.FromPrimitive(raw)
}

// generateWorkerID returns hostname-pid-uuid8.
func generateWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.New().String()[:8])
}
