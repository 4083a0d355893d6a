package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/zero-day-ai/granule/authctx"
	"github.com/zero-day-ai/granule/credentials"
	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/task"
	"github.com/zero-day-ai/granule/telemetry"
	"github.com/zero-day-ai/granule/workerctx"
)

// contextLog records which worker context ran each task.
type contextLog struct {
	mu       sync.Mutex
	byWorker map[string]map[*workerctx.Context]bool
}

func (l *contextLog) record(wc *workerctx.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byWorker == nil {
		l.byWorker = make(map[string]map[*workerctx.Context]bool)
	}
	if l.byWorker[wc.WorkerID()] == nil {
		l.byWorker[wc.WorkerID()] = make(map[*workerctx.Context]bool)
	}
	l.byWorker[wc.WorkerID()][wc] = true
}

func testRegistry(log *contextLog) *task.Registry {
	reg := task.NewRegistry()
	task.Register(reg, "double", func(_ context.Context, wc *workerctx.Context, n int) (int, error) {
		if log != nil {
			log.record(wc)
		}
		return n * 2, nil
	})
	task.Register(reg, "odd-fails", func(_ context.Context, _ *workerctx.Context, n int) (int, error) {
		if n%2 == 1 {
			return 0, fmt.Errorf("item %d is odd", n)
		}
		return n, nil
	})
	reg.Handle("panic", func(context.Context, *workerctx.Context, any) (any, error) {
		panic("handler exploded")
	})
	reg.Handle("block", func(ctx context.Context, _ *workerctx.Context, _ any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	return reg
}

func testAuth() authctx.AuthContext {
	return authctx.FromSession("PODAAC", &credentials.Credential{
		Provider:        "PODAAC",
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secret",
		Expiration:      time.Now().Add(time.Hour),
	}, credentials.Session{})
}

func ints(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindSerial, KindThreads, KindDistributed, KindServerless} {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("processes")
	assert.True(t, errors.Is(err, fetcherr.ErrConfiguration))
}

func TestFuture(t *testing.T) {
	t.Run("resolves once", func(t *testing.T) {
		f := newFuture(task.Task{ID: "a", Index: 4})
		assert.True(t, f.resolve(task.Result{Value: 1}))
		assert.False(t, f.resolve(task.Result{Value: 2}))

		res, err := f.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Value)
		assert.Equal(t, "a", res.TaskID)
		assert.Equal(t, int64(4), res.Index)
	})

	t.Run("await honours context", func(t *testing.T) {
		f := newFuture(task.Task{ID: "b"})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.Await(ctx)
		assert.True(t, errors.Is(err, fetcherr.ErrCancelled))
	})

	t.Run("cancel", func(t *testing.T) {
		f := newFuture(task.Task{ID: "c"})
		called := false
		f.setCancel(func() { called = true })
		f.Cancel()
		assert.True(t, called)
		_, err := f.Await(context.Background())
		assert.True(t, errors.Is(err, fetcherr.ErrCancelled))
		assert.Contains(t, err.Error(), "c")
	})

	t.Run("failed", func(t *testing.T) {
		f := Failed(task.Task{ID: "d"}, errors.New("nope"))
		select {
		case <-f.Done():
		default:
			t.Fatal("Failed future must be resolved")
		}
	})
}

func TestSerial(t *testing.T) {
	log := &contextLog{}
	s := NewSerial(testRegistry(log), Options{})
	defer s.Shutdown(context.Background())

	assert.Equal(t, 1, s.Workers())
	assert.Equal(t, KindSerial, s.Kind())

	auth := testAuth()
	for i := 0; i < 5; i++ {
		f := s.Submit(context.Background(), auth, task.Task{Name: "double", Input: i})
		select {
		case <-f.Done():
		default:
			t.Fatal("serial Submit must run the task before returning")
		}
		res, err := f.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i*2, res.Value)
		assert.Equal(t, "serial", res.WorkerID)
	}
	assert.Len(t, log.byWorker["serial"], 1, "one worker context across tasks")

	// a rotated AuthContext rebuilds the worker context
	f := s.Submit(context.Background(), testAuth(), task.Task{Name: "double", Input: 1})
	_, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Len(t, log.byWorker["serial"], 2)

	require.NoError(t, s.Shutdown(context.Background()))
	_, err = s.Submit(context.Background(), auth, task.Task{Name: "double", Input: 1}).Await(context.Background())
	assert.True(t, errors.Is(err, fetcherr.ErrConfiguration))
}

func TestThreadPool(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := &contextLog{}
	p := NewThreadPool(testRegistry(log), Options{Workers: 4})

	results, err := MapAll(context.Background(), p, testAuth(), "double", ints(100), FailFast)
	require.NoError(t, err)
	require.Len(t, results, 100)
	for i, r := range results {
		assert.Equal(t, int64(i), r.Index)
		assert.Equal(t, i*2, r.Value)
	}

	log.mu.Lock()
	assert.LessOrEqual(t, len(log.byWorker), 4)
	for id, contexts := range log.byWorker {
		assert.Len(t, contexts, 1, "worker %s must own exactly one context", id)
	}
	log.mu.Unlock()

	require.NoError(t, p.Shutdown(context.Background()))
	_, err = p.Submit(context.Background(), testAuth(), task.Task{Name: "double", Input: 1}).Await(context.Background())
	assert.True(t, errors.Is(err, fetcherr.ErrConfiguration))
}

func TestThreadPoolRunsConcurrently(t *testing.T) {
	reg := task.NewRegistry()
	var running, peak atomic.Int32
	reg.Handle("slow", func(context.Context, *workerctx.Context, any) (any, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	})

	p := NewThreadPool(reg, Options{Workers: 4})
	defer p.Shutdown(context.Background())

	_, err := MapAll(context.Background(), p, testAuth(), "slow", make([]any, 16), FailFast)
	require.NoError(t, err)
	assert.Greater(t, peak.Load(), int32(1))
	assert.LessOrEqual(t, peak.Load(), int32(4))
}

func TestThreadPoolErrors(t *testing.T) {
	p := NewThreadPool(testRegistry(nil), Options{Workers: 2})
	defer p.Shutdown(context.Background())
	auth := testAuth()

	_, err := p.Submit(context.Background(), auth, task.Task{ID: "p", Name: "panic"}).Await(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fetcherr.ErrWorkerTask))
	assert.Contains(t, err.Error(), "handler exploded")

	// the pool survives a panic
	res, err := p.Submit(context.Background(), auth, task.Task{Name: "double", Input: 3}).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Value)
}

func TestThreadPoolCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := NewThreadPool(testRegistry(nil), Options{Workers: 1})
	f := p.Submit(context.Background(), testAuth(), task.Task{Name: "block"})
	f.Cancel()

	_, err := f.Await(context.Background())
	assert.True(t, errors.Is(err, fetcherr.ErrCancelled))

	// the worker is free again once the handler observed cancellation
	res, err := p.Submit(context.Background(), testAuth(), task.Task{Name: "double", Input: 2}).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Value)

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestMapPolicies(t *testing.T) {
	p := NewThreadPool(testRegistry(nil), Options{Workers: 2})
	defer p.Shutdown(context.Background())
	auth := testAuth()

	t.Run("fail fast", func(t *testing.T) {
		var seen []int64
		var gotErr error
		for res, err := range Map(context.Background(), p, auth, "odd-fails", ints(10), FailFast) {
			seen = append(seen, res.Index)
			gotErr = err
		}
		assert.Equal(t, []int64{0, 1}, seen)
		assert.True(t, errors.Is(gotErr, fetcherr.ErrWorkerTask))
	})

	t.Run("collect all", func(t *testing.T) {
		results, err := MapAll(context.Background(), p, auth, "odd-fails", ints(10), CollectAll)
		require.Error(t, err)
		assert.Len(t, results, 10)
		assert.Contains(t, err.Error(), "5 errors occurred")
		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}
		assert.Equal(t, 5, failed)
	})

	t.Run("early break", func(t *testing.T) {
		n := 0
		for range Map(context.Background(), p, auth, "double", ints(50), FailFast) {
			n++
			if n == 3 {
				break
			}
		}
		assert.Equal(t, 3, n)
	})

	assert.Equal(t, "fail_fast", FailFast.String())
	assert.Equal(t, "collect_all", CollectAll.String())
}

func TestRunLocalRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tel, err := telemetry.New(tp, noop.NewMeterProvider())
	require.NoError(t, err)

	s := NewSerial(testRegistry(nil), Options{Telemetry: tel})
	defer s.Shutdown(context.Background())

	_, err = s.Submit(context.Background(), testAuth(), task.Task{ID: "t1", Name: "panic"}).Await(context.Background())
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "executor.task", spans[0].Name())
	assert.NotEmpty(t, spans[0].Events(), "error must be recorded on the span")
}
