// Package stream runs a task over every item of a Source and yields the
// results as they become available.
//
// A Stream is a bounded producer/consumer pipeline. One producer pulls
// items from the source into a BoundedQueue of PrefetchDepth × PageSize
// slots and blocks when it is full. As many consumers as the executor has
// workers pop items, submit them, and forward the results. When the
// source is exhausted the producer enqueues one end marker per consumer.
//
// With a Serial executor no goroutines are started: each call to Next
// pulls one item and runs it in the caller.
//
// A Stream moves through Idle, Running, Draining or Cancelled, and Closed.
// It starts on the first Next and releases its goroutines exactly once, on
// Close or when the last result has been delivered.
package stream

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/zero-day-ai/granule/authctx"
	"github.com/zero-day-ai/granule/executor"
	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/task"
)

// State is the lifecycle phase of a Stream.
type State int32

const (
	Idle State = iota
	Running
	Draining
	Cancelled
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Cancelled:
		return "cancelled"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// AuthSource supplies the AuthContext for each submitted task.
// *authctx.Provider implements it and rotates the context as credentials
// approach expiry.
type AuthSource interface {
	Current(ctx context.Context) (authctx.AuthContext, error)
}

type staticAuth authctx.AuthContext

func (a staticAuth) Current(context.Context) (authctx.AuthContext, error) {
	return authctx.AuthContext(a), nil
}

// Static returns an AuthSource that always yields auth.
func Static(auth authctx.AuthContext) AuthSource { return staticAuth(auth) }

// Result is the outcome of one item.
type Result[O any] struct {
	// Index is the item's position in the source.
	Index int64

	// Value is the task output. It is the zero value when Err is set.
	Value O

	// Err is the item's error. Only CollectAll streams deliver results with
	// Err set.
	Err error

	// WorkerID identifies the worker that ran the task.
	WorkerID string
}

// Stats is a snapshot of a Stream's counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64

	// QueueCapacity and QueueHighWater describe the prefetch queue.
	QueueCapacity  int
	QueueHighWater int

	// ReorderCapacity and ReorderHighWater describe the reorder buffer of
	// an ordered stream. Both are zero otherwise.
	ReorderCapacity  int
	ReorderHighWater int

	// Cancelled reports that the stream stopped before the source was
	// exhausted.
	Cancelled bool
}

type slot struct {
	item  any
	index int64
	end   bool
}

// Stream is a running pipeline. Next and All must be called from one
// goroutine; Close, Err, State and Stats are safe from any goroutine.
type Stream[O any] struct {
	exec     executor.Executor
	auth     AuthSource
	taskName string
	pull     func(ctx context.Context) (any, bool, error)
	opts     options
	logger   *slog.Logger
	id       string

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	cancelled atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	drained   atomic.Bool

	queue     *BoundedQueue[slot]
	consumers int
	out       chan Result[O]
	wg        sync.WaitGroup

	// inline mode
	inline    bool
	nextIndex int64

	// ordered mode: a consumer takes a window slot before popping an item
	// and Next returns it when that item is yielded, so at most cap(window)
	// items are in flight or buffered beyond the next one due.
	pending     map[int64]Result[O]
	want        int64
	window      chan struct{}
	reorderHigh atomic.Int64

	errMu    sync.Mutex
	fatal    error
	itemErrs *multierror.Error

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// Run prepares a Stream that applies the handler registered as taskName to
// every item of src. Nothing runs until the first call to Next. The
// executor is borrowed; closing the stream does not shut it down.
func Run[I, O any](ctx context.Context, exec executor.Executor, auth AuthSource, src Source[I], taskName string, opts ...Option) *Stream[O] {
	o := newOptions(opts)

	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream[O]{
		exec:     exec,
		auth:     auth,
		taskName: taskName,
		pull: func(ctx context.Context) (any, bool, error) {
			return src.Next(ctx)
		},
		opts:    o,
		id:      uuid.NewString(),
		parent:  ctx,
		ctx:     streamCtx,
		cancel:  cancel,
		inline:  exec.Kind() == executor.KindSerial,
		queue:   NewBoundedQueue[slot](o.prefetchDepth * o.pageSize),
		pending: make(map[int64]Result[O]),
	}
	if !s.inline {
		s.consumers = o.consumers
		if s.consumers <= 0 {
			s.consumers = max(exec.Workers(), 1)
		}
		if o.ordered {
			s.window = make(chan struct{}, s.queue.Cap()+s.consumers)
		}
	}
	s.logger = o.logger.With("stream", s.id, "task", taskName, "executor", string(exec.Kind()))
	return s
}

// State returns the current lifecycle phase.
func (s *Stream[O]) State() State { return State(s.state.Load()) }

// Stats returns a snapshot of the stream's counters.
func (s *Stream[O]) Stats() Stats {
	return Stats{
		Submitted:      s.submitted.Load(),
		Completed:      s.completed.Load(),
		Failed:         s.failed.Load(),
		QueueCapacity:  s.queue.Cap(),
		QueueHighWater: s.queue.HighWater(),

		ReorderCapacity:  cap(s.window),
		ReorderHighWater: int(s.reorderHigh.Load()),

		Cancelled: s.cancelled.Load(),
	}
}

// Err returns the error that stopped the stream, or for CollectAll
// streams the joined per-item errors. It returns nil for a stream closed
// by the caller.
func (s *Stream[O]) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.fatal != nil {
		return s.fatal
	}
	return s.itemErrs.ErrorOrNil()
}

func (s *Stream[O]) start() {
	s.startOnce.Do(func() {
		if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
			return
		}
		if s.inline {
			s.logger.Debug("stream started inline")
			return
		}

		consumers := s.consumers
		s.logger.Debug("stream started",
			"consumers", consumers,
			"queue_capacity", s.queue.Cap(),
		)

		s.out = make(chan Result[O], consumers)

		var consumerWG sync.WaitGroup
		s.wg.Add(consumers + 2)
		consumerWG.Add(consumers)
		go s.produce(consumers)
		for range consumers {
			go func() {
				defer s.wg.Done()
				defer consumerWG.Done()
				s.consume()
			}()
		}
		go func() {
			defer s.wg.Done()
			consumerWG.Wait()
			close(s.out)
		}()
	})
}

// Next blocks until the next result is available. It returns false once
// the stream has ended, after which Err reports why. If ctx ends while
// waiting, the stream is cancelled.
func (s *Stream[O]) Next(ctx context.Context) (Result[O], bool) {
	var zero Result[O]
	if s.State() == Closed {
		return zero, false
	}
	s.start()
	if s.State() == Closed {
		return zero, false
	}

	if s.inline {
		return s.nextInline(ctx)
	}

	for {
		if s.opts.ordered {
			if r, ok := s.pending[s.want]; ok {
				delete(s.pending, s.want)
				s.want++
				s.release()
				return r, true
			}
		}

		select {
		case r, ok := <-s.out:
			if !ok {
				s.finish()
				return zero, false
			}
			if s.opts.ordered {
				if r.Index != s.want {
					s.pending[r.Index] = r
					if n := int64(len(s.pending)); n > s.reorderHigh.Load() {
						s.reorderHigh.Store(n)
					}
					continue
				}
				s.want++
				s.release()
			}
			return r, true
		case <-ctx.Done():
			s.fail(fetcherr.Wrap("stream.Next", fetcherr.KindCancelled, ctx.Err()))
			s.Close()
			return zero, false
		}
	}
}

func (s *Stream[O]) nextInline(ctx context.Context) (Result[O], bool) {
	var zero Result[O]

	if err := s.ctx.Err(); err != nil {
		s.finish()
		return zero, false
	}

	item, ok, err := s.pull(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			s.fail(fmt.Errorf("stream source: %w", err))
		}
		s.finish()
		return zero, false
	}
	if !ok {
		s.state.CompareAndSwap(int32(Running), int32(Draining))
		s.drained.Store(true)
		s.finish()
		return zero, false
	}

	index := s.nextIndex
	s.nextIndex++

	r, keep := s.execute(ctx, slot{item: item, index: index})
	if !keep {
		s.finish()
		return zero, false
	}
	return r, true
}

// execute resolves auth, submits one item and waits for it. It returns
// false when the stream must stop.
func (s *Stream[O]) execute(waitCtx context.Context, sl slot) (Result[O], bool) {
	auth, err := s.auth.Current(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			s.fail(err)
		}
		return Result[O]{}, false
	}

	s.submitted.Add(1)
	f := s.exec.Submit(s.ctx, auth, task.Task{
		ID:    fmt.Sprintf("%s-%d", s.id, sl.index),
		Index: sl.index,
		Name:  s.taskName,
		Input: sl.item,
	})

	res, err := f.Await(waitCtx)
	if err != nil && (s.ctx.Err() != nil || waitCtx.Err() != nil) {
		f.Cancel()
		if s.ctx.Err() == nil {
			s.fail(fetcherr.Wrap("stream.Next", fetcherr.KindCancelled, waitCtx.Err()))
		}
		return Result[O]{}, false
	}

	r := Result[O]{Index: sl.index, WorkerID: res.WorkerID, Err: err}
	if err == nil {
		r.Value, r.Err = task.Decode[O](res.Value)
	}

	if r.Err == nil {
		s.completed.Add(1)
		return r, true
	}

	s.failed.Add(1)
	if !s.opts.collectAll || fetcherr.IsFatal(r.Err) {
		s.fail(r.Err)
		return Result[O]{}, false
	}

	s.errMu.Lock()
	s.itemErrs = multierror.Append(s.itemErrs, r.Err)
	s.errMu.Unlock()
	s.logger.Debug("item failed", "index", sl.index, "error", r.Err)
	return r, true
}

func (s *Stream[O]) produce(consumers int) {
	defer s.wg.Done()

	var index int64
	for {
		if s.ctx.Err() != nil {
			return
		}

		item, ok, err := s.pull(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(fmt.Errorf("stream source: %w", err))
			}
			return
		}
		if !ok {
			break
		}

		if err := s.queue.Push(s.ctx, slot{item: item, index: index}); err != nil {
			return
		}
		index++
	}

	s.state.CompareAndSwap(int32(Running), int32(Draining))
	s.logger.Debug("source exhausted", "items", index)

	for range consumers {
		if err := s.queue.Push(s.ctx, slot{end: true}); err != nil {
			return
		}
	}
}

func (s *Stream[O]) consume() {
	for {
		if s.window != nil {
			select {
			case s.window <- struct{}{}:
			case <-s.ctx.Done():
				return
			}
		}

		sl, err := s.queue.Pop(s.ctx)
		if err != nil || sl.end {
			s.release()
			return
		}

		r, keep := s.execute(s.ctx, sl)
		if !keep {
			return
		}

		select {
		case s.out <- r:
		case <-s.ctx.Done():
			return
		}
	}
}

// release returns a window slot taken by consume.
func (s *Stream[O]) release() {
	if s.window == nil {
		return
	}
	select {
	case <-s.window:
	default:
	}
}

// fail records the first fatal error and cancels the pipeline.
func (s *Stream[O]) fail(err error) {
	s.errMu.Lock()
	first := s.fatal == nil
	if first {
		s.fatal = err
	}
	s.errMu.Unlock()

	if first {
		s.logger.Debug("stream failed", "error", err)
		s.markCancelled()
		s.cancel()
	}
}

func (s *Stream[O]) markCancelled() {
	s.cancelled.Store(true)
	s.state.CompareAndSwap(int32(Running), int32(Cancelled))
	s.state.CompareAndSwap(int32(Draining), int32(Cancelled))
}

// finish is called once the last result has been read.
func (s *Stream[O]) finish() {
	if s.parent.Err() != nil {
		s.fail(fetcherr.Wrap("stream", fetcherr.KindCancelled, s.parent.Err()))
	}
	if !s.cancelled.Load() {
		s.drained.Store(true)
	}
	s.Close()
}

// Close stops the pipeline and waits for its goroutines. Tasks already
// submitted are cancelled on a best-effort basis. Close is idempotent and
// always returns nil.
func (s *Stream[O]) Close() error {
	s.closeOnce.Do(func() {
		if st := s.State(); (st == Running || st == Draining) && !s.drained.Load() {
			s.markCancelled()
		}
		s.cancel()
		s.wg.Wait()
		s.state.Store(int32(Closed))

		st := s.Stats()
		s.logger.Debug("stream closed",
			"submitted", st.Submitted,
			"completed", st.Completed,
			"failed", st.Failed,
			"queue_high_water", st.QueueHighWater,
			"cancelled", st.Cancelled,
		)
	})
	return nil
}

// All returns an iterator over the remaining results. Each result is
// yielded with its item error, which is only non-nil for CollectAll
// streams. If the stream stops on an error, a final pair carrying that
// error and an Index of -1 is yielded. Breaking out of the loop closes
// the stream.
func (s *Stream[O]) All(ctx context.Context) iter.Seq2[Result[O], error] {
	return func(yield func(Result[O], error) bool) {
		defer s.Close()

		for {
			r, ok := s.Next(ctx)
			if !ok {
				break
			}
			if !yield(r, r.Err) {
				return
			}
		}

		s.errMu.Lock()
		err := s.fatal
		s.errMu.Unlock()
		if err != nil {
			yield(Result[O]{Index: -1}, err)
		}
	}
}

// Collect drains the stream into a slice.
func (s *Stream[O]) Collect(ctx context.Context) ([]Result[O], error) {
	var out []Result[O]
	for r, ok := s.Next(ctx); ok; r, ok = s.Next(ctx) {
		out = append(out, r)
	}
	s.Close()
	return out, s.Err()
}
