// Package task defines the unit of work submitted to an executor and the
// registry of named handlers that run it.
//
// Executors never ship closures. A Task names a handler registered in a
// Registry and carries a serializable input, so every backend (the serial
// loop, the goroutine pool, a remote Redis worker, a serverless function)
// runs the same code for the same item.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sourcegraph/conc/panics"

	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/workerctx"
)

// Task is one work item bound to a handler name.
type Task struct {
	// ID identifies the task within a session.
	ID string `json:"id"`

	// Index is the item's position in its source, used by ordered output.
	Index int64 `json:"index"`

	// Name is the registered handler name.
	Name string `json:"name"`

	// Input is the item. Remote backends require it to be serializable.
	Input any `json:"input"`
}

// Result is the outcome of one Task.
type Result struct {
	TaskID   string `json:"task_id"`
	Index    int64  `json:"index"`
	Value    any    `json:"value,omitempty"`
	Err      error  `json:"-"`
	WorkerID string `json:"worker_id,omitempty"`
}

// Handler runs one task inside a worker. Handlers must open, consume and
// close every resource they use before returning; the returned value must
// be plain data.
type Handler func(ctx context.Context, wc *workerctx.Context, input any) (any, error)

// Registry maps handler names to Handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Handle registers h under name, replacing any previous handler.
func (r *Registry) Handle(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run executes t with its registered handler. A missing handler or a handler
// error is reported as a KindWorkerTask error scoped to the task.
func (r *Registry) Run(ctx context.Context, wc *workerctx.Context, t Task) (any, error) {
	const op = "task.Run"

	h, ok := r.Lookup(t.Name)
	if !ok {
		return nil, fetcherr.WorkerTask(op, t.ID, fmt.Errorf("no handler registered for %q", t.Name))
	}
	out, err := h(ctx, wc, t.Input)
	if err != nil {
		// Errors that already carry a kind, such as authentication, keep it.
		var fe *fetcherr.Error
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, fetcherr.WorkerTask(op, t.ID, err)
	}
	return out, nil
}

// Execute is Run with a handler panic reported as a KindWorkerTask error
// instead of unwinding the caller.
func (r *Registry) Execute(ctx context.Context, wc *workerctx.Context, t Task) (out any, err error) {
	var catcher panics.Catcher
	catcher.Try(func() {
		out, err = r.Run(ctx, wc, t)
	})
	if rec := catcher.Recovered(); rec != nil {
		return nil, fetcherr.WorkerTask("task.Run", t.ID, rec.AsError())
	}
	return out, err
}

// Register adds a typed handler. Inputs that arrive in a generic form (a
// JSON-decoded map from a remote queue, a float64 for an integer) are
// converted to I before fn is called.
func Register[I, O any](r *Registry, name string, fn func(ctx context.Context, wc *workerctx.Context, in I) (O, error)) {
	r.Handle(name, func(ctx context.Context, wc *workerctx.Context, input any) (any, error) {
		in, err := Decode[I](input)
		if err != nil {
			return nil, err
		}
		return fn(ctx, wc, in)
	})
}

// Decode converts v to T. Values already of type T are returned as is.
func Decode[T any](v any) (T, error) {
	var out T
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	if v == nil {
		return out, nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		WeaklyTypedInput: true,
		TagName:          "json",
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(v); err != nil {
		// Fall back to a JSON round trip for types mapstructure cannot
		// populate, such as those with custom unmarshalers.
		out = *new(T)
		data, merr := json.Marshal(v)
		if merr != nil {
			return out, fetcherr.Serialization("task.Decode", fmt.Sprintf("cannot convert %T to %T: %v", v, out, err))
		}
		if uerr := json.Unmarshal(data, &out); uerr != nil {
			return out, fetcherr.Serialization("task.Decode", fmt.Sprintf("cannot convert %T to %T: %v", v, out, uerr))
		}
	}
	return out, nil
}
