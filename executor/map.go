package executor

import (
	"context"
	"iter"

	"github.com/hashicorp/go-multierror"

	"github.com/zero-day-ai/granule/authctx"
	"github.com/zero-day-ai/granule/task"
)

// Policy decides what a failing item does to the rest of a batch.
type Policy int

const (
	// FailFast stops at the first error and cancels outstanding tasks.
	FailFast Policy = iota

	// CollectAll runs every item and reports each error with its result.
	CollectAll
)

func (p Policy) String() string {
	if p == CollectAll {
		return "collect_all"
	}
	return "fail_fast"
}

// Map runs the handler name over inputs and yields results in input order.
// At most twice the executor's worker count of tasks are outstanding at
// once. Breaking out of the loop cancels whatever is still running.
func Map(ctx context.Context, exec Executor, auth authctx.AuthContext, name string, inputs []any, policy Policy) iter.Seq2[task.Result, error] {
	return func(yield func(task.Result, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		window := max(2*exec.Workers(), 1)
		pending := make([]*Future, 0, window)
		next := 0

		abandon := func() {
			for _, f := range pending {
				f.Cancel()
			}
		}

		for next < len(inputs) || len(pending) > 0 {
			for next < len(inputs) && len(pending) < window {
				t := task.Task{Index: int64(next), Name: name, Input: inputs[next]}
				pending = append(pending, exec.Submit(ctx, auth, t))
				next++
			}

			f := pending[0]
			pending = pending[1:]
			res, err := f.Await(ctx)

			if err != nil && policy == FailFast {
				abandon()
				yield(res, err)
				return
			}
			if !yield(res, err) {
				abandon()
				return
			}
		}
	}
}

// MapAll collects Map into a slice. Under CollectAll the returned error
// joins every item error; under FailFast it is the first one and the slice
// holds the results before it.
func MapAll(ctx context.Context, exec Executor, auth authctx.AuthContext, name string, inputs []any, policy Policy) ([]task.Result, error) {
	results := make([]task.Result, 0, len(inputs))
	var merr *multierror.Error

	for res, err := range Map(ctx, exec, auth, name, inputs, policy) {
		if err != nil {
			if policy == FailFast {
				return results, err
			}
			merr = multierror.Append(merr, err)
		}
		results = append(results, res)
	}
	return results, merr.ErrorOrNil()
}
