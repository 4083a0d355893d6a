package stream

import (
	"context"
	"sync/atomic"
)

// Source yields work items one at a time. Next returns false once the
// source is exhausted. Implementations must return promptly when ctx ends.
type Source[T any] interface {
	Next(ctx context.Context) (T, bool, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc[T any] func(ctx context.Context) (T, bool, error)

func (f SourceFunc[T]) Next(ctx context.Context) (T, bool, error) { return f(ctx) }

type sliceSource[T any] struct {
	items []T
	pos   int
}

// FromSlice returns a Source over items.
func FromSlice[T any](items []T) Source[T] {
	return &sliceSource[T]{items: items}
}

func (s *sliceSource[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	if s.pos >= len(s.items) {
		return zero, false, nil
	}
	v := s.items[s.pos]
	s.pos++
	return v, true, nil
}

// PageFunc fetches page number page (from zero) holding up to pageSize
// items. An empty page ends the source.
type PageFunc[T any] func(ctx context.Context, page, pageSize int) ([]T, error)

// Pages is a Source over a paginated listing, such as a catalog search.
// Pages are fetched lazily, one at a time, as items are pulled.
type Pages[T any] struct {
	fetch    PageFunc[T]
	pageSize int

	page    int
	buf     []T
	done    bool
	fetched atomic.Int64
}

// Paginate returns a Source that calls fetch for successive pages. A page
// shorter than pageSize is treated as the last one.
func Paginate[T any](pageSize int, fetch PageFunc[T]) *Pages[T] {
	if pageSize <= 0 {
		pageSize = 1
	}
	return &Pages[T]{fetch: fetch, pageSize: pageSize}
}

func (p *Pages[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	for len(p.buf) == 0 {
		if p.done {
			return zero, false, nil
		}
		if err := ctx.Err(); err != nil {
			return zero, false, err
		}

		items, err := p.fetch(ctx, p.page, p.pageSize)
		if err != nil {
			return zero, false, err
		}
		p.page++
		p.fetched.Add(1)

		if len(items) < p.pageSize {
			p.done = true
		}
		p.buf = items
	}

	v := p.buf[0]
	p.buf = p.buf[1:]
	return v, true, nil
}

// PagesFetched returns how many pages have been requested so far. It is
// safe to call while the source is being consumed.
func (p *Pages[T]) PagesFetched() int64 {
	return p.fetched.Load()
}
