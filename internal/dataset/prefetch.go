// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// Prefetcher loads items 0 to n-1 ahead of their use, in a background goroutine, and serves them in order.
//
// At most depth items are kept loaded and waiting. With depth 0 items are loaded synchronously by Next.
type Prefetcher[T any] struct {
	n, depth int
	load     func(i int) (T, error)
	discard  func(T)

	next    int
	results chan prefetched[T]
	cancel  context.CancelFunc
	done    chan struct{}
}

type prefetched[T any] struct {
	value T
	err   error
}

// Prefetch starts loading the n items with load. The loading stops when ctx is cancelled or Close is called.
//
// discard, if not nil, is called on loaded items that are never returned by Next (e.g., after Close).
func Prefetch[T any](ctx context.Context, n, depth int, load func(i int) (T, error), discard func(T)) *Prefetcher[T] {
	p := &Prefetcher[T]{n: n, depth: depth, load: load, discard: discard}
	if depth <= 0 {
		return p
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.results = make(chan prefetched[T], depth)
	p.done = make(chan struct{})
	go p.run(ctx)
	return p
}

func (p *Prefetcher[T]) run(ctx context.Context) {
	defer close(p.done)
	defer close(p.results)
	for ii := range p.n {
		if ctx.Err() != nil {
			return
		}
		value, err := p.load(ii)
		select {
		case p.results <- prefetched[T]{value, err}:
		case <-ctx.Done():
			if err == nil && p.discard != nil {
				p.discard(value)
			}
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next item in order. It returns io.EOF after the n-th item.
func (p *Prefetcher[T]) Next() (T, error) {
	var zero T
	if p.next >= p.n {
		return zero, io.EOF
	}
	idx := p.next
	p.next++
	if p.results == nil {
		return p.load(idx)
	}
	result, ok := <-p.results
	if !ok {
		return zero, errors.Errorf("prefetching stopped before item %d of %d", idx, p.n)
	}
	if result.err != nil {
		p.next = p.n
		return zero, errors.WithMessagef(result.err, "loading item %d", idx)
	}
	return result.value, nil
}

// Close stops the prefetching and discards the items loaded but not returned.
func (p *Prefetcher[T]) Close() {
	if p.results == nil {
		return
	}
	p.cancel()
	for result := range p.results {
		if result.err == nil && p.discard != nil {
			p.discard(result.value)
		}
	}
	<-p.done
}
