// Package fetch guards shared state against out-of-order responses. Every
// request for a key gets a sequence number; when the response arrives it is
// applied only if no newer request for that key has been issued since.
package fetch

import (
	"context"
	"errors"
	"sync"
)

type Outcome int

const (
	// OutcomeApplied means the result was the latest and apply ran.
	OutcomeApplied Outcome = iota
	// OutcomeStale means a newer request superseded this one; the result was dropped.
	OutcomeStale
	// OutcomeAborted means the caller's context ended before the fetch finished.
	OutcomeAborted
	// OutcomeFailed means the fetch returned an error while still the latest.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeAborted:
		return "aborted"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

type Coordinator[T any] struct {
	mu      sync.Mutex
	seq     map[string]uint64
	cancel  map[string]context.CancelFunc
	onStale func(key string)
}

func NewCoordinator[T any]() *Coordinator[T] {
	return &Coordinator[T]{
		seq:    map[string]uint64{},
		cancel: map[string]context.CancelFunc{},
	}
}

// OnStale registers fn to be called whenever a result is discarded.
func (c *Coordinator[T]) OnStale(fn func(key string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStale = fn
}

// Do runs fetch for key and hands its result to apply if the request is still
// the latest for key. Issuing a request cancels the previous in-flight one for
// the same key. The sequence check and apply happen under one lock, so apply
// never observes a result older than one it already applied.
//
// A stale or aborted fetch returns a nil error: losing the race is not a
// failure. Only an error from the latest request is returned.
func (c *Coordinator[T]) Do(ctx context.Context, key string, fetch func(context.Context) (T, error), apply func(T)) (Outcome, error) {
	c.mu.Lock()
	c.seq[key]++
	mine := c.seq[key]
	if prev, ok := c.cancel[key]; ok {
		prev()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	c.cancel[key] = cancel
	c.mu.Unlock()

	result, err := fetch(fetchCtx)

	c.mu.Lock()
	defer c.mu.Unlock()
	cancel()

	if c.seq[key] != mine {
		if c.onStale != nil {
			c.onStale(key)
		}
		return OutcomeStale, nil
	}
	delete(c.cancel, key)

	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return OutcomeAborted, nil
		}
		return OutcomeFailed, err
	}
	apply(result)
	return OutcomeApplied, nil
}

// Invalidate makes every in-flight request for key stale and cancels it.
func (c *Coordinator[T]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(key)
}

// InvalidateAll is Invalidate for every key seen so far.
func (c *Coordinator[T]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.seq {
		c.invalidateLocked(key)
	}
}

func (c *Coordinator[T]) invalidateLocked(key string) {
	c.seq[key]++
	if cancel, ok := c.cancel[key]; ok {
		cancel()
		delete(c.cancel, key)
	}
}

// Latest returns the last sequence number issued for key.
func (c *Coordinator[T]) Latest(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq[key]
}
