package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultDedupWindow is how long a completed result stays shareable.
const DefaultDedupWindow = 100 * time.Millisecond

// completed is a finished request whose result is still within the window.
type completed struct {
	val    any
	err    error
	doneAt time.Time
}

// Deduplicator collapses identical requests. Concurrent callers with the same
// key share one in-flight call; callers arriving within the window after it
// completes receive the same result. Records expire window after completion,
// so a slow call is never forgotten while it is still running.
//
// In-flight calls run with the first caller's context.
type Deduplicator struct {
	group  singleflight.Group
	window time.Duration

	mu     sync.Mutex
	recent map[string]*completed
}

// NewDeduplicator creates a Deduplicator. A non-positive window uses DefaultDedupWindow.
func NewDeduplicator(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Deduplicator{
		window: window,
		recent: make(map[string]*completed),
	}
}

// Do runs fn under key unless an identical request is in flight or finished
// within the window. shared reports whether the result came from another call.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func(context.Context) (any, error)) (v any, err error, shared bool) {
	d.mu.Lock()
	if c, ok := d.recent[key]; ok && time.Since(c.doneAt) < d.window {
		d.mu.Unlock()
		return c.val, c.err, true
	}
	d.mu.Unlock()

	return d.group.Do(key, func() (any, error) {
		val, err := fn(ctx)

		c := &completed{val: val, err: err, doneAt: time.Now()}
		d.mu.Lock()
		d.recent[key] = c
		d.mu.Unlock()

		time.AfterFunc(d.window, func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.recent[key] == c {
				delete(d.recent, key)
			}
		})
		return val, err
	})
}

// Len returns the number of completed records still inside their window.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.recent)
}

// Deduplicate is the typed form of Deduplicator.Do. Shared results must be
// treated as read-only by every caller.
func Deduplicate[T any](ctx context.Context, d *Deduplicator, key string, fn func(context.Context) (T, error)) (T, error) {
	v, err, _ := d.Do(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}
