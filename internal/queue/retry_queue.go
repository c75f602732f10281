package queue

import (
	"context"
	"sync"
	"time"
)

const minRetryTick = 5 * time.Millisecond

type retryEntry[K comparable, V any] struct {
	key  K
	item V
	due  time.Time
	dead bool
}

// RetryQueue holds items until their retry period elapses and then hands
// them back through the release callback. A key has at most one live entry;
// re-adding a key reschedules it.
type RetryQueue[K comparable, V any] struct {
	name    string
	period  time.Duration
	tick    time.Duration
	release func(key K, item V)
	now     func() time.Time

	mu      sync.Mutex
	entries map[K]*retryEntry[K, V]
	due     *PriorityQueue[*retryEntry[K, V]]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type RetryOption[K comparable, V any] func(*RetryQueue[K, V])

// WithClock replaces time.Now, for tests.
func WithClock[K comparable, V any](now func() time.Time) RetryOption[K, V] {
	return func(r *RetryQueue[K, V]) {
		r.now = now
	}
}

// WithTick overrides how often due items are checked.
func WithTick[K comparable, V any](tick time.Duration) RetryOption[K, V] {
	return func(r *RetryQueue[K, V]) {
		r.tick = tick
	}
}

func NewRetryQueue[K comparable, V any](name string, period time.Duration, release func(key K, item V), opts ...RetryOption[K, V]) *RetryQueue[K, V] {
	r := &RetryQueue[K, V]{
		name:    name,
		period:  period,
		tick:    max(period/3, minRetryTick),
		release: release,
		now:     time.Now,
		entries: make(map[K]*retryEntry[K, V]),
		due:     NewPriorityQueue[*retryEntry[K, V]](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RetryQueue[K, V]) Period() time.Duration {
	return r.period
}

// Add schedules item to be released one period from now. An item already
// scheduled under key is replaced and returned with ok=true.
func (r *RetryQueue[K, V]) Add(key K, item V) (replaced V, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.entries[key]; exists {
		old.dead = true
		replaced, ok = old.item, true
	}
	entry := &retryEntry[K, V]{key: key, item: item, due: r.now().Add(r.period)}
	r.entries[key] = entry
	r.due.Enqueue(entry, entry.due.UnixNano())
	return replaced, ok
}

func (r *RetryQueue[K, V]) Remove(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	entry.dead = true
	delete(r.entries, key)
	return entry.item, true
}

func (r *RetryQueue[K, V]) Has(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

func (r *RetryQueue[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ReleaseDue releases every item whose period has elapsed and returns how
// many were released.
func (r *RetryQueue[K, V]) ReleaseDue() int {
	r.mu.Lock()
	expired := r.due.DequeueUntil(r.now().UnixNano())
	ready := expired[:0]
	for _, entry := range expired {
		if entry.dead {
			continue
		}
		delete(r.entries, entry.key)
		ready = append(ready, entry)
	}
	r.mu.Unlock()

	for _, entry := range ready {
		r.release(entry.key, entry.item)
	}
	return len(ready)
}

func (r *RetryQueue[K, V]) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ReleaseDue()
			}
		}
	}()
}

func (r *RetryQueue[K, V]) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
