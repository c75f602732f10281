package queue

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
)

// Handler processes a single queued item. It runs on the queue's consumer
// goroutine; at most one handler call is active per queue at any time.
type Handler[K comparable, V any] func(ctx context.Context, key K, item V)

type workEntry[K comparable, V any] struct {
	key  K
	item V
}

// WorkQueue is a keyed, debounced work queue. Inserting a key that is
// already pending replaces its item in place, so rapid re-inserts of the same
// key coalesce into a single handler call.
type WorkQueue[K comparable, V any] struct {
	name    string
	handler Handler[K, V]
	flush   func(ctx context.Context)
	idle    func()
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[K]*list.Element
	order   *list.List
	busy    bool
	started bool

	kickCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type WorkQueueOption[K comparable, V any] func(*WorkQueue[K, V])

// WithFlush registers a callback invoked every time a drain empties the
// queue. Stages that accumulate batches use it to send partial batches.
func WithFlush[K comparable, V any](fn func(ctx context.Context)) WorkQueueOption[K, V] {
	return func(q *WorkQueue[K, V]) {
		q.flush = fn
	}
}

// WithIdle registers a callback invoked after each drain, once the queue no
// longer reports busy. Idle may already be false again when it runs.
func WithIdle[K comparable, V any](fn func()) WorkQueueOption[K, V] {
	return func(q *WorkQueue[K, V]) {
		q.idle = fn
	}
}

func WithLogger[K comparable, V any](logger *slog.Logger) WorkQueueOption[K, V] {
	return func(q *WorkQueue[K, V]) {
		q.logger = logger
	}
}

func NewWorkQueue[K comparable, V any](name string, handler Handler[K, V], opts ...WorkQueueOption[K, V]) *WorkQueue[K, V] {
	q := &WorkQueue[K, V]{
		name:    name,
		handler: handler,
		logger:  slog.Default(),
		pending: make(map[K]*list.Element),
		order:   list.New(),
		kickCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Insert enqueues item under key. If key is already pending, the previous
// item is replaced (keeping its position) and returned with ok=true.
func (q *WorkQueue[K, V]) Insert(key K, item V) (replaced V, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if el, exists := q.pending[key]; exists {
		entry := el.Value.(*workEntry[K, V])
		replaced, ok = entry.item, true
		entry.item = item
		return replaced, ok
	}

	q.pending[key] = q.order.PushBack(&workEntry[K, V]{key: key, item: item})
	return replaced, false
}

// Remove drops a pending item without processing it.
func (q *WorkQueue[K, V]) Remove(key K) (V, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, exists := q.pending[key]
	if !exists {
		var zero V
		return zero, false
	}
	delete(q.pending, key)
	q.order.Remove(el)
	return el.Value.(*workEntry[K, V]).item, true
}

// Kick schedules a drain. Kicks coalesce; it never blocks.
func (q *WorkQueue[K, V]) Kick() {
	select {
	case q.kickCh <- struct{}{}:
	default:
	}
}

// Len returns the number of pending items.
func (q *WorkQueue[K, V]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

// Busy reports whether a handler or flush call is currently running.
func (q *WorkQueue[K, V]) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// Idle reports whether the queue has nothing pending and nothing running.
func (q *WorkQueue[K, V]) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.busy && q.order.Len() == 0
}

// Start launches the single consumer goroutine. Calling it twice is a no-op.
func (q *WorkQueue[K, V]) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run(ctx)

	// items inserted before start
	q.Kick()
}

// Stop cancels the consumer and waits for the in-progress handler to return.
func (q *WorkQueue[K, V]) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

func (q *WorkQueue[K, V]) run(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.kickCh:
			q.drain(ctx)
		}
	}
}

func (q *WorkQueue[K, V]) drain(ctx context.Context) {
	for ctx.Err() == nil {
		entry, ok := q.pop()
		if !ok {
			break
		}
		q.call(func() { q.handler(ctx, entry.key, entry.item) })
	}

	if q.flush != nil && ctx.Err() == nil {
		q.mu.Lock()
		q.busy = true
		q.mu.Unlock()
		q.call(func() { q.flush(ctx) })
	}

	q.mu.Lock()
	q.busy = false
	q.mu.Unlock()

	if q.idle != nil {
		q.call(q.idle)
	}
}

func (q *WorkQueue[K, V]) pop() (*workEntry[K, V], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	el := q.order.Front()
	if el == nil {
		return nil, false
	}
	q.order.Remove(el)
	entry := el.Value.(*workEntry[K, V])
	delete(q.pending, entry.key)
	q.busy = true
	return entry, true
}

// call keeps the consumer alive if a handler panics.
func (q *WorkQueue[K, V]) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("work queue handler panic", "queue", q.name, "panic", r)
		}
	}()
	fn()
}
