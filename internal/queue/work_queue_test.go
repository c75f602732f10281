package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) handle(_ context.Context, key string, item int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, key)
	_ = item
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestWorkQueue_ReplacesPendingItem(t *testing.T) {
	var got []int
	q := NewWorkQueue("test", func(_ context.Context, key string, item int) {
		got = append(got, item)
	})

	_, replaced := q.Insert("a", 1)
	assert.False(t, replaced)
	old, replaced := q.Insert("a", 2)
	assert.True(t, replaced)
	assert.Equal(t, 1, old)
	q.Insert("b", 3)
	assert.Equal(t, 2, q.Len())

	q.Start(t.Context())
	defer q.Stop()

	require.Eventually(t, q.Idle, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{2, 3}, got)
}

func TestWorkQueue_DrainsInOrderAndFlushes(t *testing.T) {
	rec := &recorder{}
	var flushes int
	var mu sync.Mutex
	q := NewWorkQueue("test", rec.handle, WithFlush[string, int](func(context.Context) {
		mu.Lock()
		flushes++
		mu.Unlock()
	}))
	q.Start(t.Context())
	defer q.Stop()

	q.Insert("x", 1)
	q.Insert("y", 2)
	q.Insert("z", 3)
	q.Kick()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 && q.Idle() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"x", "y", "z"}, rec.snapshot())
	mu.Lock()
	assert.GreaterOrEqual(t, flushes, 1)
	mu.Unlock()
}

func TestWorkQueue_IdleRunsAfterBusyClears(t *testing.T) {
	var q *WorkQueue[string, int]
	idleSeen := make(chan bool, 10)
	q = NewWorkQueue("test", func(context.Context, string, int) {},
		WithFlush[string, int](func(context.Context) {}),
		WithIdle[string, int](func() {
			select {
			case idleSeen <- q.Idle():
			default:
			}
		}))
	q.Start(t.Context())
	defer q.Stop()

	q.Insert("a", 1)
	q.Kick()

	select {
	case idle := <-idleSeen:
		assert.True(t, idle, "queue must not report busy from the idle callback")
	case <-time.After(time.Second):
		t.Fatal("idle callback not called")
	}
}

func TestWorkQueue_OneHandlerAtATime(t *testing.T) {
	var active, maxActive int
	var mu sync.Mutex
	q := NewWorkQueue("serial", func(_ context.Context, _ int, _ int) {
		mu.Lock()
		active++
		maxActive = max(maxActive, active)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	})
	q.Start(t.Context())
	defer q.Stop()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Insert(i, i)
			q.Kick()
		}()
	}
	wg.Wait()

	require.Eventually(t, q.Idle, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxActive)
}

func TestWorkQueue_RemoveAndPanicRecovery(t *testing.T) {
	rec := &recorder{}
	q := NewWorkQueue("panics", func(ctx context.Context, key string, item int) {
		if key == "boom" {
			panic("handler failure")
		}
		rec.handle(ctx, key, item)
	})
	q.Insert("gone", 1)
	q.Insert("boom", 2)
	q.Insert("after", 3)
	_, ok := q.Remove("gone")
	assert.True(t, ok)

	q.Start(t.Context())
	defer q.Stop()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"after"}, rec.snapshot())
}
