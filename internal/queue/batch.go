package queue

// Batch accumulates items bounded by count and cumulative byte size. It is
// not safe for concurrent use: a batch belongs to the stage that builds it
// until Take hands its contents off.
type Batch[T any] struct {
	maxItems int
	maxBytes int64
	items    []T
	bytes    int64
}

// NewBatch creates a batch. maxBytes <= 0 disables the byte bound.
func NewBatch[T any](maxItems int, maxBytes int64) *Batch[T] {
	return &Batch[T]{
		maxItems: maxItems,
		maxBytes: maxBytes,
	}
}

// Fits reports whether an item of the given size can join the batch
// without breaking either bound. An empty batch accepts any single item.
func (b *Batch[T]) Fits(size int64) bool {
	if len(b.items) == 0 {
		return true
	}
	if len(b.items)+1 > b.maxItems {
		return false
	}
	return b.maxBytes <= 0 || b.bytes+size <= b.maxBytes
}

// Add appends item and reports whether the batch is now full.
func (b *Batch[T]) Add(item T, size int64) bool {
	b.items = append(b.items, item)
	b.bytes += size
	return b.Full()
}

func (b *Batch[T]) Full() bool {
	if len(b.items) >= b.maxItems {
		return true
	}
	return b.maxBytes > 0 && b.bytes >= b.maxBytes
}

// Take swaps out the accumulated items, leaving the batch empty.
func (b *Batch[T]) Take() []T {
	items := b.items
	b.items = nil
	b.bytes = 0
	return items
}

func (b *Batch[T]) Len() int {
	return len(b.items)
}

func (b *Batch[T]) Bytes() int64 {
	return b.bytes
}
