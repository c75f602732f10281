// Package buffersync turns live edits of open documents into versioned
// snapshots and uploads them when enough of the document changed.
package buffersync

import (
	"errors"
	"fmt"
)

var ErrEditOutOfRange = errors.New("buffersync: edit out of range")

// Edit replaces [Start, End) of the document with Text. Offsets are byte
// offsets into the document as it was before the edit.
type Edit struct {
	Start int
	End   int
	Text  string
}

// Span is a changed range [Start, End) in current document coordinates. A
// zero-width span marks a deletion point.
type Span struct {
	Start int
	End   int
}

// ChangeTracker records which ranges of a document changed since some
// snapshot. Spans are kept sorted with gaps between them, and every edit
// shifts the spans after it so they stay valid in current coordinates.
type ChangeTracker struct {
	length int
	spans  []Span
}

func NewChangeTracker(length int) *ChangeTracker {
	return &ChangeTracker{length: length}
}

// Len is the current document length.
func (c *ChangeTracker) Len() int {
	return c.length
}

func (c *ChangeTracker) Empty() bool {
	return len(c.spans) == 0
}

func (c *ChangeTracker) Spans() []Span {
	return append([]Span(nil), c.spans...)
}

// Apply folds e into the tracked changes.
func (c *ChangeTracker) Apply(e Edit) error {
	if e.Start < 0 || e.End < e.Start || e.End > c.length {
		return fmt.Errorf("%w: [%d,%d) of %d", ErrEditOutOfRange, e.Start, e.End, c.length)
	}
	inserted := len(e.Text)
	if inserted == 0 && e.Start == e.End {
		return nil
	}
	delta := inserted - (e.End - e.Start)

	merged := Span{Start: e.Start, End: e.Start + inserted}
	out := make([]Span, 0, len(c.spans)+1)
	i := 0
	for ; i < len(c.spans) && c.spans[i].End < e.Start; i++ {
		out = append(out, c.spans[i])
	}
	// spans touching the edited range collapse into one
	for ; i < len(c.spans) && c.spans[i].Start <= e.End; i++ {
		s := c.spans[i]
		merged.Start = min(merged.Start, s.Start)
		merged.End = max(merged.End, s.End+delta)
	}
	out = append(out, merged)
	for ; i < len(c.spans); i++ {
		s := c.spans[i]
		out = append(out, Span{Start: s.Start + delta, End: s.End + delta})
	}

	c.spans = out
	c.length += delta
	return nil
}

// MarkAll records the whole document as changed.
func (c *ChangeTracker) MarkAll() {
	c.spans = []Span{{Start: 0, End: c.length}}
}

// Merge adds the changes of o, which must track the same document.
func (c *ChangeTracker) Merge(o *ChangeTracker) error {
	if o.length != c.length {
		return fmt.Errorf("buffersync: merge length mismatch %d != %d", o.length, c.length)
	}
	all := make([]Span, 0, len(c.spans)+len(o.spans))
	i, j := 0, 0
	for i < len(c.spans) || j < len(o.spans) {
		var next Span
		if j >= len(o.spans) || (i < len(c.spans) && c.spans[i].Start <= o.spans[j].Start) {
			next = c.spans[i]
			i++
		} else {
			next = o.spans[j]
			j++
		}
		if n := len(all); n > 0 && next.Start <= all[n-1].End {
			all[n-1].End = max(all[n-1].End, next.End)
			continue
		}
		all = append(all, next)
	}
	c.spans = all
	return nil
}

// Chunks counts the distinct chunkSize-aligned regions that hold a change.
func (c *ChangeTracker) Chunks(chunkSize int) int {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	n, last := 0, -1
	for _, s := range c.spans {
		first := s.Start / chunkSize
		end := s.End
		if end > s.Start {
			end--
		}
		first = max(first, last+1)
		if idx := end / chunkSize; idx >= first {
			n += idx - first + 1
			last = idx
		}
	}
	return n
}
