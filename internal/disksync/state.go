package disksync

import (
	"fmt"
	"sync"
	"time"

	"github.com/openmined/blobsync/internal/event"
)

const statusEventBufferSize = 16

// PathState is the position of a path in the ingestion pipeline.
type PathState int

const (
	PathStateUnseen PathState = iota
	PathStateCalculating
	PathStateProbing
	PathStateUploading
	PathStateWaiting // fast retry tier
	PathStateBackoff // slow retry tier
	PathStateTracked
	PathStateUntrackable
	PathStateIgnored
)

var pathStateNames = [...]string{
	PathStateUnseen:      "unseen",
	PathStateCalculating: "calculating",
	PathStateProbing:     "probing",
	PathStateUploading:   "uploading",
	PathStateWaiting:     "waiting",
	PathStateBackoff:     "backoff",
	PathStateTracked:     "tracked",
	PathStateUntrackable: "untrackable",
	PathStateIgnored:     "ignored",
}

func (s PathState) String() string {
	if int(s) < len(pathStateNames) {
		return pathStateNames[s]
	}
	return fmt.Sprintf("PathState(%d)", int(s))
}

// Terminal reports whether no further work is scheduled for the path.
func (s PathState) Terminal() bool {
	return s == PathStateUnseen || s == PathStateTracked || s == PathStateUntrackable || s == PathStateIgnored
}

// PathStatus is the latest known status of a path.
type PathStatus struct {
	State       PathState
	Reason      string
	Error       error
	ErrorCount  int
	LastUpdated time.Time
}

func (s PathStatus) String() string {
	return fmt.Sprintf("State: %s, Reason: %s, Error: %v, ErrorCount: %d", s.State, s.Reason, s.Error, s.ErrorCount)
}

type StatusEvent struct {
	Path   string
	Status PathStatus
}

// InFlightItem is one outstanding ingestion request.
type InFlightItem struct {
	RequestID uint64
	Path      string
	State     PathState
	Since     time.Time
}

// statusTracker records in-flight requests by request id and the status of
// each path as set by its latest request. Results of superseded requests do
// not overwrite the path status.
type statusTracker struct {
	mu       sync.RWMutex
	nextID   uint64
	inflight map[uint64]*InFlightItem
	latest   map[string]uint64
	files    map[string]*PathStatus
	events   *event.Emitter[StatusEvent]
	now      func() time.Time
}

func newStatusTracker() *statusTracker {
	return &statusTracker{
		inflight: make(map[uint64]*InFlightItem),
		latest:   make(map[string]uint64),
		files:    make(map[string]*PathStatus),
		events:   event.NewEmitter[StatusEvent](),
		now:      time.Now,
	}
}

// Subscribe returns a channel for receiving status events
func (s *statusTracker) Subscribe() <-chan StatusEvent {
	return s.events.Subscribe(statusEventBufferSize)
}

func (s *statusTracker) Unsubscribe(ch <-chan StatusEvent) {
	s.events.Unsubscribe(ch)
}

// begin opens a request for path and makes it the path's latest.
func (s *statusTracker) begin(path string) uint64 {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.inflight[id] = &InFlightItem{RequestID: id, Path: path, State: PathStateCalculating, Since: s.now()}
	s.latest[path] = id
	ev, ok := s.updateLocked(path, id, PathStateCalculating, "", nil)
	s.mu.Unlock()

	if ok {
		s.events.Emit(ev)
	}
	return id
}

// set moves request id to state. It reports whether the tracker became
// quiescent.
func (s *statusTracker) set(id uint64, state PathState, err error) bool {
	s.mu.Lock()
	item, ok := s.inflight[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	was := s.quiescentLocked()
	item.State = state
	ev, emit := s.updateLocked(item.Path, id, state, "", err)
	became := !was && s.quiescentLocked()
	s.mu.Unlock()

	if emit {
		s.events.Emit(ev)
	}
	return became
}

// finish closes request id in a terminal state. It reports whether the
// tracker became quiescent.
func (s *statusTracker) finish(id uint64, state PathState, reason string) bool {
	s.mu.Lock()
	item, ok := s.inflight[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	was := s.quiescentLocked()
	delete(s.inflight, id)
	ev, emit := s.updateLocked(item.Path, id, state, reason, nil)
	if s.latest[item.Path] == id {
		delete(s.latest, item.Path)
		if state == PathStateUnseen {
			delete(s.files, item.Path)
		}
	}
	became := !was && s.quiescentLocked()
	s.mu.Unlock()

	if emit {
		s.events.Emit(ev)
	}
	return became
}

func (s *statusTracker) updateLocked(path string, id uint64, state PathState, reason string, err error) (StatusEvent, bool) {
	if s.latest[path] != id {
		return StatusEvent{}, false
	}
	status, ok := s.files[path]
	if !ok {
		status = &PathStatus{}
		s.files[path] = status
	}
	status.State = state
	status.Reason = reason
	status.Error = err
	if err != nil {
		status.ErrorCount++
	} else if state.Terminal() {
		status.ErrorCount = 0
	}
	status.LastUpdated = s.now()
	return StatusEvent{Path: path, Status: *status}, true
}

func (s *statusTracker) status(path string) (PathStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.files[path]
	if !ok {
		return PathStatus{}, false
	}
	return *status, true
}

// quiescentLocked: nothing in flight outside the backoff tier.
func (s *statusTracker) quiescentLocked() bool {
	for _, item := range s.inflight {
		if item.State != PathStateBackoff {
			return false
		}
	}
	return true
}

func (s *statusTracker) quiescent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quiescentLocked()
}

func (s *statusTracker) inFlight() []InFlightItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]InFlightItem, 0, len(s.inflight))
	for _, item := range s.inflight {
		out = append(out, *item)
	}
	return out
}

// counts tallies the latest status of every known path.
func (s *statusTracker) counts() map[PathState]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[PathState]int)
	for _, status := range s.files {
		out[status.State]++
	}
	return out
}

func (s *statusTracker) close() {
	s.events.Close()
}
