// Package watcher reports file changes below a set of directories.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	eventBufferSize        = 256
	defaultDebounceTimeout = 50 * time.Millisecond
)

var ErrNotStarted = errors.New("watcher: not started")

// Op is the kind of change that was observed.
type Op uint8

const (
	Create Op = iota + 1
	Write
	Remove
	Rename
)

func (o Op) String() string {
	switch o {
	case Create:
		return "create"
	case Write:
		return "write"
	case Remove:
		return "remove"
	case Rename:
		return "rename"
	}
	return "unknown"
}

// Event is a debounced change of an absolute path.
type Event struct {
	Path string
	Op   Op
}

// FilterCallback returns true if events for path should be dropped.
type FilterCallback func(path string) bool

type Watcher struct {
	logger    *slog.Logger
	events    chan Event
	rawEvents chan notify.EventInfo
	done      chan struct{}
	wg        sync.WaitGroup

	mu    sync.Mutex
	roots []string

	pendingEvents   map[string]Event
	eventTimers     map[string]*time.Timer
	debounceMu      sync.Mutex
	debounceTimeout time.Duration
	closed          bool

	ignoreCallback FilterCallback
	callbackMu     sync.RWMutex
}

func New(logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		logger:          logger.With("component", "watcher"),
		done:            make(chan struct{}),
		pendingEvents:   make(map[string]Event),
		eventTimers:     make(map[string]*time.Timer),
		debounceTimeout: defaultDebounceTimeout,
	}
}

// SetDebounceTimeout sets how long a path must be quiet before its event is
// delivered.
func (w *Watcher) SetDebounceTimeout(timeout time.Duration) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	w.debounceTimeout = timeout
}

// FilterPaths sets a callback that drops raw events before debouncing.
func (w *Watcher) FilterPaths(callback FilterCallback) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.ignoreCallback = callback
}

func (w *Watcher) Start(ctx context.Context) {
	w.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	w.events = make(chan Event, eventBufferSize)

	w.wg.Add(1)
	go w.filterEvents(ctx)
}

// Add watches dir recursively.
func (w *Watcher) Add(dir string) error {
	if w.rawEvents == nil {
		return ErrNotStarted
	}
	// on macos the temp dirs are symlinks and events carry the real path
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if err := notify.Watch(filepath.Join(resolved, "..."), w.rawEvents, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.mu.Lock()
	w.roots = append(w.roots, resolved)
	w.mu.Unlock()
	w.logger.Info("watching", "dir", resolved)
	return nil
}

// Roots are the resolved directories being watched.
func (w *Watcher) Roots() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.roots...)
}

func (w *Watcher) Stop() {
	if w.rawEvents == nil {
		return
	}
	select {
	case <-w.done:
		return
	default:
	}

	close(w.done)
	notify.Stop(w.rawEvents)
	w.wg.Wait()
	w.logger.Info("watcher stopped")
}

// Events is closed after Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) filtered(path string) bool {
	w.callbackMu.RLock()
	defer w.callbackMu.RUnlock()
	return w.ignoreCallback != nil && w.ignoreCallback(path)
}

func (w *Watcher) filterEvents(ctx context.Context) {
	defer func() {
		// deliver what is still pending so no change is lost on shutdown
		w.debounceMu.Lock()
		for path, timer := range w.eventTimers {
			timer.Stop()
			if event, ok := w.pendingEvents[path]; ok {
				select {
				case w.events <- event:
				default:
					w.logger.Warn("dropped on exit", "reason", "channel full", "path", path)
				}
			}
		}
		w.eventTimers = make(map[string]*time.Timer)
		w.pendingEvents = make(map[string]Event)
		w.closed = true
		close(w.events)
		w.debounceMu.Unlock()
		w.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case raw, ok := <-w.rawEvents:
			if !ok {
				return
			}
			if w.filtered(raw.Path()) {
				continue
			}
			op, ok := opOf(raw.Event())
			if !ok {
				continue
			}
			// editors write in bursts, only the last event of a burst matters
			w.debounce(Event{Path: raw.Path(), Op: op})
		}
	}
}

func (w *Watcher) debounce(event Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, ok := w.eventTimers[event.Path]; ok {
		timer.Stop()
	}
	w.pendingEvents[event.Path] = event
	w.eventTimers[event.Path] = time.AfterFunc(w.debounceTimeout, func() {
		w.flush(event.Path)
	})
}

func (w *Watcher) flush(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	event, ok := w.pendingEvents[path]
	if !ok || w.closed {
		return
	}
	delete(w.pendingEvents, path)
	delete(w.eventTimers, path)

	select {
	case w.events <- event:
		w.logger.Debug("event", "op", event.Op, "path", path)
	default:
		w.logger.Warn("dropped", "reason", "channel full", "path", path)
	}
}

func opOf(e notify.Event) (Op, bool) {
	switch {
	case e&notify.Remove != 0:
		return Remove, true
	case e&notify.Rename != 0:
		return Rename, true
	case e&notify.Create != 0:
		return Create, true
	case e&notify.Write != 0:
		return Write, true
	}
	return 0, false
}
