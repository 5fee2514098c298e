// Package reload applies configuration changes to a running daemon, on
// SIGHUP or when the configuration file changes on disk.
package reload

import (
	"context"
	"os"
	"sync"
	"time"
)

const defaultPollInterval = 5 * time.Second

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	// Path is the configuration file to watch.
	Path string

	// PollInterval is how often the file is checked. Defaults to 5s.
	PollInterval time.Duration
}

// Event reports a change of the watched file.
type Event struct {
	Path string

	// ModTime is the file's modification time when the change was seen.
	ModTime time.Time
}

// fingerprint identifies one version of the file. A zero fingerprint
// means the file is missing.
type fingerprint struct {
	modTime time.Time
	size    int64
}

// Watcher polls a configuration file and reports modifications. A file
// that disappears is not reported; its reappearance is.
type Watcher struct {
	cfg    WatcherConfig
	events chan Event

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewWatcher creates a watcher. Call Start to begin polling.
func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Watcher{
		cfg:    cfg,
		events: make(chan Event, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins polling until ctx is done or Stop is called. Later calls
// are no-ops.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	last := w.stat()
	go w.poll(ctx, last)
}

// Events returns the change notifications. Changes seen while an event is
// pending are coalesced into it.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Stop ends polling and waits for the poller to exit. It is safe to call
// more than once and before Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	started := w.started
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	w.mu.Unlock()

	if started {
		<-w.done
	}
}

func (w *Watcher) poll(ctx context.Context, last fingerprint) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
		}

		current := w.stat()
		if current.missing() || current.equal(last) {
			continue
		}
		last = current
		select {
		case w.events <- Event{Path: w.cfg.Path, ModTime: current.modTime}:
		default:
		}
	}
}

func (f fingerprint) missing() bool { return f.modTime.IsZero() }

func (f fingerprint) equal(o fingerprint) bool {
	return f.size == o.size && f.modTime.Equal(o.modTime)
}

func (w *Watcher) stat() fingerprint {
	info, err := os.Stat(w.cfg.Path)
	if err != nil {
		return fingerprint{}
	}
	return fingerprint{modTime: info.ModTime(), size: info.Size()}
}
