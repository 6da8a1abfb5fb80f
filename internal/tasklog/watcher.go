package tasklog

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LoadFunc produces the document to push to subscribers when dir changes.
// Wired to Store.LoadFromPath for raw tails or a merged-load closure.
type LoadFunc func(dir string) (*TaskLogs, error)

type subscription struct {
	ch chan *TaskLogs
}

type watchEntry struct {
	subs   map[int]*subscription
	nextID int
}

// Watcher multiplexes filesystem watches over spec directories. Watches are
// per-directory and deduplicated: all subscribers to the same directory share
// one underlying OS watch, released when the last subscriber leaves.
type Watcher struct {
	fs       *fsnotify.Watcher
	load     LoadFunc
	debounce time.Duration

	mu      sync.Mutex
	entries map[string]*watchEntry
	pending map[string]struct{}
	timer   *time.Timer
	closed  bool

	done chan struct{}
}

// NewWatcher starts the event loop. Callers must Close it to release the
// underlying OS watch handles.
func NewWatcher(load LoadFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	w := &Watcher{
		fs:       fsw,
		load:     load,
		debounce: 200 * time.Millisecond,
		entries:  make(map[string]*watchEntry),
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Subscribe registers interest in a spec directory, returning a subscriber id
// and a channel of reloaded documents. The channel is buffered; a slow
// consumer sees the newest document, never a blocked watcher.
func (w *Watcher) Subscribe(dir string) (int, <-chan *TaskLogs, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, nil, fmt.Errorf("watcher is closed")
	}

	entry, ok := w.entries[dir]
	if !ok {
		if err := w.fs.Add(dir); err != nil {
			return 0, nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		entry = &watchEntry{subs: make(map[int]*subscription)}
		w.entries[dir] = entry
	}

	entry.nextID++
	id := entry.nextID
	sub := &subscription{ch: make(chan *TaskLogs, 1)}
	entry.subs[id] = sub
	return id, sub.ch, nil
}

// Unsubscribe releases one subscription; the OS watch is removed when the
// directory has no subscribers left.
func (w *Watcher) Unsubscribe(dir string, id int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.entries[dir]
	if !ok {
		return
	}
	sub, ok := entry.subs[id]
	if !ok {
		return
	}
	close(sub.ch)
	delete(entry.subs, id)
	if len(entry.subs) == 0 {
		_ = w.fs.Remove(dir)
		delete(w.entries, dir)
		delete(w.pending, dir)
	}
}

// Close stops all watching and releases every OS handle.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	for dir, entry := range w.entries {
		for _, sub := range entry.subs {
			close(sub.ch)
		}
		delete(w.entries, dir)
	}
	w.mu.Unlock()

	err := w.fs.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case _, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			// Watch errors are transient; the next write re-triggers.
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != FileName {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	dir := filepath.Dir(event.Name)
	if _, ok := w.entries[dir]; !ok {
		return
	}
	w.pending[dir] = struct{}{}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	dirs := make([]string, 0, len(w.pending))
	for dir := range w.pending {
		dirs = append(dirs, dir)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	for _, dir := range dirs {
		logs, err := w.load(dir)
		if err != nil || logs == nil {
			continue
		}
		w.broadcast(dir, logs)
	}
}

func (w *Watcher) broadcast(dir string, logs *TaskLogs) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.entries[dir]
	if !ok {
		return
	}
	for _, sub := range entry.subs {
		// Replace a stale buffered document rather than block.
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- logs
	}
}

// setDebounce adjusts event coalescing, used by tests.
func (w *Watcher) setDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}
