// Package watch reports file writes inside a worker's worktree so the
// worker can count rewrites of the same file during one execution.
package watch

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceDelay coalesces the burst of events an editor emits for
// a single save.
const DefaultDebounceDelay = 100 * time.Millisecond

// DefaultIgnoredDirs are never watched.
var DefaultIgnoredDirs = []string{".git", ".relay", "node_modules", "vendor"}

// WriteFunc receives the slash-separated path of a written file relative
// to the watched root.
type WriteFunc func(rel string)

// Watcher watches a directory tree for file creates and writes.
type Watcher struct {
	watcher *fsnotify.Watcher
	root    string
	onWrite WriteFunc
	ignored map[string]bool
	done    chan struct{}
	wg      sync.WaitGroup

	mu            sync.Mutex
	debounceDelay time.Duration
	pending       map[string]*time.Timer
	closed        bool
	errs          []error
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the debounce delay. Zero disables debouncing.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounceDelay = d }
}

// WithIgnoredDirs replaces the directory names that are skipped.
func WithIgnoredDirs(names ...string) Option {
	return func(w *Watcher) {
		w.ignored = make(map[string]bool, len(names))
		for _, n := range names {
			w.ignored[n] = true
		}
	}
}

// New starts watching root and every directory below it.
func New(root string, onWrite WriteFunc, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:       fsw,
		root:          filepath.Clean(root),
		onWrite:       onWrite,
		done:          make(chan struct{}),
		debounceDelay: DefaultDebounceDelay,
		pending:       make(map[string]*time.Timer),
	}
	WithIgnoredDirs(DefaultIgnoredDirs...)(w)
	for _, opt := range opts {
		opt(w)
	}

	if err := w.addRecursive(w.root); err != nil {
		fsw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.ignored[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil && !errors.Is(err, fs.ErrPermission) {
			return err
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.recordErr(err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	rel, ok := w.relative(event.Name)
	if !ok {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := w.addRecursive(event.Name); err != nil {
				w.recordErr(err)
			}
		}
		return
	}
	w.debounce(rel)
}

// relative maps an absolute event path into the tree, rejecting paths
// under ignored directories.
func (w *Watcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(rel, "/") {
		if w.ignored[part] {
			return "", false
		}
	}
	return rel, true
}

func (w *Watcher) debounce(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.debounceDelay <= 0 {
		w.onWrite(rel)
		return
	}
	if t, ok := w.pending[rel]; ok {
		t.Stop()
	}
	w.pending[rel] = time.AfterFunc(w.debounceDelay, func() {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		delete(w.pending, rel)
		w.mu.Unlock()
		w.onWrite(rel)
	})
}

func (w *Watcher) recordErr(err error) {
	w.mu.Lock()
	w.errs = append(w.errs, err)
	w.mu.Unlock()
}

// Root returns the watched directory.
func (w *Watcher) Root() string {
	return w.root
}

// Flush delivers pending debounced writes immediately.
func (w *Watcher) Flush() {
	w.mu.Lock()
	var due []string
	for rel, t := range w.pending {
		if t.Stop() {
			due = append(due, rel)
		}
		delete(w.pending, rel)
	}
	w.mu.Unlock()
	for _, rel := range due {
		w.onWrite(rel)
	}
}

// Close stops watching, dropping undelivered writes, and returns any
// errors the watcher accumulated.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = nil
	errs := w.errs
	w.mu.Unlock()

	close(w.done)
	closeErr := w.watcher.Close()
	w.wg.Wait()
	return errors.Join(append(errs, closeErr)...)
}
