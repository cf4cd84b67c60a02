// Package watch runs a callback when files under a set of paths change.
// Bursts of filesystem events are collapsed into a single call.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultDelay is how long the watcher waits for events to settle.
const DefaultDelay = 500 * time.Millisecond

// ChangeFunc receives the sorted list of paths changed since the last call.
type ChangeFunc func(ctx context.Context, changed []string) error

// Watcher watches files and directory trees.
type Watcher struct {
	paths  []string
	delay  time.Duration
	ignore func(path string) bool
	logger zerolog.Logger

	files map[string]bool
	roots []string

	fsw  *fsnotify.Watcher
	done chan struct{}
	once sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDelay sets the debounce delay.
func WithDelay(d time.Duration) Option {
	return func(w *Watcher) { w.delay = d }
}

// WithIgnore adds a predicate for paths whose changes are dropped.
func WithIgnore(fn func(path string) bool) Option {
	return func(w *Watcher) {
		prev := w.ignore
		w.ignore = func(path string) bool { return prev(path) || fn(path) }
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// New creates a watcher for paths, which may be files or directories.
// Hidden files and SQLite journals are ignored.
func New(paths []string, opts ...Option) *Watcher {
	w := &Watcher{
		paths:  paths,
		delay:  DefaultDelay,
		ignore: defaultIgnore,
		logger: log.Logger,
		files:  make(map[string]bool),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With().Str("component", "watch").Logger()
	return w
}

func defaultIgnore(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") ||
		strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, "-journal") ||
		strings.HasSuffix(base, "-wal") ||
		strings.HasSuffix(base, "-shm")
}

// Start registers the watched paths and processes events in the background
// until ctx is cancelled or Close is called. onChange is never called
// concurrently with itself.
func (w *Watcher) Start(ctx context.Context, onChange ChangeFunc) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.fsw = fsw

	for _, p := range w.paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = fsw.Close()
			return fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			_ = fsw.Close()
			return fmt.Errorf("failed to stat %s: %w", p, err)
		}

		if info.IsDir() {
			w.roots = append(w.roots, abs)
			if err := w.addTree(abs); err != nil {
				_ = fsw.Close()
				return fmt.Errorf("failed to watch directory %s: %w", p, err)
			}
			continue
		}

		// Editors replace files by rename, so the parent is watched.
		w.files[abs] = true
		if err := fsw.Add(filepath.Dir(abs)); err != nil {
			_ = fsw.Close()
			return fmt.Errorf("failed to watch file %s: %w", p, err)
		}
	}

	go w.processEvents(ctx, onChange)

	w.logger.Info().
		Int("paths", len(w.paths)).
		Dur("delay", w.delay).
		Msg("Started watching")
	return nil
}

// Done is closed once the watcher has stopped.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		if w.fsw != nil {
			err = w.fsw.Close()
		}
	})
	return err
}

// addTree watches dir and every directory below it that is not ignored.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.ignore(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// relevant reports whether a change to path should be reported.
func (w *Watcher) relevant(path string) bool {
	if w.ignore(path) {
		return false
	}
	if w.files[path] {
		return true
	}
	for _, root := range w.roots {
		if strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) processEvents(ctx context.Context, onChange ChangeFunc) {
	defer close(w.done)
	defer func() { _ = w.Close() }()

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending = make(map[string]struct{})
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
				continue
			}
			if event.Has(fsnotify.Create) && w.relevant(event.Name) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
				}
			}
			if !w.relevant(event.Name) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("File changed")

			pending[event.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.delay)
			} else {
				timer.Reset(w.delay)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			pending = make(map[string]struct{})

			w.logger.Info().Strs("changed", changed).Msg("Changes settled")
			if err := onChange(ctx, changed); err != nil {
				w.logger.Error().Err(err).Msg("Change handler failed")
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
