// Package watch re-runs sync detection when the epic hierarchy changes
// on disk.
//
// The watcher monitors the epic root and its story directories with
// fsnotify, debounces bursts of events (editors write several times per
// save), and invokes a callback with the batched set of changed paths.
// The callback typically runs a dry-run detection pass so the user sees
// drift as they edit.
package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce batches events that arrive close together.
const defaultDebounce = 500 * time.Millisecond

// Watcher watches an epic root for markdown changes.
type Watcher struct {
	root     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	running bool
}

// New creates a Watcher over the epic root directory. The watcher must
// be started with Run before it emits anything.
func New(root string, logger *log.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[watch] ", log.LstdFlags)
	}
	return &Watcher{
		root:     root,
		watcher:  fsw,
		debounce: defaultDebounce,
		logger:   logger,
	}, nil
}

// Run watches until the context is cancelled, invoking onChange with the
// debounced set of changed paths. onChange runs on the watcher goroutine;
// a slow callback delays further notifications but never drops them.
func (w *Watcher) Run(ctx context.Context, onChange func(paths []string)) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addDirs(); err != nil {
		return err
	}
	w.logger.Printf("watching %s", w.root)

	pending := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		pending = make(map[string]bool)
		onChange(paths)
	}

	for {
		select {
		case <-ctx.Done():
			w.Close()
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			// New story directories need watching too.
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.watcher.Add(event.Name); err != nil {
						w.logger.Printf("WARNING: failed to watch %s: %v", event.Name, err)
					}
					continue
				}
			}
			pending[event.Name] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			flush()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("WARNING: watch error: %v", err)
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// addDirs registers the root and every existing story directory.
func (w *Watcher) addDirs() error {
	if err := w.watcher.Add(w.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", w.root, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(w.root, entry.Name())
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	return nil
}

// relevant filters events down to hierarchy markdown, ignoring shadow
// copies and editor temp files.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return false
	}
	if strings.HasSuffix(name, ".remote.md") {
		return false
	}
	if event.Op.Has(fsnotify.Create) {
		// Could be a new story directory; decided by the caller.
		return true
	}
	return strings.HasSuffix(name, ".md")
}
