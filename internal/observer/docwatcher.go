// Package observer watches the knowledge base directory and feeds edited
// pattern documents back into the pattern store.
package observer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hochfrequenz/adw-orchestrator/internal/knowledge"
)

// Importer refines stored patterns from documents
type Importer interface {
	ImportFiles(ctx context.Context, files []string) ([]string, error)
}

// DocWatcher monitors <kb>/failure_patterns for edited pattern documents
type DocWatcher struct {
	watcher  *fsnotify.Watcher
	importer Importer
	dir      string
	debounce time.Duration
	logger   *slog.Logger
	onImport func(changed []string)

	pending map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex
}

// NewDocWatcher creates a watcher for the pattern documents under kbDir.
// The documents directory is created when missing.
func NewDocWatcher(kbDir string, imp Importer, logger *slog.Logger) (*DocWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(kbDir, knowledge.PatternsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	return &DocWatcher{
		watcher:  watcher,
		importer: imp,
		dir:      dir,
		debounce: 500 * time.Millisecond, // editors write in bursts
		logger:   logger,
		pending:  make(map[string]struct{}),
	}, nil
}

// SetDebounce sets the debounce duration for batching file changes
func (w *DocWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// OnImport registers a callback receiving the pattern IDs each import changed
func (w *DocWatcher) OnImport(fn func(changed []string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onImport = fn
}

// Dir is the watched directory
func (w *DocWatcher) Dir() string { return w.dir }

// Run watches until ctx is done, then closes the watcher
func (w *DocWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.logger.Info("watching pattern documents", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *DocWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[event.Name] = struct{}{}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.flush(ctx) })
}

func (w *DocWatcher) flush(ctx context.Context) {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	onImport := w.onImport
	w.mu.Unlock()

	if len(pending) == 0 || ctx.Err() != nil {
		return
	}
	files := make([]string, 0, len(pending))
	for f := range pending {
		files = append(files, f)
	}
	slices.Sort(files)

	changed, err := w.importer.ImportFiles(ctx, files)
	if err != nil {
		w.logger.Warn("importing pattern documents", "error", err)
	}
	if len(changed) > 0 {
		w.logger.Info("patterns refined from documents", "patterns", changed)
	}
	if onImport != nil {
		onImport(changed)
	}
}
