// Package watcher re-validates the gados-project tree when its files change
// and broadcasts the result.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alfredjeanlab/gados/internal/events"
	"github.com/alfredjeanlab/gados/internal/paths"
	"github.com/alfredjeanlab/gados/internal/validator"
)

// DefaultDebounce is how long changes must settle before re-validating.
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches every directory under the gados root. Changes are
// batched: once no event has arrived for the debounce window the validator
// runs once and an ArtifactsValidated event is published.
type Watcher struct {
	project   paths.Project
	publisher events.Publisher
	logger    *slog.Logger
	debounce  time.Duration

	// OnValidated, when set, receives every validation result.
	OnValidated func(findings []validator.Finding)

	fsw     *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a Watcher for p. A zero debounce selects DefaultDebounce.
func New(p paths.Project, publisher events.Publisher, debounce time.Duration, logger *slog.Logger) *Watcher {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		project:   p,
		publisher: publisher,
		logger:    logger,
		debounce:  debounce,
		pending:   make(map[string]time.Time),
	}
}

// Start adds the gados root and its subdirectories to the watch list and
// begins processing events.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(w.project.GadosRoot, 0o755); err != nil {
		_ = fsw.Close()
		return err
	}
	w.fsw = fsw
	if err := w.addTree(w.project.GadosRoot); err != nil {
		_ = fsw.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return nil
}

// Stop ends event processing and closes the underlying watcher.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.wg.Wait()
	if err := w.fsw.Close(); err != nil {
		w.logger.Warn("artifact watcher close failed", "err", err)
	}
	w.cancel = nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) run(ctx context.Context) {
	tick := time.NewTicker(w.debounce / 4)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("artifact watcher error", "err", err)
		case <-tick.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod || strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return
	}
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("artifact watcher add failed", "path", ev.Name, "err", err)
			}
		}
	}
	w.mu.Lock()
	w.pending[w.project.Rel(ev.Name)] = time.Now()
	w.mu.Unlock()
}

// flush validates once all pending changes are older than the debounce
// window.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	now := time.Now()
	for _, at := range w.pending {
		if now.Sub(at) < w.debounce {
			w.mu.Unlock()
			return
		}
	}
	changed := make([]string, 0, len(w.pending))
	for rel := range w.pending {
		changed = append(changed, rel)
	}
	clear(w.pending)
	w.mu.Unlock()

	slices.Sort(changed)
	w.validate(ctx, changed)
}

func (w *Watcher) validate(ctx context.Context, changed []string) {
	findings, err := validator.Validate(w.project)
	if err != nil {
		w.logger.Error("artifact re-validation failed", "err", err)
		return
	}
	errs, warns := validator.Counts(findings)
	w.logger.Info("artifacts re-validated", "changed", len(changed), "errors", errs, "warnings", warns)
	if w.OnValidated != nil {
		w.OnValidated(findings)
	}
	if err := w.publisher.Publish(ctx, events.TopicArtifactsValidated, events.ArtifactsValidated{
		Errors:   errs,
		Warnings: warns,
		Changed:  changed,
	}); err != nil {
		w.logger.Warn("failed to publish event", "topic", events.TopicArtifactsValidated, "err", err)
	}
}
