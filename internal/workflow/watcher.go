package workflow

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/autopilot/internal/logging"
)

const reloadDebounce = 200 * time.Millisecond

// Watcher reloads an engine's definitions whenever the definitions directory changes.
// A reload that fails validation keeps the previous definitions.
type Watcher struct {
	dir    string
	engine *Engine
	logger *logging.Logger

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	// reloaded receives the result of every reload; nil unless set by tests.
	reloaded chan error
}

func NewWatcher(dir string, engine *Engine, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Watcher{dir: dir, engine: engine, logger: logger}
}

// Reload loads the directory once and installs the result.
func (w *Watcher) Reload() error {
	defs, err := LoadDir(w.dir)
	if err != nil {
		return err
	}
	if err := w.engine.Replace(defs); err != nil {
		return err
	}
	for _, d := range defs {
		if unreachable := Unreachable(d); len(unreachable) > 0 {
			w.logger.Warnf("workflow %s has unreachable steps %v", d.ID, unreachable)
		}
	}
	w.logger.Infof("loaded %d workflow definitions from %s", len(defs), w.dir)
	return nil
}

// Start performs an initial load and then watches until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("ensure workflow dir: %w", err)
	}
	if err := w.Reload(); err != nil {
		return fmt.Errorf("initial workflow load: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.watcher = fw

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isDefinitionFile(baseName(event.Name)) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				debounce = time.After(reloadDebounce)
			}
		case <-debounce:
			debounce = nil
			err := w.Reload()
			if err != nil {
				w.logger.Errorf("reload workflows: %v", err)
			}
			if w.reloaded != nil {
				select {
				case w.reloaded <- err:
				default:
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

// Close stops watching and waits for the loop to exit.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.wg.Wait()
	w.watcher = nil
	return err
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if os.IsPathSeparator(path[i]) {
			return path[i+1:]
		}
	}
	return path
}
