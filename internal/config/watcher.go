package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadFunc re-reads one watched source. Returning an error keeps the
// previous version in service; the watcher logs and moves on.
type ReloadFunc func() error

// Watcher hot-reloads registered files and directories. A single fsnotify
// watcher serves every registration; a short debounce absorbs the rapid
// write bursts editors and config mounts produce.
type Watcher struct {
	logger   *zap.Logger
	notifier *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	files   map[string]ReloadFunc
	dirs    map[string]ReloadFunc
	started bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher creates an inactive watcher; register sources, then Start.
func NewWatcher(debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		logger:   logger.Named("watcher"),
		notifier: notifier,
		debounce: debounce,
		files:    make(map[string]ReloadFunc),
		dirs:     make(map[string]ReloadFunc),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// WatchFile registers a single file. Its parent directory is watched so
// rename-replace writes (editors, mounted configs) are still observed.
func (w *Watcher) WatchFile(path string, fn ReloadFunc) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := w.notifier.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w.mu.Lock()
	w.files[abs] = fn
	w.mu.Unlock()
	return nil
}

// WatchDir registers a directory; any YAML change inside triggers fn.
func (w *Watcher) WatchDir(dir string, fn ReloadFunc) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	if err := w.notifier.Add(abs); err != nil {
		return fmt.Errorf("watch %s: %w", abs, err)
	}
	w.mu.Lock()
	w.dirs[abs] = fn
	w.mu.Unlock()
	return nil
}

// Start begins delivering reloads. Safe to call once.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.loop()
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()

	close(w.stopCh)
	_ = w.notifier.Close()
	<-w.doneCh
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.notifier.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.notifier.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	// Editors write in bursts; let the file settle before re-reading.
	time.Sleep(w.debounce)

	abs := event.Name
	if a, err := filepath.Abs(abs); err == nil {
		abs = a
	}

	w.mu.Lock()
	fileFn := w.files[abs]
	dirFn := w.dirs[filepath.Dir(abs)]
	w.mu.Unlock()

	switch {
	case fileFn != nil:
		w.fire("file", abs, fileFn)
	case dirFn != nil && isYAMLPath(abs):
		w.fire("dir", filepath.Dir(abs), dirFn)
	}
}

func (w *Watcher) fire(kind, target string, fn ReloadFunc) {
	if err := fn(); err != nil {
		w.logger.Warn("Reload rejected, keeping previous version",
			zap.String(kind, target),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("Reloaded", zap.String(kind, target))
}

func isYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
