package runtime

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/runlet-io/runlet/internal/runtime/config"
	loggingpkg "github.com/runlet-io/runlet/internal/runtime/logging"
)

// WatchConfig selects which file changes trigger a reload.
type WatchConfig struct {
	Directories []string
	// Suffixes filters relevant files by extension, e.g. ".go" or ".yaml".
	Suffixes       []string
	IgnoreDirNames []string
	// DebounceWindow coalesces a burst of change events into one trigger.
	DebounceWindow time.Duration
}

// WatchConfigFromConfig maps the service config onto a WatchConfig.
func WatchConfigFromConfig(cfg *config.Config) WatchConfig {
	return WatchConfig{
		Directories:    cfg.WatchDirectories,
		Suffixes:       cfg.WatchSuffixes,
		IgnoreDirNames: cfg.IgnoreDirNames,
		DebounceWindow: cfg.DebounceWindow,
	}
}

// FileWatcher watches source directories recursively and coalesces relevant
// change events into reload triggers. Directories created while watching are
// picked up; ignored directory names are never descended into.
type FileWatcher struct {
	cfg     WatchConfig
	logger  loggingpkg.ServiceLogger
	trigger func()

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	pending time.Time
}

// NewFileWatcher builds a watcher that calls trigger once per coalesced
// burst of relevant changes.
func NewFileWatcher(cfg WatchConfig, trigger func(), logger loggingpkg.ServiceLogger) *FileWatcher {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	return &FileWatcher{
		cfg:     cfg,
		logger:  logger,
		trigger: trigger,
		done:    make(chan struct{}),
	}
}

// Start registers the watch roots and begins the event loop.
func (w *FileWatcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("file watcher: create fsnotify: %w", err)
	}
	w.fsWatcher = fsw

	for _, root := range w.cfg.Directories {
		if err := w.addRecursive(root); err != nil {
			_ = fsw.Close()
			return fmt.Errorf("file watcher: watch %s: %w", root, err)
		}
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop terminates the watcher and waits for the event loop to exit. Safe to
// call more than once.
func (w *FileWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

func (w *FileWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignoredDir(d.Name()) && path != root {
			return filepath.SkipDir
		}
		return w.fsWatcher.Add(path)
	})
}

func (w *FileWatcher) ignoredDir(name string) bool {
	for _, ignored := range w.cfg.IgnoreDirNames {
		if name == ignored {
			return true
		}
	}
	return false
}

func (w *FileWatcher) relevant(path string) bool {
	if len(w.cfg.Suffixes) == 0 {
		return true
	}
	for _, suffix := range w.cfg.Suffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

func (w *FileWatcher) loop() {
	defer w.wg.Done()

	// Tick at a fraction of the window so a quiet period is detected soon
	// after it starts.
	interval := w.cfg.DebounceWindow / 4
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", loggingpkg.LogFields{"error": err.Error()})

		case <-ticker.C:
			w.firePending()
		}
	}
}

func (w *FileWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.ignoredDir(filepath.Base(event.Name)) {
				if err := w.addRecursive(event.Name); err != nil {
					w.logger.Warn("Failed to watch new directory", loggingpkg.LogFields{
						"path":  event.Name,
						"error": err.Error(),
					})
				}
			}
			return
		}
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	if !w.relevant(event.Name) {
		return
	}

	w.mu.Lock()
	w.pending = time.Now()
	w.mu.Unlock()
}

// firePending triggers a reload once no relevant event has arrived for a
// full debounce window.
func (w *FileWatcher) firePending() {
	w.mu.Lock()
	ready := !w.pending.IsZero() && time.Since(w.pending) >= w.cfg.DebounceWindow
	if ready {
		w.pending = time.Time{}
	}
	w.mu.Unlock()

	if ready {
		w.logger.Info("Source change detected, triggering reload", nil)
		w.trigger()
	}
}
