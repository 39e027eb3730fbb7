package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is called with the freshly loaded configuration after the
// overrides file changes on disk.
type ChangeHandler func(Config)

// Watcher hot-reloads the overrides file and republishes a validated
// snapshot to registered handlers. A reload that fails validation keeps the
// previous snapshot.
type Watcher struct {
	path    string
	logger  *zap.Logger
	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	stopped sync.Once

	mu       sync.RWMutex
	current  Config
	handlers []ChangeHandler
}

// NewWatcher creates a watcher for the given overrides file. The initial
// snapshot must already have been loaded by the caller.
func NewWatcher(path string, initial Config, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace files on save and
	// a watch on the old inode goes silent.
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:    path,
		logger:  logger,
		fsw:     fsw,
		stopCh:  make(chan struct{}),
		current: initial,
	}, nil
}

// Current returns the latest validated snapshot.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a handler invoked after each successful reload.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	w.stopped.Do(func() {
		close(w.stopCh)
		w.fsw.Close()
	})
}

func (w *Watcher) loop() {
	// Debounce: editors fire several events per save.
	var pending *time.Timer
	reload := func() {
		cfg, err := LoadFile(w.path, w.logger)
		if err != nil {
			w.logger.Warn("Config reload failed, keeping previous snapshot",
				zap.String("path", w.path),
				zap.Error(err),
			)
			return
		}
		w.mu.Lock()
		w.current = cfg
		handlers := make([]ChangeHandler, len(w.handlers))
		copy(handlers, w.handlers)
		w.mu.Unlock()
		w.logger.Info("Config reloaded", zap.String("path", w.path))
		for _, h := range handlers {
			h(cfg)
		}
	}

	for {
		select {
		case <-w.stopCh:
			if pending != nil {
				pending.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(250*time.Millisecond, reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}
