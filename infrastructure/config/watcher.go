package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceDelay = 500 * time.Millisecond

// Watcher reloads the configuration when a file under the config directory
// changes and hands the new value to registered callbacks.
type Watcher struct {
	loader    *Loader
	logger    *zap.Logger
	fsw       *fsnotify.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
	mu        sync.RWMutex
	current   *Config
	callbacks []func(*Config)
}

// NewWatcher starts watching initial.ConfigDir. It returns an error when the
// directory cannot be watched.
func NewWatcher(initial *Config, logger *zap.Logger) (*Watcher, error) {
	if initial.ConfigDir == "" {
		return nil, fmt.Errorf("no config directory to watch")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(initial.ConfigDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", initial.ConfigDir, err)
	}

	w := &Watcher{
		loader:  NewLoader(initial.ConfigDir, initial.Environment),
		logger:  logger.With(zap.String("component", "config_watcher")),
		fsw:     fsw,
		stopCh:  make(chan struct{}),
		current: initial,
	}
	go w.loop()
	w.logger.Info("Configuration hot reloading enabled", zap.String("dir", initial.ConfigDir))
	return w, nil
}

// OnChange registers fn to receive every successfully reloaded configuration.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Stop ends the watch loop. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

func (w *Watcher) loop() {
	defer w.fsw.Close()

	var timer *time.Timer
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !isConfigFile(event.Name) {
				continue
			}
			w.logger.Debug("Configuration file changed",
				zap.String("file", event.Name),
				zap.String("operation", event.Op.String()),
			)
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, w.reload)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error("Invalid configuration after reload, keeping previous", zap.Error(err))
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()

	if old.LogLevel != cfg.LogLevel {
		w.logger.Info("Log level changed",
			zap.String("old", old.LogLevel),
			zap.String("new", cfg.LogLevel),
		)
	}
	for _, fn := range callbacks {
		fn(cfg)
	}
	w.logger.Info("Configuration reloaded", zap.Int("callbacks_notified", len(callbacks)))
}
