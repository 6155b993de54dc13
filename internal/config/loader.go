package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Loader holds the live configuration and watches the config file so the
// tuning section can be adjusted without a restart. Only Tuning is swapped on
// reload; listener addresses and store paths require a restart.
type Loader struct {
	path     string
	logger   *slog.Logger
	mu       sync.RWMutex
	tuning   TuningConfig
	onChange []func(TuningConfig)
	watcher  *fsnotify.Watcher
}

// NewLoader wraps an already-loaded Config for hot reloading.
func NewLoader(path string, cfg *Config, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{path: path, logger: logger, tuning: cfg.Tuning}
}

// Tuning returns the current tuning parameters.
func (l *Loader) Tuning() TuningConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tuning
}

// OnChange registers a callback invoked whenever the tuning section reloads.
func (l *Loader) OnChange(fn func(TuningConfig)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that reloads tuning parameters on file
// changes. Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					l.reload()
				}
			case watchErr, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watch error", slog.Any("error", watchErr))
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

func (l *Loader) reload() {
	cfg, err := Load(l.path)
	if err != nil {
		// Keep serving the previous tuning on a bad edit.
		l.logger.Warn("config reload failed", slog.String("path", l.path), slog.Any("error", err))
		return
	}

	l.mu.Lock()
	l.tuning = cfg.Tuning
	callbacks := make([]func(TuningConfig), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()

	l.logger.Info("tuning parameters reloaded",
		slog.Duration("half_life", cfg.Tuning.TimeDecayHalfLife),
		slog.Int("min_validation_sample", cfg.Tuning.MinValidationSample))
	for _, fn := range callbacks {
		fn(cfg.Tuning)
	}
}
