package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/agent-ptyd/internal/logging"
	"github.com/asheshgoplani/agent-ptyd/internal/platform"
)

const (
	watchDebounce       = 100 * time.Millisecond
	defaultPollInterval = time.Second
)

// Watcher reloads config.toml when it changes and hands the result to
// onChange. It watches the parent directory so editors that replace the file
// by rename are still seen. On filesystems where fsnotify is unreliable it
// polls the modification time instead.
type Watcher struct {
	path     string
	onChange func(*Config)

	fsw          *fsnotify.Watcher
	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher prepares a watcher for path. Call Start to begin.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:         path,
		onChange:     onChange,
		pollInterval: defaultPollInterval,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	if warning := platform.CheckFsnotifySupport(dir); warning != "" {
		cfgLog.Warn("config_watch_polling", slog.String("reason", warning))
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		cfgLog.Warn("config_watch_polling", slog.String("reason", err.Error()))
		return w, nil
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		cfgLog.Warn("config_watch_polling", slog.String("reason", err.Error()))
		return w, nil
	}
	w.fsw = fsw
	return w, nil
}

// Polling reports whether the watcher fell back to mtime polling.
func (w *Watcher) Polling() bool {
	return w.fsw == nil
}

// Start runs the watch loop in its own goroutine.
func (w *Watcher) Start() {
	if w.fsw != nil {
		go w.watchLoop()
	} else {
		go w.pollLoop()
	}
}

// Stop ends the loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			cfgLog.Warn("config_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) pollLoop() {
	defer close(w.done)
	last := w.modTime()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if mt := w.modTime(); !mt.Equal(last) {
				last = mt
				w.schedule()
			}
		}
	}
}

func (w *Watcher) modTime() time.Time {
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, w.reload)
}

func (w *Watcher) reload() {
	if w.ctx.Err() != nil {
		return
	}
	cfg, err := LoadFile(w.path)
	if err != nil {
		cfgLog.Warn("config_reload_failed", slog.String("error", err.Error()))
		return
	}
	cfgLog.Debug("config_reloaded", slog.String("path", w.path))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// ApplyAccessMode returns an onChange callback that flips sw to the reloaded
// buffer access mode.
func ApplyAccessMode(sw *AccessSwitch) func(*Config) {
	return func(cfg *Config) {
		mode := cfg.InitialAccessMode()
		if sw.Set(mode) {
			cfgLog.Info("buffer_access_changed", slog.String("mode", string(mode)))
		}
	}
}

// ApplyLogLevel returns an onChange callback that moves the running logger
// to the reloaded [logs] level.
func ApplyLogLevel() func(*Config) {
	return func(cfg *Config) {
		lvl := cfg.LoggingConfig("", "").Level
		if logging.ParseLevel(lvl) != logging.Level() {
			logging.SetLevel(lvl)
			cfgLog.Info("log_level_changed", slog.String("level", lvl))
		}
	}
}

// Chain runs each callback in order.
func Chain(fns ...func(*Config)) func(*Config) {
	return func(cfg *Config) {
		for _, fn := range fns {
			fn(cfg)
		}
	}
}
