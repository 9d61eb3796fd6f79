// Package logging is the process-wide structured logger: JSON lines through
// slog into a rotating file, mirrored into an in-memory ring for crash dumps,
// with a summarizer for chatty events.
package logging

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names attached to every record as "component".
const (
	CompTerminal = "terminal"
	CompDaemon   = "daemon"
	CompSpawner  = "spawner"
	CompBridge   = "bridge"
	CompRegistry = "registry"
	CompPersist  = "persist"
	CompConfig   = "config"
	CompLedger   = "ledger"
	CompCLI      = "cli"
)

const (
	defaultFileName       = "debug.log"
	defaultMaxSizeMB      = 10
	defaultMaxBackups     = 5
	defaultMaxAgeDays     = 10
	defaultRingBytes      = 4 << 20
	defaultAggregateEvery = 30 * time.Second
	DefaultPprofAddr      = "127.0.0.1:6061"
)

// Config holds logging configuration.
type Config struct {
	// LogDir receives FileName. Empty with Debug off discards all output.
	LogDir string
	// FileName inside LogDir; the daemon and the controller use separate
	// files. Default debug.log.
	FileName string

	// Level: debug, info (default), warn, error.
	Level string
	// Format: json (default) or text.
	Format string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// RingBufferSize bounds the crash-dump ring in bytes.
	RingBufferSize int
	// AggregateIntervalSecs is how often event summaries are written.
	AggregateIntervalSecs int

	PprofEnabled bool
	// PprofAddr defaults to DefaultPprofAddr.
	PprofAddr string

	Debug bool
}

func (c *Config) withDefaults() {
	if c.FileName == "" {
		c.FileName = defaultFileName
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = defaultMaxSizeMB
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = defaultMaxBackups
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = defaultMaxAgeDays
	}
	if c.RingBufferSize <= 0 {
		c.RingBufferSize = defaultRingBytes
	}
	if c.PprofAddr == "" {
		c.PprofAddr = DefaultPprofAddr
	}
}

func (c *Config) aggregateInterval() time.Duration {
	if c.AggregateIntervalSecs <= 0 {
		return defaultAggregateEvery
	}
	return time.Duration(c.AggregateIntervalSecs) * time.Second
}

// state is everything Init builds and Shutdown tears down.
type state struct {
	logger *slog.Logger
	file   *lumberjack.Logger
	ring   *RingBuffer
	agg    *Aggregator
	pprof  *pprofServer
}

var (
	mu      sync.RWMutex
	current *state
	level   = new(slog.LevelVar)

	discard = slog.New(slog.NewJSONHandler(io.Discard, nil))
)

// ParseLevel maps a level name to a slog level; unknown names are info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the minimum level of the running logger.
func SetLevel(name string) {
	level.Set(ParseLevel(name))
}

// Level returns the current minimum level.
func Level() slog.Level {
	return level.Level()
}

// Init replaces the global logger. Calling it again first shuts the previous
// one down.
func Init(cfg Config) {
	Shutdown()
	cfg.withDefaults()
	level.Set(ParseLevel(cfg.Level))

	st := &state{}
	if !cfg.Debug && cfg.LogDir == "" {
		st.logger = discard
		st.agg = NewAggregator(nil, cfg.aggregateInterval())
	} else {
		st.file = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, cfg.FileName),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		st.ring = NewRingBuffer(cfg.RingBufferSize)
		out := io.MultiWriter(st.file, st.ring)

		opts := &slog.HandlerOptions{Level: level}
		if cfg.Format == "text" {
			st.logger = slog.New(slog.NewTextHandler(out, opts))
		} else {
			st.logger = slog.New(slog.NewJSONHandler(out, opts))
		}
		st.agg = NewAggregator(st.logger, cfg.aggregateInterval())
		st.agg.Start()
	}

	mu.Lock()
	current = st
	mu.Unlock()

	if cfg.PprofEnabled {
		srv, err := startPprof(cfg.PprofAddr)
		if err != nil {
			st.logger.Warn("pprof_start_failed", slog.String("addr", cfg.PprofAddr), slog.String("error", err.Error()))
		} else {
			mu.Lock()
			st.pprof = srv
			mu.Unlock()
		}
	}
}

// Logger returns the global logger, discarding output before Init.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return discard
	}
	return current.logger
}

// ForComponent returns a logger tagged with component. It may be created
// before Init, e.g. as a package variable, and follows later re-inits.
func ForComponent(name string) *slog.Logger {
	return slog.New(&componentHandler{component: name})
}

// Aggregate counts a high-frequency event; the count is logged as an
// event_summary record on the next flush.
func Aggregate(component, event string, fields ...slog.Attr) {
	mu.RLock()
	st := current
	mu.RUnlock()
	if st != nil && st.agg != nil {
		st.agg.Record(component, event, fields...)
	}
}

// DumpRingBuffer writes the recent log lines to path. It is a no-op when
// logging is discarded.
func DumpRingBuffer(path string) error {
	mu.RLock()
	st := current
	mu.RUnlock()
	if st == nil || st.ring == nil {
		return nil
	}
	return st.ring.DumpToFile(path)
}

// Shutdown flushes summaries and closes the log file.
func Shutdown() {
	mu.Lock()
	st := current
	current = nil
	mu.Unlock()
	if st == nil {
		return
	}
	if st.pprof != nil {
		st.pprof.close()
	}
	if st.agg != nil {
		st.agg.Stop()
	}
	if st.file != nil {
		_ = st.file.Close()
	}
}
