// Package config loads the ptyd configuration from config.toml in the state
// directory and applies environment overrides on top.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/agent-ptyd/internal/logging"
)

var cfgLog = logging.ForComponent(logging.CompConfig)

const (
	// FileName is the config file inside the state directory.
	FileName = "config.toml"

	// DefaultStateDirName is created under the user's home directory.
	DefaultStateDirName = ".agent-ptyd"

	DefaultDaemonHost       = "127.0.0.1"
	DefaultDaemonPort       = 47821
	DefaultBridgeHost       = "127.0.0.1"
	DefaultBridgePort       = 47822
	DefaultStartupTimeoutMS = 10000
	DefaultHeartbeatSeconds = 30
)

// Environment variables that override file settings.
const (
	EnvHome         = "PTYD_HOME"
	EnvDaemonHost   = "PTYD_DAEMON_HOST"
	EnvDaemonPort   = "PTYD_DAEMON_PORT"
	EnvBridgePort   = "PTYD_BRIDGE_PORT"
	EnvRegistryURL  = "PTYD_REGISTRY_URL"
	EnvBufferAccess = "PTYD_BUFFER_ACCESS"
	EnvProjectRoot  = "PTYD_PROJECT_ROOT"
)

// Config is the decoded config.toml.
type Config struct {
	Daemon   DaemonSettings   `toml:"daemon"`
	Bridge   BridgeSettings   `toml:"bridge"`
	Registry RegistrySettings `toml:"registry"`
	Buffer   BufferSettings   `toml:"buffer"`
	Persist  PersistSettings  `toml:"persist"`
	Logs     LogSettings      `toml:"logs"`

	// ProjectRoot only comes from PTYD_PROJECT_ROOT. New sessions without an
	// explicit cwd start here.
	ProjectRoot string `toml:"-"`
}

// DaemonSettings controls where the PTY daemon listens and whether the
// controller launches it on demand.
type DaemonSettings struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	AutoStart        *bool  `toml:"auto_start"`
	StartupTimeoutMS int    `toml:"startup_timeout_ms"`
}

// BridgeSettings controls the HTTP control bridge.
type BridgeSettings struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// RegistrySettings points at the external session registry. An empty URL
// disables registration.
type RegistrySettings struct {
	URL              string `toml:"url"`
	HeartbeatSeconds int    `toml:"heartbeat_seconds"`
}

// BufferSettings holds the initial buffer access mode ("off" or "on").
type BufferSettings struct {
	AccessMode string `toml:"access_mode"`
}

// PersistSettings overrides where session records and scrollback live.
type PersistSettings struct {
	Dir string `toml:"dir"`
}

// LogSettings maps onto logging.Config.
type LogSettings struct {
	Level         string `toml:"level"`
	Format        string `toml:"format"`
	MaxSizeMB     int    `toml:"max_size_mb"`
	Backups       int    `toml:"backups"`
	RetentionDays int    `toml:"retention_days"`
	Compress      *bool  `toml:"compress"`
	Debug         bool   `toml:"debug"`
	Pprof         bool   `toml:"pprof"`
}

// Default returns a config with every field at its default.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Daemon.Host == "" {
		c.Daemon.Host = DefaultDaemonHost
	}
	if c.Daemon.Port == 0 {
		c.Daemon.Port = DefaultDaemonPort
	}
	if c.Daemon.AutoStart == nil {
		on := true
		c.Daemon.AutoStart = &on
	}
	if c.Daemon.StartupTimeoutMS <= 0 {
		c.Daemon.StartupTimeoutMS = DefaultStartupTimeoutMS
	}
	if c.Bridge.Host == "" {
		c.Bridge.Host = DefaultBridgeHost
	}
	if c.Bridge.Port == 0 {
		c.Bridge.Port = DefaultBridgePort
	}
	if c.Registry.HeartbeatSeconds <= 0 {
		c.Registry.HeartbeatSeconds = DefaultHeartbeatSeconds
	}
	if c.Buffer.AccessMode == "" {
		c.Buffer.AccessMode = string(AccessOff)
	}
}

// StateDir returns PTYD_HOME if set, otherwise ~/.agent-ptyd.
func StateDir() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, DefaultStateDirName), nil
}

// Path returns the config file path inside the state directory.
func Path() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads the config from the state directory. A missing file yields the
// defaults. Environment overrides are applied in both cases.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads the config at path. On a parse error the defaults (with
// environment overrides) are returned together with the error so callers can
// report it and keep running.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	var loadErr error

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			cfg = Config{}
			loadErr = fmt.Errorf("config.toml parse error: %w", err)
		}
	} else if !os.IsNotExist(err) {
		loadErr = fmt.Errorf("stat config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv(os.Getenv)
	if _, err := ParseAccessMode(cfg.Buffer.AccessMode); err != nil {
		cfgLog.Warn("config_invalid_access_mode", slog.String("value", cfg.Buffer.AccessMode))
		cfg.Buffer.AccessMode = string(AccessOff)
	}
	return &cfg, loadErr
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvDaemonHost); v != "" {
		c.Daemon.Host = v
	}
	if v := getenv(EnvDaemonPort); v != "" {
		if port, ok := parsePort(v); ok {
			c.Daemon.Port = port
		} else {
			cfgLog.Warn("config_env_invalid", slog.String("var", EnvDaemonPort), slog.String("value", v))
		}
	}
	if v := getenv(EnvBridgePort); v != "" {
		if port, ok := parsePort(v); ok {
			c.Bridge.Port = port
		} else {
			cfgLog.Warn("config_env_invalid", slog.String("var", EnvBridgePort), slog.String("value", v))
		}
	}
	if v := getenv(EnvRegistryURL); v != "" {
		c.Registry.URL = strings.TrimRight(v, "/")
	}
	if v := getenv(EnvBufferAccess); v != "" {
		c.Buffer.AccessMode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := getenv(EnvProjectRoot); v != "" {
		c.ProjectRoot = v
	}
}

func parsePort(s string) (int, bool) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

// DaemonAddr is host:port of the daemon.
func (c *Config) DaemonAddr() string {
	return net.JoinHostPort(c.Daemon.Host, strconv.Itoa(c.Daemon.Port))
}

// BridgeAddr is host:port the bridge tries first.
func (c *Config) BridgeAddr() string {
	return net.JoinHostPort(c.Bridge.Host, strconv.Itoa(c.Bridge.Port))
}

// AutoStart reports whether the controller should launch a missing daemon.
func (c *Config) AutoStart() bool {
	return c.Daemon.AutoStart == nil || *c.Daemon.AutoStart
}

// StartupTimeout is the longest the spawner waits for a launched daemon.
func (c *Config) StartupTimeout() time.Duration {
	return time.Duration(c.Daemon.StartupTimeoutMS) * time.Millisecond
}

// HeartbeatInterval is the registry heartbeat period.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Registry.HeartbeatSeconds) * time.Second
}

// InitialAccessMode parses the configured buffer access mode.
func (c *Config) InitialAccessMode() AccessMode {
	mode, err := ParseAccessMode(c.Buffer.AccessMode)
	if err != nil {
		return AccessOff
	}
	return mode
}

// PersistDir returns the configured persistence directory, defaulting to
// <stateDir>/sessions.
func (c *Config) PersistDir(stateDir string) string {
	if c.Persist.Dir != "" {
		return expandHome(c.Persist.Dir)
	}
	return filepath.Join(stateDir, "sessions")
}

// LoggingConfig converts the [logs] section for logging.Init.
func (c *Config) LoggingConfig(stateDir, fileName string) logging.Config {
	compress := true
	if c.Logs.Compress != nil {
		compress = *c.Logs.Compress
	}
	level := c.Logs.Level
	if level == "" {
		level = "info"
		if c.Logs.Debug {
			level = "debug"
		}
	}
	return logging.Config{
		LogDir:       stateDir,
		Level:        level,
		Format:       c.Logs.Format,
		MaxSizeMB:    c.Logs.MaxSizeMB,
		MaxBackups:   c.Logs.Backups,
		MaxAgeDays:   c.Logs.RetentionDays,
		Compress:     compress,
		FileName:     fileName,
		PprofEnabled: c.Logs.Pprof,
		Debug:        c.Logs.Debug,
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Save writes cfg to path using a temp file, fsync and rename.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# agent-ptyd configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	_ = f.Sync()
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}
	return nil
}
