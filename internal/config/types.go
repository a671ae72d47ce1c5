package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"envsync/internal/launchenv"
	"envsync/internal/resync"
	logx "envsync/pkg/logx"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Bus       BusConfig       `json:"bus"`
	Receivers ReceiversConfig `json:"receivers"`
	Env       EnvConfig       `json:"env"`
	Watch     WatchConfig     `json:"watch"`
	History   HistoryConfig   `json:"history"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BusConfig controls the session bus connection.
//
// CallTimeout is a Go duration string. "0s" or empty uses the transport
// default (25s); a negative value is rejected.
type BusConfig struct {
	Address     string `json:"address,omitempty"`
	CallTimeout string `json:"call_timeout,omitempty"`
	NoAutoStart bool   `json:"no_autostart,omitempty"`
}

// ReceiversConfig overrides the built-in receiver addresses. Omitted fields
// keep the built-in value.
type ReceiversConfig struct {
	KLauncher  ReceiverConfig `json:"klauncher"`
	Startup    ReceiverConfig `json:"startup"`
	Activation ReceiverConfig `json:"activation"`
	Systemd    ReceiverConfig `json:"systemd"`
}

// ReceiverConfig is one receiver override. Enabled is a pointer so an
// omitted key means "enabled".
type ReceiverConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Destination string `json:"destination,omitempty"`
	Path        string `json:"path,omitempty"`
	Interface   string `json:"interface,omitempty"`
	Method      string `json:"method,omitempty"`
}

func (r ReceiverConfig) enabled() bool { return r.Enabled == nil || *r.Enabled }

// EnvConfig selects what gets propagated.
//
// The process environment is included unless include_process is false; the
// env file (dotenv / environment.d syntax) is layered on top. Only, Prefixes
// and Exclude then narrow the result.
type EnvConfig struct {
	File           string   `json:"file,omitempty"`
	IncludeProcess *bool    `json:"include_process,omitempty"`
	Only           []string `json:"only,omitempty"`
	Prefixes       []string `json:"prefixes,omitempty"`
	Exclude        []string `json:"exclude,omitempty"`
}

func (e EnvConfig) IncludesProcess() bool { return e.IncludeProcess == nil || *e.IncludeProcess }

// WatchConfig controls `envsync watch`.
//
// Defaults (when fields are omitted/zero):
//   - debounce: "500ms"
//   - resync: "" (disabled). Accepts a cron spec, a Go duration or HH:MM.
//   - rate_per_min: 30
//   - burst: 3
//   - timezone: local
type WatchConfig struct {
	Debounce   string `json:"debounce,omitempty"`
	Resync     string `json:"resync,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"`
	Burst      int    `json:"burst,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

// HistoryConfig selects the run history store.
// Driver is "file" (JSON Lines), "sqlite" or "none".
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Keep        int    `json:"keep,omitempty"`
}

const (
	defaultDebounce   = 500 * time.Millisecond
	defaultRatePerMin = 30
	defaultBurst      = 3
	defaultKeep       = 500
)

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
	}
	cfg.Normalize()
	return cfg
}

// Normalize fills omitted fields with their defaults.
func (c *Config) Normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		c.Logging.File.Path = filepath.Join(stateDir(), "envsync.log")
	}

	c.Env.File = expandHome(strings.TrimSpace(c.Env.File))

	if strings.TrimSpace(c.Watch.Debounce) == "" {
		c.Watch.Debounce = defaultDebounce.String()
	}
	if c.Watch.RatePerMin == 0 {
		c.Watch.RatePerMin = defaultRatePerMin
	}
	if c.Watch.Burst == 0 {
		c.Watch.Burst = defaultBurst
	}

	c.History.Driver = strings.ToLower(strings.TrimSpace(c.History.Driver))
	if c.History.Driver == "" {
		c.History.Driver = "file"
	}
	if strings.TrimSpace(c.History.Path) == "" {
		switch c.History.Driver {
		case "sqlite":
			c.History.Path = filepath.Join(stateDir(), "history.db")
		case "file":
			c.History.Path = filepath.Join(stateDir(), "history.jsonl")
		}
	}
	c.History.Path = expandHome(c.History.Path)
	if c.History.Keep == 0 {
		c.History.Keep = defaultKeep
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	if _, err := ParseDurationField("bus.call_timeout", c.Bus.CallTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("watch.debounce", c.Watch.Debounce); err != nil {
		errs = append(errs, err)
	}
	if s := strings.TrimSpace(c.Watch.Resync); s != "" {
		if _, err := resync.ParseSchedule(s); err != nil {
			errs = append(errs, fmt.Errorf("watch.resync: %w", err))
		}
	}
	if c.Watch.RatePerMin < 0 {
		errs = append(errs, errors.New("watch.rate_per_min: must be >= 0"))
	}
	if c.Watch.Burst < 0 {
		errs = append(errs, errors.New("watch.burst: must be >= 0"))
	}
	if tz := strings.TrimSpace(c.Watch.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("watch.timezone: %w", err))
		}
	}

	switch c.History.Driver {
	case "file", "sqlite", "none":
	default:
		errs = append(errs, fmt.Errorf("history.driver: unsupported driver %q", c.History.Driver))
	}
	if _, err := ParseDurationField("history.busy_timeout", c.History.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.History.Keep < 0 {
		errs = append(errs, errors.New("history.keep: must be >= 0"))
	}

	for _, n := range c.Env.Only {
		if !launchenv.IsValidIdentifier(n) {
			errs = append(errs, fmt.Errorf("env.only: invalid name %q", n))
		}
	}

	if err := c.Receivers.Resolve().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("receivers: %w", err))
	}

	return errors.Join(errs...)
}

// Resolve overlays the overrides on the built-in receivers.
func (rc ReceiversConfig) Resolve() launchenv.Receivers {
	rs := launchenv.DefaultReceivers()
	for i := range rs.Legacy {
		switch rs.Legacy[i].Name {
		case launchenv.ReceiverKLauncher:
			rs.Legacy[i] = overlay(rs.Legacy[i], rc.KLauncher)
		case launchenv.ReceiverStartup:
			rs.Legacy[i] = overlay(rs.Legacy[i], rc.Startup)
		}
	}
	rs.Bulk = overlay(rs.Bulk, rc.Activation)
	rs.Strict = overlay(rs.Strict, rc.Systemd)
	return rs
}

func overlay(r launchenv.Receiver, o ReceiverConfig) launchenv.Receiver {
	if s := strings.TrimSpace(o.Destination); s != "" {
		r.Destination = s
	}
	if s := strings.TrimSpace(o.Path); s != "" {
		r.Path = s
	}
	if s := strings.TrimSpace(o.Interface); s != "" {
		r.Interface = s
	}
	if s := strings.TrimSpace(o.Method); s != "" {
		r.Method = s
	}
	r.Disabled = !o.enabled()
	return r
}

// LogConfig maps the logging section onto logx.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

// CallTimeout returns bus.call_timeout; zero means the transport default.
func (c *Config) CallTimeout() time.Duration {
	d, _ := ParseDurationField("bus.call_timeout", c.Bus.CallTimeout)
	return d
}

func (c *Config) DebounceInterval() time.Duration {
	d, _ := ParseDurationOrDefault("watch.debounce", c.Watch.Debounce, defaultDebounce)
	return d
}

func (c *Config) Location() *time.Location {
	if tz := strings.TrimSpace(c.Watch.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}

func stateDir() string {
	if d := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); d != "" {
		return filepath.Join(d, "envsync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "envsync")
	}
	return "."
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
