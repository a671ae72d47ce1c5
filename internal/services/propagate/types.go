package propagate

import (
	"errors"
	"time"

	"envsync/internal/config"
	"envsync/internal/launchenv"
	"envsync/internal/storage"
	rtsup "envsync/internal/runtime/supervisor"
)

var (
	ErrStopped = errors.New("propagate: service stopped")
	ErrRunning = errors.New("propagate: service already running")
)

// EventRunRecorded is published with a storage.RunRecord after every run.
const EventRunRecorded = "propagate.run_recorded"

// Trigger reasons recorded in the history.
const (
	ReasonStart  = "start"
	ReasonFile   = "file"
	ReasonResync = "resync"
	ReasonConfig = "config"
	ReasonSignal = "signal"
	ReasonPush   = "push"
)

// Config controls what is propagated and when.
type Config struct {
	Receivers launchenv.Receivers

	// EnvFile is layered over the process environment when set.
	EnvFile        string
	IncludeProcess bool
	Only           []string
	Prefixes       []string
	Exclude        []string

	// Debounce coalesces env file writes.
	Debounce time.Duration
	// Resync is a schedule (cron, duration or HH:MM); empty disables it.
	Resync   string
	Location *time.Location

	// RatePerMin caps job starts; 0 means unlimited.
	RatePerMin int
	Burst      int
}

// FromConfig maps the file configuration onto the service.
func FromConfig(c *config.Config) Config {
	return Config{
		Receivers:      c.Receivers.Resolve(),
		EnvFile:        c.Env.File,
		IncludeProcess: c.Env.IncludesProcess(),
		Only:           append([]string(nil), c.Env.Only...),
		Prefixes:       append([]string(nil), c.Env.Prefixes...),
		Exclude:        append([]string(nil), c.Env.Exclude...),
		Debounce:       c.DebounceInterval(),
		Resync:         c.Watch.Resync,
		Location:       c.Location(),
		RatePerMin:     c.Watch.RatePerMin,
		Burst:          c.Watch.Burst,
	}
}

// Status is a point-in-time view of the service.
type Status struct {
	Running    bool               `json:"running"`
	InFlight   bool               `json:"in_flight"`
	Runs       uint64             `json:"runs"`
	Last       *storage.RunRecord `json:"last,omitempty"`
	NextResync time.Time          `json:"next_resync,omitempty"`
	Supervisor rtsup.Snapshot     `json:"supervisor"`
}
