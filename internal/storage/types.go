package storage

import (
	"errors"
	"strings"
	"time"

	"envsync/internal/launchenv"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. If Driver is empty or "none", storage is
// disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Keep        int           // newest records retained; 0 keeps everything
}

// RunRecord is one finished propagation run. Keep it compact and
// schema-stable.
type RunRecord struct {
	ID           string    `json:"id"`
	At           time.Time `json:"at"`
	Trigger      string    `json:"trigger"`
	Vars         int       `json:"vars"`
	Dispatched   int       `json:"dispatched"`
	Failed       int       `json:"failed"`
	SkippedNames []string  `json:"skipped_names,omitempty"`
	NonStrict    []string  `json:"non_strict,omitempty"`
	TookMS       int64     `json:"took_ms"`
	Error        string    `json:"error,omitempty"`
}

// RecordFromReport converts a finished job report.
func RecordFromReport(rep launchenv.Report, trigger string) RunRecord {
	rec := RunRecord{
		ID:           rep.ID,
		At:           rep.Finished,
		Trigger:      trigger,
		Vars:         rep.Vars,
		Dispatched:   rep.Dispatched,
		Failed:       rep.Failed,
		SkippedNames: append([]string(nil), rep.SkippedNames...),
		NonStrict:    append([]string(nil), rep.NonStrict...),
		TookMS:       rep.Took().Milliseconds(),
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	if err := rep.Err(); err != nil {
		rec.Error = strings.ReplaceAll(err.Error(), "\n", "; ")
	}
	return rec
}
