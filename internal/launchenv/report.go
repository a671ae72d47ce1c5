package launchenv

import (
	"errors"
	"fmt"
	"time"
)

// Event types published on the job's event bus.
const (
	EventSkippedName   = "launchenv.skipped_name"
	EventNonStrict     = "launchenv.non_strict"
	EventRequestFailed = "launchenv.request_failed"
	EventFinished      = "launchenv.finished"
)

// VarEvent is the payload of EventSkippedName and EventNonStrict.
type VarEvent struct {
	JobID string
	Name  string
}

// RequestFailedEvent is the payload of EventRequestFailed.
type RequestFailedEvent struct {
	JobID    string
	Receiver string
	Err      error
}

// RequestError records one request that resolved with an error.
type RequestError struct {
	Receiver string
	Member   string
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Receiver, e.Member, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Report summarizes a finished job. It never changes the fact that the job
// finished; it only says how it went.
type Report struct {
	ID       string
	Started  time.Time
	Finished time.Time

	Vars       int // variables in the snapshot
	Dispatched int
	Failed     int

	SkippedNames []string // invalid identifiers, not sent anywhere
	NonStrict    []string // sent everywhere except the strict receiver

	Errors []*RequestError
}

// Took returns the wall time between dispatch and completion.
func (r Report) Took() time.Duration {
	if r.Started.IsZero() || r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Err joins every request error, or returns nil.
func (r Report) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

func (r Report) clone() Report {
	cp := r
	cp.SkippedNames = append([]string(nil), r.SkippedNames...)
	cp.NonStrict = append([]string(nil), r.NonStrict...)
	cp.Errors = append([]*RequestError(nil), r.Errors...)
	return cp
}
