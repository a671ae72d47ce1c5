// Package resync fires a callback on a cron or interval schedule.
package resync

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "envsync/pkg/logx"
)

// Timer drives one schedule. The zero value is not usable; see Start.
type Timer struct {
	spec Spec
	c    *cron.Cron
	id   cron.EntryID
	log  logx.Logger
}

// Start registers fn on spec and starts triggering. Intervals below one
// second are rounded up by the cron runtime.
func Start(spec Spec, loc *time.Location, log logx.Logger, fn func()) (*Timer, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}

	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	var (
		id  cron.EntryID
		err error
	)
	switch spec.Kind {
	case KindInterval:
		id = c.Schedule(cron.Every(spec.Every), cron.FuncJob(fn))
	default:
		id, err = c.AddFunc(spec.Cron, fn)
		if err != nil {
			return nil, err
		}
	}
	c.Start()

	t := &Timer{spec: spec, c: c, id: id, log: log}
	log.Debug("resync scheduled", logx.String("schedule", spec.String()), logx.String("tz", loc.String()), logx.Time("next", t.Next()))
	return t, nil
}

// Next reports the next trigger time, or the zero time when stopped.
func (t *Timer) Next() time.Time {
	if t == nil || t.c == nil {
		return time.Time{}
	}
	return t.c.Entry(t.id).Next
}

// Stop stops triggering and waits for a running callback until ctx is done.
func (t *Timer) Stop(ctx context.Context) {
	if t == nil || t.c == nil {
		return
	}
	select {
	case <-t.c.Stop().Done():
	case <-ctx.Done():
	}
}
