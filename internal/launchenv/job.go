package launchenv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"envsync/internal/eventbus"
	logx "envsync/pkg/logx"
)

// State is the lifecycle position of a Job. Transitions only move forward.
type State int32

const (
	StateCreated State = iota
	StateDispatching
	StateAwaitingReplies
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateDispatching:
		return "dispatching"
	case StateAwaitingReplies:
		return "awaiting_replies"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Scheduler runs task later, on a different turn than the caller's.
// It must not run task inline.
type Scheduler func(task func())

// GoScheduler runs each task on its own goroutine.
func GoScheduler(task func()) { go task() }

var errNilPending = errors.New("dispatcher returned no pending call")

type Option func(*Job)

func WithReceivers(rs Receivers) Option { return func(j *Job) { j.receivers = rs } }

func WithScheduler(s Scheduler) Option {
	return func(j *Job) {
		if s != nil {
			j.sched = s
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(j *Job) { j.log = log } }

func WithEvents(bus eventbus.Bus) Option { return func(j *Job) { j.bus = bus } }

// WithOnFinished registers fn to run once when the job completes.
func WithOnFinished(fn func()) Option { return func(j *Job) { j.onFinished = fn } }

func WithID(id string) Option {
	return func(j *Job) {
		if id != "" {
			j.id = id
		}
	}
}

// Job pushes one Snapshot to every configured receiver.
//
// New returns immediately; dispatch happens on the scheduler. Every request
// holds one count on the outstanding counter, and the dispatch pass holds one
// more until it has submitted everything, so the counter cannot reach zero
// early. The resolution that brings it to zero finishes the job: Done is
// closed, the finished callback runs, and the snapshot and dispatcher are
// released. Nothing is dispatched or mutated after that point.
type Job struct {
	id    string
	sched Scheduler
	log   logx.Logger
	bus   eventbus.Bus

	state       atomic.Int32
	outstanding atomic.Int64
	done        chan struct{}
	finishOnce  sync.Once

	mu         sync.Mutex
	d          Dispatcher
	env        Snapshot
	receivers  Receivers
	onFinished func()
	report     Report
}

// New creates a job and schedules its dispatch pass.
func New(d Dispatcher, env Snapshot, opts ...Option) *Job {
	j := &Job{
		id:        uuid.NewString(),
		sched:     GoScheduler,
		log:       logx.Nop(),
		d:         d,
		env:       env,
		receivers: DefaultReceivers(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(j)
	}
	if j.log.IsZero() {
		j.log = logx.Nop()
	}
	j.log = j.log.With(logx.String("job", j.id))
	j.report.ID = j.id
	j.report.Vars = env.Len()
	// Dispatch guard, released at the end of run.
	j.outstanding.Store(1)

	j.sched(j.run)
	return j
}

// Run creates a job and waits for it. The returned error is ctx's; request
// failures are only visible in the Report.
func Run(ctx context.Context, d Dispatcher, env Snapshot, opts ...Option) (Report, error) {
	j := New(d, env, opts...)
	if err := j.Wait(ctx); err != nil {
		return Report{}, err
	}
	return j.Report(), nil
}

func (j *Job) ID() string { return j.id }

func (j *Job) State() State { return State(j.state.Load()) }

// Done is closed once every request has resolved.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finished or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Report returns a copy of the job summary. It is complete once Done is closed.
func (j *Job) Report() Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.report.clone()
}

func (j *Job) run() {
	if !j.state.CompareAndSwap(int32(StateCreated), int32(StateDispatching)) {
		return
	}

	j.mu.Lock()
	d, env, rs := j.d, j.env, j.receivers
	j.report.Started = time.Now()
	j.mu.Unlock()

	j.log.Debug("dispatch started", logx.Int("vars", env.Len()))

	bulk := make(map[string]string, env.Len())
	strict := make([]string, 0, env.Len())

	env.Each(func(name, value string) {
		if !IsValidIdentifier(name) {
			j.log.Warn("skipping variable: name contains unsupported characters", logx.String("name", name))
			j.noteVar(EventSkippedName, name, &j.report.SkippedNames)
			return
		}

		for _, r := range rs.Legacy {
			if !r.Disabled {
				j.submit(d, pairRequest(r, name, value))
			}
		}

		bulk[name] = value

		if rs.Strict.Disabled {
			return
		}
		if !IsStrictlyTransmissibleValue(value) {
			j.log.Warn("skipping variable for "+rs.Strict.Name+": value contains unsupported characters", logx.String("name", name))
			j.noteVar(EventNonStrict, name, &j.report.NonStrict)
			return
		}
		strict = append(strict, name+"="+value)
	})

	if !rs.Bulk.Disabled {
		j.submit(d, mappingRequest(rs.Bulk, bulk))
	}
	if !rs.Strict.Disabled {
		j.submit(d, assignmentsRequest(rs.Strict, strict))
	}

	j.state.CompareAndSwap(int32(StateDispatching), int32(StateAwaitingReplies))
	j.release()
}

func (j *Job) noteVar(typ, name string, into *[]string) {
	j.mu.Lock()
	*into = append(*into, name)
	j.mu.Unlock()
	eventbus.Publish(j.bus, typ, VarEvent{JobID: j.id, Name: name})
}

func (j *Job) submit(d Dispatcher, req Request) {
	j.outstanding.Add(1)
	j.mu.Lock()
	j.report.Dispatched++
	j.mu.Unlock()

	var once sync.Once
	resolve := func(err error) {
		once.Do(func() { j.resolve(req, err) })
	}

	if d == nil {
		resolve(errNilPending)
		return
	}
	p := d.Submit(req)
	if p == nil {
		resolve(errNilPending)
		return
	}
	p.OnResolved(resolve)
}

func (j *Job) resolve(req Request, err error) {
	if err != nil {
		rerr := &RequestError{Receiver: req.Receiver.Name, Member: req.Receiver.Member(), Err: err}
		j.log.Warn("request failed", logx.String("receiver", req.Receiver.Name), logx.Err(err))
		j.mu.Lock()
		j.report.Failed++
		j.report.Errors = append(j.report.Errors, rerr)
		j.mu.Unlock()
		eventbus.Publish(j.bus, EventRequestFailed, RequestFailedEvent{JobID: j.id, Receiver: req.Receiver.Name, Err: err})
	}
	j.release()
}

func (j *Job) release() {
	n := j.outstanding.Add(-1)
	switch {
	case n == 0:
		j.finish()
	case n < 0:
		j.log.Error("outstanding counter went negative", logx.Int64("outstanding", n))
	}
}

func (j *Job) finish() {
	j.finishOnce.Do(func() {
		j.mu.Lock()
		j.report.Finished = time.Now()
		rep := j.report.clone()
		cb := j.onFinished
		j.onFinished = nil
		j.d = nil
		j.env = Snapshot{}
		j.mu.Unlock()

		j.state.Store(int32(StateCompleted))
		j.log.Info("launch environment updated",
			logx.Int("vars", rep.Vars),
			logx.Int("dispatched", rep.Dispatched),
			logx.Int("failed", rep.Failed),
			logx.Duration("took", rep.Took()),
		)
		eventbus.Publish(j.bus, EventFinished, rep)

		close(j.done)
		if cb != nil {
			cb()
		}
	})
}
