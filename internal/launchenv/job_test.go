package launchenv

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"envsync/internal/eventbus"
)

// fakeCall is a pending request resolved by the test.
type fakeCall struct {
	req Request

	mu       sync.Mutex
	fn       func(error)
	resolved bool
	err      error
}

func (c *fakeCall) OnResolved(fn func(error)) {
	c.mu.Lock()
	if c.resolved {
		err := c.err
		c.mu.Unlock()
		fn(err)
		return
	}
	c.fn = fn
	c.mu.Unlock()
}

func (c *fakeCall) resolve(err error) {
	c.mu.Lock()
	c.resolved = true
	c.err = err
	fn := c.fn
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []*fakeCall
}

func (d *fakeDispatcher) Submit(req Request) Pending {
	c := &fakeCall{req: req}
	d.mu.Lock()
	d.calls = append(d.calls, c)
	d.mu.Unlock()
	return c
}

func (d *fakeDispatcher) snapshot() []*fakeCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeCall(nil), d.calls...)
}

func (d *fakeDispatcher) byReceiver(name string) []Request {
	var out []Request
	for _, c := range d.snapshot() {
		if c.req.Receiver.Name == name {
			out = append(out, c.req)
		}
	}
	return out
}

// queueScheduler holds tasks until the test runs them.
type queueScheduler struct {
	mu    sync.Mutex
	tasks []func()
}

func (q *queueScheduler) schedule(task func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
}

func (q *queueScheduler) runAll() {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	for _, t := range tasks {
		t()
	}
}

func newTestJob(t *testing.T, d Dispatcher, env Snapshot, opts ...Option) (*Job, *queueScheduler, *atomic.Int32) {
	t.Helper()
	q := &queueScheduler{}
	var finished atomic.Int32
	opts = append([]Option{
		WithScheduler(q.schedule),
		WithOnFinished(func() { finished.Add(1) }),
	}, opts...)
	return New(d, env, opts...), q, &finished
}

func isDone(j *Job) bool {
	select {
	case <-j.Done():
		return true
	default:
		return false
	}
}

func TestNewDoesNotDispatchInline(t *testing.T) {
	d := &fakeDispatcher{}
	j, q, finished := newTestJob(t, d, NewSnapshot(map[string]string{"FOO": "bar"}))

	if j.State() != StateCreated {
		t.Fatalf("State() = %v, want created", j.State())
	}
	if n := len(d.snapshot()); n != 0 {
		t.Fatalf("dispatched %d requests during construction", n)
	}

	q.runAll()
	if j.State() != StateAwaitingReplies {
		t.Fatalf("State() = %v, want awaiting_replies", j.State())
	}
	if n := len(d.snapshot()); n != 4 {
		t.Fatalf("dispatched %d requests, want 4", n)
	}
	for _, c := range d.snapshot() {
		c.resolve(nil)
	}
	if !isDone(j) || finished.Load() != 1 {
		t.Fatalf("job not finished after all replies (finished=%d)", finished.Load())
	}
}

func TestJobDispatchesTwoPerVariablePlusTwoBatches(t *testing.T) {
	d := &fakeDispatcher{}
	env := NewSnapshot(map[string]string{"A": "1", "B": "2", "C": "3"})
	j, q, _ := newTestJob(t, d, env)
	q.runAll()

	if n := len(d.snapshot()); n != 2*3+2 {
		t.Fatalf("dispatched %d requests, want %d", n, 2*3+2)
	}
	for _, name := range []string{ReceiverKLauncher, ReceiverStartup} {
		reqs := d.byReceiver(name)
		if len(reqs) != 3 {
			t.Fatalf("%s got %d requests, want 3", name, len(reqs))
		}
		for _, r := range reqs {
			if len(r.Args) != 2 {
				t.Fatalf("%s args = %v, want (name, value)", name, r.Args)
			}
		}
	}

	bulk := d.byReceiver(ReceiverActivation)
	if len(bulk) != 1 {
		t.Fatalf("activation got %d requests, want 1", len(bulk))
	}
	if got := bulk[0].Args[0].(map[string]string); !reflect.DeepEqual(got, env.Map()) {
		t.Fatalf("activation mapping = %v, want %v", got, env.Map())
	}

	strict := d.byReceiver(ReceiverSystemd)
	if len(strict) != 1 {
		t.Fatalf("systemd got %d requests, want 1", len(strict))
	}
	got := append([]string(nil), strict[0].Args[0].([]string)...)
	sort.Strings(got)
	if want := []string{"A=1", "B=2", "C=3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("systemd assignments = %v, want %v", got, want)
	}

	for _, c := range d.snapshot() {
		c.resolve(nil)
	}
	if err := j.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	rep := j.Report()
	if rep.Dispatched != 8 || rep.Failed != 0 || rep.Vars != 3 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestJobEmptySnapshotStillSendsBothBatches(t *testing.T) {
	d := &fakeDispatcher{}
	j, q, finished := newTestJob(t, d, Snapshot{})
	q.runAll()

	calls := d.snapshot()
	if len(calls) != 2 {
		t.Fatalf("dispatched %d requests, want 2", len(calls))
	}
	if m := calls[0].req.Args[0].(map[string]string); len(m) != 0 {
		t.Fatalf("bulk payload = %v, want empty", m)
	}
	if l := calls[1].req.Args[0].([]string); len(l) != 0 {
		t.Fatalf("strict payload = %v, want empty", l)
	}

	calls[0].resolve(nil)
	if isDone(j) {
		t.Fatalf("job finished with one request outstanding")
	}
	calls[1].resolve(nil)
	if !isDone(j) || finished.Load() != 1 {
		t.Fatalf("job did not finish exactly once (finished=%d)", finished.Load())
	}
}

func TestJobSkipsInvalidNamesEverywhere(t *testing.T) {
	d := &fakeDispatcher{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	env := NewSnapshot(map[string]string{"GOOD": "1", "1BAD": "2", "ALSO BAD": "3"})
	j, q, _ := newTestJob(t, d, env, WithEvents(bus))
	q.runAll()

	if n := len(d.snapshot()); n != 2+2 {
		t.Fatalf("dispatched %d requests, want 4", n)
	}
	for _, c := range d.snapshot() {
		if c.req.Receiver.Shape == ShapePair && c.req.Args[0] != "GOOD" {
			t.Fatalf("invalid name dispatched to %s: %v", c.req.Receiver.Name, c.req.Args)
		}
	}
	bulk := d.byReceiver(ReceiverActivation)[0].Args[0].(map[string]string)
	if !reflect.DeepEqual(bulk, map[string]string{"GOOD": "1"}) {
		t.Fatalf("bulk mapping = %v", bulk)
	}

	for _, c := range d.snapshot() {
		c.resolve(nil)
	}
	rep := j.Report()
	sort.Strings(rep.SkippedNames)
	if want := []string{"1BAD", "ALSO BAD"}; !reflect.DeepEqual(rep.SkippedNames, want) {
		t.Fatalf("SkippedNames = %v, want %v", rep.SkippedNames, want)
	}

	skipped := 0
	for len(events) > 0 {
		if e := <-events; e.Type == EventSkippedName {
			skipped++
		}
	}
	if skipped != 2 {
		t.Fatalf("got %d skipped_name events, want 2", skipped)
	}
}

func TestJobNonStrictValueOnlyLeavesStrictBatch(t *testing.T) {
	d := &fakeDispatcher{}
	env := NewSnapshot(map[string]string{"OK": "plain", "ESC": "\x1b[1m"})
	j, q, _ := newTestJob(t, d, env)
	q.runAll()

	if n := len(d.byReceiver(ReceiverKLauncher)); n != 2 {
		t.Fatalf("klauncher got %d requests, want 2", n)
	}
	if n := len(d.byReceiver(ReceiverStartup)); n != 2 {
		t.Fatalf("startup got %d requests, want 2", n)
	}
	bulk := d.byReceiver(ReceiverActivation)[0].Args[0].(map[string]string)
	if _, ok := bulk["ESC"]; !ok {
		t.Fatalf("non-strict value missing from bulk mapping")
	}
	strict := d.byReceiver(ReceiverSystemd)[0].Args[0].([]string)
	if !reflect.DeepEqual(strict, []string{"OK=plain"}) {
		t.Fatalf("strict assignments = %v", strict)
	}

	for _, c := range d.snapshot() {
		c.resolve(nil)
	}
	if rep := j.Report(); !reflect.DeepEqual(rep.NonStrict, []string{"ESC"}) {
		t.Fatalf("NonStrict = %v", rep.NonStrict)
	}
}

func TestJobNonStrictValueNotNotedWhenStrictDisabled(t *testing.T) {
	rs := DefaultReceivers()
	rs.Strict.Disabled = true

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	d := &fakeDispatcher{}
	env := NewSnapshot(map[string]string{"OK": "plain", "ESC": "\x1b[1m"})
	j, q, _ := newTestJob(t, d, env, WithReceivers(rs), WithEvents(bus))
	q.runAll()

	if n := len(d.byReceiver(ReceiverSystemd)); n != 0 {
		t.Fatalf("disabled strict receiver got %d requests", n)
	}
	for _, c := range d.snapshot() {
		c.resolve(nil)
	}
	if !isDone(j) {
		t.Fatalf("job not finished")
	}
	if rep := j.Report(); len(rep.NonStrict) != 0 || rep.Dispatched != 5 {
		t.Fatalf("report = %+v", rep)
	}
	for {
		select {
		case ev := <-events:
			if ev.Type == EventNonStrict {
				t.Fatalf("non-strict event published for a disabled receiver: %+v", ev.Data)
			}
		default:
			return
		}
	}
}

func TestJobCompletesOnceUnderRandomConcurrentResolution(t *testing.T) {
	for iter := 0; iter < 50; iter++ {
		d := &fakeDispatcher{}
		vars := map[string]string{}
		for i := 0; i < 1+iter%7; i++ {
			vars[string(rune('A'+i))] = "v"
		}
		j, q, finished := newTestJob(t, d, NewSnapshot(vars))
		q.runAll()

		calls := d.snapshot()
		if len(calls) != 2*len(vars)+2 {
			t.Fatalf("iter %d: dispatched %d, want %d", iter, len(calls), 2*len(vars)+2)
		}
		rng := rand.New(rand.NewSource(int64(iter)))
		rng.Shuffle(len(calls), func(a, b int) { calls[a], calls[b] = calls[b], calls[a] })

		var wg sync.WaitGroup
		for i, c := range calls {
			wg.Add(1)
			var err error
			if i%3 == 0 {
				err = errors.New("no such name")
			}
			go func(c *fakeCall, err error) {
				defer wg.Done()
				c.resolve(err)
			}(c, err)
		}
		wg.Wait()

		if err := j.Wait(context.Background()); err != nil {
			t.Fatalf("iter %d: Wait: %v", iter, err)
		}
		if got := finished.Load(); got != 1 {
			t.Fatalf("iter %d: finished %d times, want 1", iter, got)
		}
		if j.State() != StateCompleted {
			t.Fatalf("iter %d: State() = %v", iter, j.State())
		}
	}
}

func TestJobFailuresAreReportedNotRaised(t *testing.T) {
	d := &fakeDispatcher{}
	j, q, finished := newTestJob(t, d, NewSnapshot(map[string]string{"A": "1"}))
	q.runAll()

	boom := errors.New("org.freedesktop.DBus.Error.ServiceUnknown")
	for _, c := range d.snapshot() {
		c.resolve(boom)
	}
	if finished.Load() != 1 {
		t.Fatalf("job did not finish when every request failed")
	}
	rep := j.Report()
	if rep.Failed != 4 || len(rep.Errors) != 4 {
		t.Fatalf("Failed = %d, Errors = %d, want 4", rep.Failed, len(rep.Errors))
	}
	if !errors.Is(rep.Err(), boom) {
		t.Fatalf("Report.Err() = %v, want it to wrap %v", rep.Err(), boom)
	}
}

func TestJobSynchronousResolutionFinishesAfterLastDispatch(t *testing.T) {
	var submitted atomic.Int32
	var finishedAt int32
	d := DispatcherFunc(func(req Request) Pending {
		submitted.Add(1)
		return ResolvedPending(nil)
	})
	j, q, _ := newTestJob(t, d, NewSnapshot(map[string]string{"A": "1", "B": "2"}),
		WithOnFinished(func() { finishedAt = submitted.Load() }))
	q.runAll()

	if !isDone(j) {
		t.Fatalf("job not finished")
	}
	if finishedAt != 6 {
		t.Fatalf("finished after %d submits, want 6", finishedAt)
	}
}

func TestJobIsInertAfterCompletion(t *testing.T) {
	d := &fakeDispatcher{}
	j, q, finished := newTestJob(t, d, NewSnapshot(map[string]string{"A": "1"}))
	q.runAll()

	calls := d.snapshot()
	for _, c := range calls {
		c.resolve(nil)
	}
	before := j.Report()

	// Late duplicate replies and a second run must not change anything.
	for _, c := range calls {
		c.resolve(errors.New("late"))
	}
	j.run()

	if n := len(d.snapshot()); n != len(calls) {
		t.Fatalf("dispatched %d more requests after completion", n-len(calls))
	}
	if finished.Load() != 1 {
		t.Fatalf("finished %d times", finished.Load())
	}
	after := j.Report()
	if after.Failed != before.Failed || after.Dispatched != before.Dispatched {
		t.Fatalf("report changed after completion: %+v -> %+v", before, after)
	}
	j.mu.Lock()
	released := j.d == nil && j.env.Len() == 0 && j.onFinished == nil
	j.mu.Unlock()
	if !released {
		t.Fatalf("job still holds its dispatcher, snapshot or callback")
	}
}

func TestJobWithEveryReceiverDisabledStillFinishes(t *testing.T) {
	rs := DefaultReceivers()
	for i := range rs.Legacy {
		rs.Legacy[i].Disabled = true
	}
	rs.Bulk.Disabled = true
	rs.Strict.Disabled = true

	d := &fakeDispatcher{}
	j, q, finished := newTestJob(t, d, NewSnapshot(map[string]string{"A": "1"}), WithReceivers(rs))
	q.runAll()

	if len(d.snapshot()) != 0 {
		t.Fatalf("disabled receivers were dispatched to")
	}
	if !isDone(j) || finished.Load() != 1 {
		t.Fatalf("job did not finish")
	}
}

func TestJobNilPendingCountsAsFailure(t *testing.T) {
	d := DispatcherFunc(func(req Request) Pending { return nil })
	j, q, _ := newTestJob(t, d, Snapshot{})
	q.runAll()

	if !isDone(j) {
		t.Fatalf("job not finished")
	}
	if rep := j.Report(); rep.Failed != 2 {
		t.Fatalf("Failed = %d, want 2", rep.Failed)
	}
}

func TestRunWithGoScheduler(t *testing.T) {
	d := DispatcherFunc(func(req Request) Pending {
		c := &fakeCall{req: req}
		go func() {
			time.Sleep(time.Millisecond)
			c.resolve(nil)
		}()
		return c
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rep, err := Run(ctx, d, NewSnapshot(map[string]string{"A": "1", "B": "2"}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Dispatched != 6 || rep.Failed != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.Finished.Before(rep.Started) {
		t.Fatalf("Finished before Started")
	}
}

func TestRunReturnsContextError(t *testing.T) {
	d := &fakeDispatcher{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := &queueScheduler{}
	_, err := Run(ctx, d, Snapshot{}, WithScheduler(q.schedule))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
}
