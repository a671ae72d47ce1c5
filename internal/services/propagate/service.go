package propagate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/time/rate"

	"envsync/internal/eventbus"
	"envsync/internal/fswatch"
	"envsync/internal/launchenv"
	"envsync/internal/resync"
	rtsup "envsync/internal/runtime/supervisor"
	"envsync/internal/storage"
	logx "envsync/pkg/logx"
)

// Collector builds the snapshot for one run.
type Collector func(cfg Config) (launchenv.Snapshot, error)

type Option func(*Service)

// WithCollector replaces Collect.
func WithCollector(fn Collector) Option {
	return func(s *Service) {
		if fn != nil {
			s.collect = fn
		}
	}
}

// WithNotifier replaces the systemd notifier.
func WithNotifier(fn Notifier) Option {
	return func(s *Service) {
		if fn != nil {
			s.notify = fn
		}
	}
}

// Service keeps the launch environment of the session in sync.
//
// Runs are triggered at start, by env file changes, by the resync schedule
// and by Trigger. At most one job is in flight: a trigger that arrives
// during a run is remembered and starts exactly one more run afterwards.
// Job starts are rate limited.
type Service struct {
	mu sync.Mutex

	d       launchenv.Dispatcher
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	collect Collector
	notify  Notifier

	cfg     Config
	limiter *rate.Limiter

	sup         *rtsup.Supervisor
	kick        chan struct{}
	reason      string // pending trigger; empty when none
	inFlight    bool
	stopped     bool
	timer       *resync.Timer
	cancelWatch context.CancelFunc

	runs uint64
	last *storage.RunRecord
}

func New(cfg Config, d launchenv.Dispatcher, log logx.Logger, bus eventbus.Bus, store storage.Store, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		d:       d,
		log:     log,
		bus:     bus,
		store:   store,
		collect: Collect,
		kick:    make(chan struct{}, 1),
	}
	s.notify = SystemdNotifier(log)
	for _, o := range opts {
		o(s)
	}
	s.applyLocked(cfg)
	return s
}

func newLimiter(perMin, burst int) *rate.Limiter {
	if perMin <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMin)/60), burst)
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if rs := cfg.Receivers; len(rs.Legacy) == 0 && rs.Bulk.Name == "" && rs.Strict.Name == "" {
		cfg.Receivers = launchenv.DefaultReceivers()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = fswatch.DefaultDebounce
	}
	if s.limiter == nil || cfg.RatePerMin != s.cfg.RatePerMin || cfg.Burst != s.cfg.Burst {
		s.limiter = newLimiter(cfg.RatePerMin, cfg.Burst)
	}
	s.cfg = cfg
}

// Start launches the watcher, the resync timer and the run loop, and queues
// the initial run.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return ErrRunning
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "propagate"))))
	s.stopped = false
	sup := s.sup
	if err := s.startResyncLocked(); err != nil {
		s.sup = nil
		s.mu.Unlock()
		sup.Cancel()
		return err
	}
	s.startWatchLocked()
	s.mu.Unlock()

	sup.Go0("loop", s.loop)
	sup.Go0("watchdog", func(c context.Context) { watchdog(c, s.notify, s.log) })

	s.Trigger(ReasonStart)
	s.notify(daemon.SdNotifyReady)
	s.log.Info("propagate service started")
	return nil
}

// Stop stops triggering and waits for the loop until ctx is done. A job
// already dispatched keeps running until its replies arrive.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	timer := s.timer
	if sup != nil {
		s.stopped = true
	}
	s.sup = nil
	s.timer = nil
	if s.cancelWatch != nil {
		s.cancelWatch()
		s.cancelWatch = nil
	}
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	s.notify(daemon.SdNotifyStopping)
	timer.Stop(ctx)
	err := sup.Stop(ctx)
	s.log.Info("propagate service stopped")
	return err
}

// Apply swaps the configuration at runtime and queues a run.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	old := s.cfg
	s.applyLocked(cfg)
	running := s.sup != nil
	var err error
	if running {
		if strings.TrimSpace(old.EnvFile) != strings.TrimSpace(s.cfg.EnvFile) || old.Debounce != s.cfg.Debounce {
			s.startWatchLocked()
		}
		if old.Resync != s.cfg.Resync || old.Location.String() != s.cfg.Location.String() {
			err = s.startResyncLocked()
		}
	}
	s.mu.Unlock()

	if running {
		s.notify(daemon.SdNotifyReloading)
		s.Trigger(ReasonConfig)
		s.notify(daemon.SdNotifyReady)
	}
	return err
}

// startWatchLocked (re)starts the env file watcher.
func (s *Service) startWatchLocked() {
	if s.cancelWatch != nil {
		s.cancelWatch()
		s.cancelWatch = nil
	}
	path := strings.TrimSpace(s.cfg.EnvFile)
	if path == "" || s.sup == nil {
		return
	}
	ctx, cancel := context.WithCancel(s.sup.Context())
	s.cancelWatch = cancel
	opts := fswatch.Options{Debounce: s.cfg.Debounce, Log: s.log, Name: "env file"}
	s.sup.GoRestart("envfile.watch", func(context.Context) error {
		return fswatch.Watch(ctx, path, opts, func() { s.Trigger(ReasonFile) })
	})
}

// startResyncLocked (re)starts the resync timer.
func (s *Service) startResyncLocked() error {
	if s.timer != nil {
		old := s.timer
		s.timer = nil
		go old.Stop(context.Background())
	}
	raw := strings.TrimSpace(s.cfg.Resync)
	if raw == "" {
		return nil
	}
	spec, err := resync.ParseSchedule(raw)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	t, err := resync.Start(spec, s.cfg.Location, s.log, func() { s.Trigger(ReasonResync) })
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	s.timer = t
	return nil
}

// Trigger requests a run. Requests made while a run is pending or in
// flight collapse into one. Triggers after Stop are dropped.
func (s *Service) Trigger(reason string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.log.Debug("trigger dropped; service stopped", logx.String("reason", reason))
		return
	}
	if s.reason == "" {
		s.reason = reason
	}
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		}

		s.mu.Lock()
		reason := s.reason
		s.reason = ""
		limiter := s.limiter
		sched := s.sup
		s.mu.Unlock()
		if reason == "" || sched == nil {
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := s.run(ctx, reason, launchenv.Snapshot{}, sched.Scheduler("job")); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("propagation skipped", logx.String("reason", reason), logx.Err(err))
		}
	}
}

// Push runs one job now and waits for it. It bypasses the trigger loop and
// the rate limiter; it is meant for one-shot use without Start. extra is
// merged after filtering. It returns ErrStopped once Stop was called.
func (s *Service) Push(ctx context.Context, extra launchenv.Snapshot) (launchenv.Report, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return launchenv.Report{}, ErrStopped
	}
	return s.run(ctx, ReasonPush, extra, launchenv.GoScheduler)
}

func (s *Service) run(ctx context.Context, reason string, extra launchenv.Snapshot, sched launchenv.Scheduler) (launchenv.Report, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.inFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	snap, err := s.collect(cfg)
	if err != nil {
		return launchenv.Report{}, err
	}
	if extra.Len() > 0 {
		snap = snap.Merge(extra)
	}

	s.log.Debug("propagation started", logx.String("reason", reason), logx.Int("vars", snap.Len()))
	rep, err := launchenv.Run(ctx, s.d, snap,
		launchenv.WithReceivers(cfg.Receivers),
		launchenv.WithScheduler(sched),
		launchenv.WithLogger(s.log),
		launchenv.WithEvents(s.bus),
	)
	if err != nil {
		return launchenv.Report{}, err
	}

	s.record(ctx, rep, reason)
	return rep, nil
}

func (s *Service) record(ctx context.Context, rep launchenv.Report, reason string) {
	rec := storage.RecordFromReport(rep, reason)

	s.mu.Lock()
	s.runs++
	s.last = &rec
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.AppendRun(ctx, rec); err != nil {
			s.log.Warn("history append failed", logx.Err(err))
		}
	}
	eventbus.Publish(s.bus, EventRunRecorded, rec)
	s.notify(fmt.Sprintf("STATUS=%s: %d vars, %d/%d requests failed",
		reason, rec.Vars, rec.Failed, rec.Dispatched))
}

// Status returns a snapshot of the service state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:    s.sup != nil,
		InFlight:   s.inFlight,
		Runs:       s.runs,
		NextResync: s.timer.Next(),
	}
	if s.last != nil {
		last := *s.last
		st.Last = &last
	}
	if s.sup != nil {
		st.Supervisor = s.sup.Snapshot()
	}
	return st
}

// RatePerSecond reports the effective start rate; +Inf when unlimited.
func (s *Service) RatePerSecond() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.limiter.Limit(); l != rate.Inf {
		return float64(l)
	}
	return math.Inf(1)
}
