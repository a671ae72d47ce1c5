package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"envsync/internal/config"
	"envsync/internal/eventbus"
	"envsync/internal/launchenv"
	rtsup "envsync/internal/runtime/supervisor"
	"envsync/internal/services/propagate"
	"envsync/internal/sessionbus"
	"envsync/internal/storage"
	logx "envsync/pkg/logx"
)

// Options selects the config file and console verbosity.
type Options struct {
	ConfigPath string
	Verbose    bool
}

// App wires configuration, logging, the history store, the session bus
// connection and the propagate service.
type App struct {
	cfgm    *config.ConfigManager
	verbose bool

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	conn *sessionbus.Conn
	svc  *propagate.Service
	sup  *rtsup.Supervisor
}

// New loads the configuration and sets up logging and storage. It does not
// touch the session bus.
func New(opts Options) (*App, error) {
	path, explicit := config.ResolvePath(opts.ConfigPath)
	cfgm := config.NewConfigManager(path)
	cfgm.SetOptional(!explicit)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logConfig(cfg, opts.Verbose))
	log = log.With(logx.String("comp", "app"))
	log.Debug("config loaded", logx.String("path", path), logx.Bool("explicit", explicit))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("open history: %w", err)
		}
		store = st
	}

	return &App{
		cfgm:    cfgm,
		verbose: opts.Verbose,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
	}, nil
}

func logConfig(cfg *config.Config, verbose bool) logx.Config {
	lc := cfg.LogConfig()
	if verbose {
		lc.Level = "debug"
		lc.Console = true
	}
	return lc
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Logger() logx.Logger { return a.log }

// Store returns the history store, or nil when history is disabled.
func (a *App) Store() storage.Store { return a.store }

// Connect opens the session bus connection once.
func (a *App) Connect(ctx context.Context) (*sessionbus.Conn, error) {
	if a.conn != nil {
		return a.conn, nil
	}
	cfg := a.Config()
	conn, err := sessionbus.Dial(ctx, sessionbus.Config{
		Address:     cfg.Bus.Address,
		CallTimeout: cfg.CallTimeout(),
		NoAutoStart: cfg.Bus.NoAutoStart,
	}, a.log.With(logx.String("comp", "sessionbus")))
	if err != nil {
		return nil, err
	}
	a.conn = conn
	return conn, nil
}

// Service returns the propagate service, connecting first if needed.
func (a *App) Service(ctx context.Context) (*propagate.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	conn, err := a.Connect(ctx)
	if err != nil {
		return nil, err
	}
	a.svc = propagate.New(propagate.FromConfig(a.Config()), conn,
		a.log.With(logx.String("comp", "propagate")), a.bus, a.store)
	return a.svc, nil
}

// Push propagates the configured environment plus extra once.
func (a *App) Push(ctx context.Context, extra map[string]string) (launchenv.Report, error) {
	svc, err := a.Service(ctx)
	if err != nil {
		return launchenv.Report{}, err
	}
	return svc.Push(ctx, launchenv.NewSnapshot(extra))
}

// Run keeps the session in sync until ctx is done or a fatal error occurs.
// Config changes are applied live.
func (a *App) Run(ctx context.Context) error {
	svc, err := a.Service(ctx)
	if err != nil {
		return err
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return cfg.Validate()
	})

	if err := svc.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, svc)
	})
	if _, err := os.Stat(filepath.Dir(a.cfgm.Path())); err == nil {
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	} else {
		a.log.Debug("config directory missing; live reload disabled", logx.String("path", a.cfgm.Path()))
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	a.sup.Go0("signal.hup", func(c context.Context) {
		defer signal.Stop(hup)
		for {
			select {
			case <-c.Done():
				return
			case <-hup:
				a.log.Info("SIGHUP received; resyncing")
				svc.Trigger(propagate.ReasonSignal)
			}
		}
	})

	a.log.Info("watching", logx.String("config", a.cfgm.Path()))

	<-a.sup.Context().Done()
	reason := StopSignal
	if a.sup.Err() != nil {
		reason = StopFatalError
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.stop(stopCtx, reason); err != nil {
		return err
	}
	return a.sup.Err()
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, svc *propagate.Service) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Only the newest pending config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}

			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			for _, s := range sections {
				switch s {
				case "bus", "history":
					a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
				}
			}

			a.logs.Apply(logConfig(newCfg, a.verbose))
			if err := svc.Apply(propagate.FromConfig(newCfg)); err != nil {
				a.log.Warn("propagate config rejected", logx.Err(err))
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	var errs []error
	if a.svc != nil {
		if err := a.svc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("propagate: %w", err))
		}
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) && a.sup.Err() == nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the bus connection, the store and the log file.
func (a *App) Close() error {
	var errs []error
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.logs != nil {
		if err := a.logs.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
