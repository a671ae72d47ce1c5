package sessionbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"envsync/internal/launchenv"
	logx "envsync/pkg/logx"
)

var (
	ErrClosed      = errors.New("sessionbus: connection closed")
	ErrEmbeddedNUL = errors.New("sessionbus: argument contains a NUL byte")
)

const defaultCallTimeout = 25 * time.Second

// Config controls the bus connection.
type Config struct {
	// Address overrides DBUS_SESSION_BUS_ADDRESS when set.
	Address string
	// CallTimeout bounds each method call. 0 means 25s, < 0 disables it.
	CallTimeout time.Duration
	// NoAutoStart asks the bus not to activate receivers that are not running.
	NoAutoStart bool
}

// Conn is a private session bus connection that implements
// launchenv.Dispatcher.
type Conn struct {
	cfg Config
	log logx.Logger

	mu   sync.RWMutex
	conn *dbus.Conn
}

// Dial opens a private connection to the session bus. The connection is
// closed when ctx is done or Close is called.
func Dial(ctx context.Context, cfg Config, log logx.Logger) (*Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := EnsureSignatures(); err != nil {
		return nil, err
	}

	var (
		bus *dbus.Conn
		err error
	)
	if addr := strings.TrimSpace(cfg.Address); addr != "" {
		bus, err = dbus.Dial(addr, dbus.WithContext(ctx))
	} else {
		bus, err = dbus.SessionBusPrivate(dbus.WithContext(ctx))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	if err := bus.Auth(nil); err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("session bus auth: %w", err)
	}
	if err := bus.Hello(); err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("session bus hello: %w", err)
	}

	log.Debug("session bus connected", logx.String("address", cfg.Address))
	return newConn(bus, cfg, log), nil
}

// newConn wraps an authenticated connection.
func newConn(bus *dbus.Conn, cfg Config, log logx.Logger) *Conn {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Conn{cfg: cfg, log: log, conn: bus}
}

// Close closes the connection. In-flight calls resolve with an error.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Conn) callTimeout() time.Duration {
	switch {
	case c.cfg.CallTimeout == 0:
		return defaultCallTimeout
	case c.cfg.CallTimeout < 0:
		return 0
	default:
		return c.cfg.CallTimeout
	}
}

// Submit sends req and returns immediately. The returned Pending resolves
// when the reply, an error reply, the call timeout or connection loss
// arrives, whichever is first.
func (c *Conn) Submit(req launchenv.Request) launchenv.Pending {
	if err := checkArgs(req); err != nil {
		c.log.Warn("request rejected", logx.String("receiver", req.Receiver.Name), logx.Err(err))
		return launchenv.ResolvedPending(err)
	}

	c.mu.RLock()
	bus := c.conn
	c.mu.RUnlock()
	if bus == nil {
		return launchenv.ResolvedPending(ErrClosed)
	}

	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if d := c.callTimeout(); d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
	}

	var flags dbus.Flags
	if c.cfg.NoAutoStart {
		flags |= dbus.FlagNoAutoStart
	}

	p := &pending{}
	ch := make(chan *dbus.Call, 1)
	obj := bus.Object(req.Receiver.Destination, dbus.ObjectPath(req.Receiver.Path))
	obj.GoWithContext(ctx, req.Receiver.Member(), flags, ch, req.Args...)

	c.log.Trace("request sent", logx.String("receiver", req.Receiver.Name), logx.String("member", req.Receiver.Member()))

	go func() {
		call := <-ch
		cancel()
		p.resolve(call.Err)
	}()
	return p
}

// HasOwner reports whether a bus name currently has an owner.
func (c *Conn) HasOwner(ctx context.Context, name string) (bool, error) {
	c.mu.RLock()
	bus := c.conn
	c.mu.RUnlock()
	if bus == nil {
		return false, ErrClosed
	}
	var has bool
	if ctx == nil {
		ctx = context.Background()
	}
	err := bus.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0, name).Store(&has)
	if err != nil {
		return false, fmt.Errorf("NameHasOwner %s: %w", name, err)
	}
	return has, nil
}

// pending resolves exactly once and runs every registered callback.
type pending struct {
	mu       sync.Mutex
	resolved bool
	err      error
	fns      []func(error)
}

func (p *pending) OnResolved(fn func(error)) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	if p.resolved {
		err := p.err
		p.mu.Unlock()
		fn(err)
		return
	}
	p.fns = append(p.fns, fn)
	p.mu.Unlock()
}

func (p *pending) resolve(err error) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.resolved = true
	p.err = err
	fns := p.fns
	p.fns = nil
	p.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}
