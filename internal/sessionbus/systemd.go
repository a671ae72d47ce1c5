package sessionbus

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	systemdDest      = "org.freedesktop.systemd1"
	systemdPath      = dbus.ObjectPath("/org/freedesktop/systemd1")
	systemdInterface = "org.freedesktop.systemd1.Manager"
)

// ManagerEnvironment returns the environment block of the systemd user
// manager as NAME=VALUE entries.
func (c *Conn) ManagerEnvironment(ctx context.Context) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.RLock()
	bus := c.conn
	c.mu.RUnlock()
	if bus == nil {
		return nil, ErrClosed
	}

	var v dbus.Variant
	err := bus.Object(systemdDest, systemdPath).
		CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, systemdInterface, "Environment").
		Store(&v)
	if err != nil {
		return nil, fmt.Errorf("read manager environment: %w", err)
	}
	return environmentFromVariant(v)
}

func environmentFromVariant(v dbus.Variant) ([]string, error) {
	env, ok := v.Value().([]string)
	if !ok {
		return nil, fmt.Errorf("manager environment: unexpected signature %s", v.Signature())
	}
	return env, nil
}
