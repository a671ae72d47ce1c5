package propagate

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "envsync/pkg/logx"
)

// Notifier reports service state to the service manager. state uses the
// sd_notify format, e.g. "READY=1" or "STATUS=...".
type Notifier func(state string)

// SystemdNotifier sends state over $NOTIFY_SOCKET. Outside a systemd unit
// it does nothing.
func SystemdNotifier(log logx.Logger) Notifier {
	return func(state string) {
		sent, err := daemon.SdNotify(false, state)
		if err != nil {
			log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
			return
		}
		if sent {
			log.Trace("sd_notify", logx.String("state", state))
		}
	}
}

// watchdog pings the systemd watchdog at half its interval until ctx is
// done. It returns immediately when the unit has no watchdog.
func watchdog(ctx context.Context, notify Notifier, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog settings invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	log.Debug("watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notify(daemon.SdNotifyWatchdog)
		}
	}
}
