// Package sdnotify reports service state to systemd. Every call is a no-op
// when the process was not started by a Type=notify unit.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notify is swapped in tests.
var notify = daemon.SdNotify

func Ready() bool    { return send(daemon.SdNotifyReady) }
func Stopping() bool { return send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(s string) bool { return send("STATUS=" + s) }

func send(state string) bool {
	ok, err := notify(false, state)
	return ok && err == nil
}

// WatchdogInterval returns half the unit's WatchdogSec, or zero when the
// watchdog is off.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings systemd every interval until ctx ends. healthy gates
// each ping; a nil func always pings.
func Watchdog(ctx context.Context, interval time.Duration, healthy func() bool) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy == nil || healthy() {
				send(daemon.SdNotifyWatchdog)
			}
		}
	}
}
