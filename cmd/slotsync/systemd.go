package main

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifications are no-ops when not started by systemd (NOTIFY_SOCKET unset).

func sdReady()    { _, _ = daemon.SdNotify(false, daemon.SdNotifyReady) }
func sdStopping() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }

// sdWatchdog pings the systemd watchdog at half its interval when WatchdogSec is set.
func sdWatchdog(ctx context.Context) (stop func()) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
	return cancel
}
