// Package systemd reports service state to the systemd manager.
//
// Every call is a no-op when the process was not started with NOTIFY_SOCKET.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "timerd/pkg/logx"
)

// Ready reports READY=1. sent is false when no manager is listening.
func Ready() (sent bool, err error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping reports STOPPING=1.
func Stopping() (sent bool, err error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) (sent bool, err error) { return daemon.SdNotify(false, "STATUS="+msg) }

// Watchdog pings the manager at half the configured WatchdogSec until ctx
// is done. It returns immediately when the unit has no watchdog.
func Watchdog(ctx context.Context, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	every := interval / 2
	log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("systemd watchdog ping failed", logx.Err(err))
			}
		}
	}
}
