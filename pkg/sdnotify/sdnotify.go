// Package sdnotify reports daemon lifecycle to systemd when running under a
// Type=notify unit. Outside systemd every call is a silent no-op.
package sdnotify

import (
	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready signals that startup is complete and the daemon is serving.
func Ready() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
}

// Stopping signals that shutdown has begun.
func Stopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Status publishes a free-form status line (shown by systemctl status).
func Status(msg string) {
	_, _ = daemon.SdNotify(false, "STATUS="+msg)
}
