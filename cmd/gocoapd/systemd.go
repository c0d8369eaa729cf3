package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/dantte-lp/gocoap/internal/server"
)

// -------------------------------------------------------------------------
// systemd — sd_notify(3) readiness, status and watchdog
// -------------------------------------------------------------------------

// sdNotify sends one or more newline-separated state assignments. Outside
// a systemd unit it does nothing.
func sdNotify(logger *slog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		logger.Warn("sd_notify failed",
			slog.String("state", state),
			slog.String("error", err.Error()),
		)
	case sent:
		logger.Debug("sd_notify sent", slog.String("state", state))
	}
}

// serviceStatus renders the STATUS= line shown by systemctl status.
func serviceStatus(srv *server.Server) string {
	var running []string
	for _, name := range srv.Services() {
		if srv.Running(name) {
			running = append(running, name)
		}
	}
	if len(running) == 0 {
		return "STATUS=no coap services running"
	}
	return "STATUS=serving coap on " + strings.Join(running, ", ")
}

// runWatchdog pings the watchdog at half of WatchdogSec and refreshes the
// status line with every ping. Returns at once when the unit has no
// watchdog configured.
func runWatchdog(ctx context.Context, srv *server.Server, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("systemd watchdog check failed", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	every := interval / 2
	logger.Info("systemd watchdog armed", slog.Duration("ping_every", every))

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sdNotify(logger, daemon.SdNotifyWatchdog+"\n"+serviceStatus(srv))
		}
	}
}
