package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"
)

// -------------------------------------------------------------------------
// Flight Recorder — runtime/trace window, dumped on SIGUSR1
// -------------------------------------------------------------------------

const (
	// traceWindow is the minimum age of execution kept by the recorder.
	traceWindow = 2 * time.Second

	// traceMaxBytes bounds the in-memory window.
	traceMaxBytes = 4 << 20
)

// startFlightRecorder starts an in-memory trace window. Returns nil when
// tracing is unavailable.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   traceWindow,
		MaxBytes: traceMaxBytes,
	})
	if err := fr.Start(); err != nil {
		logger.Warn("flight recorder disabled", slog.String("error", err.Error()))
		return nil
	}
	return fr
}

// dumpTraceOnSignal writes the recorder window to a temporary file on
// every SIGUSR1 until ctx ends.
func dumpTraceOnSignal(ctx context.Context, fr *trace.FlightRecorder, logger *slog.Logger) {
	if fr == nil {
		return
	}

	sigUSR1 := make(chan os.Signal, 1)
	signal.Notify(sigUSR1, syscall.SIGUSR1)
	defer signal.Stop(sigUSR1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigUSR1:
			path, err := writeTrace(fr)
			if err != nil {
				logger.Warn("trace dump failed", slog.String("error", err.Error()))
				continue
			}
			logger.Info("trace written", slog.String("path", path))
		}
	}
}

func writeTrace(fr *trace.FlightRecorder) (string, error) {
	f, err := os.CreateTemp("", "gocoapd-*.trace")
	if err != nil {
		return "", err
	}
	if _, err := fr.WriteTo(f); err != nil {
		_ = f.Close()
		return "", err
	}
	return f.Name(), f.Close()
}
