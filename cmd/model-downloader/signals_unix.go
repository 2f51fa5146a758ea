//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vertextoedge/model-downloader/internal/port"
)

var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// notifyTransitions maps SIGUSR1 to background and SIGUSR2 to foreground
func notifyTransitions(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
}

func handleTransition(ctx context.Context, sig os.Signal, lc port.Lifecycle, logger *zap.Logger) {
	var err error
	switch sig {
	case syscall.SIGUSR1:
		err = lc.OnBackground(ctx)
	case syscall.SIGUSR2:
		err = lc.OnForeground(ctx)
	default:
		return
	}
	if err != nil {
		logger.Error("lifecycle transition failed", zap.String("signal", sig.String()), zap.Error(err))
	}
}
