//go:build windows

package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/vertextoedge/model-downloader/internal/port"
)

var shutdownSignals = []os.Signal{os.Interrupt}

// Windows has no user signals; transitions go through the HTTP API
func notifyTransitions(ch chan<- os.Signal) {}

func handleTransition(ctx context.Context, sig os.Signal, lc port.Lifecycle, logger *zap.Logger) {}
