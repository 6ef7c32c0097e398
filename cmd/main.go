package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openvine/feedcore/internal/config"
	"github.com/openvine/feedcore/internal/logger"
	"go.uber.org/zap"
)

// These variables are set at build time via -ldflags
var (
	version = "dev"     // Set via -X main.version=...
	commit  = "unknown" // Set via -X main.commit=...
	date    = "unknown" // Set via -X main.date=...
)

func main() {
	config.SetVersion(version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		sig := <-signals
		logger.Info("Received termination signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	// Only the watch command blocks until cancelled.
	needsBlocking := false
	if len(os.Args) > 1 && os.Args[1] == "watch" {
		helpRequested := false
		for _, arg := range os.Args[2:] {
			if arg == "--help" || arg == "-h" {
				helpRequested = true
				break
			}
		}
		needsBlocking = !helpRequested
	}

	Execute(ctx)

	if needsBlocking {
		<-ctx.Done()
		logger.Info("Feed client has shut down.")
		time.Sleep(1 * time.Second) // Give time for logs to flush
	}
}
