package main

import (
	"os"
	"os/signal"
	"syscall"

	"orpheus/internal/bootstrap"
	"orpheus/pkg/logger"
)

func main() {
	container := bootstrap.NewContainer()
	container.MustInit()
	defer logger.Sync()

	log := container.Log

	if err := container.Start(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	waitForShutdown(container)

	log.Info("Shutdown complete")
}

// waitForShutdown blocks until a termination signal or a fatal server error,
// then runs the coordinated shutdown sequence.
func waitForShutdown(container *bootstrap.Container) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		container.Log.Info("Received shutdown signal")
	case <-container.Context.Done():
		container.Log.Warn("Application context cancelled")
	}

	container.Shutdown()
}
