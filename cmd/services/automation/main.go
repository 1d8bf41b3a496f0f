package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reachflow-go/internal/automation/server"
	"github.com/reachflow-go/pkg/config"
	"github.com/reachflow-go/pkg/logger"
	"github.com/reachflow-go/pkg/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load("automation")
	if err != nil {
		panic(err)
	}

	// Initialize logger
	log := logger.New(cfg.Logger.ToLoggerConfig("automation"))
	defer logger.Sync(log)

	// Initialize tracing
	tel, err := telemetry.New(cfg.Telemetry.ToTelemetryConfig())
	if err != nil {
		log.Fatal("Failed to initialize telemetry", "error", err)
	}

	// Create and start server
	srv, err := server.New(cfg, log, tel)
	if err != nil {
		log.Fatal("Failed to create server", "error", err)
	}

	// Start server in goroutine
	go func() {
		log.Info("Starting automation service", "port", cfg.Server.Port)
		if err := srv.Start(); err != nil {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down automation service...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	if err := tel.Close(ctx); err != nil {
		log.Error("Failed to flush traces", "error", err)
	}

	log.Info("Automation service exited")
}
