// Package main is the entry point for the wind-bot process: the primary
// agent by default, or the hot-standby backup with -role backup.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/windlabs/windbot/internal/agent"
	"github.com/windlabs/windbot/internal/backup"
	"github.com/windlabs/windbot/internal/config"
)

func main() {
	role := flag.String("role", "primary", "process role: primary or backup")
	flag.Parse()

	// Setup structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	switch *role {
	case "primary":
		runPrimary(cfg, logger)
	case "backup":
		runBackup(cfg, logger)
	default:
		log.Fatalf("Unknown role %q, want primary or backup", *role)
	}
}

func runPrimary(cfg *config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	bot, err := agent.New(ctx, cfg, logger)
	cancel()
	if err != nil {
		log.Fatalf("Failed to start agent: %v", err)
	}

	logger.Info("Starting wind-bot",
		slog.String("agent_dir", cfg.AgentDir),
		slog.String("listen", cfg.P2P.ListenAddr()),
	)

	// Run server in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- bot.Run(context.Background())
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("Shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
		return
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := bot.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	logger.Info("Stopped gracefully")
}

func runBackup(cfg *config.Config, logger *slog.Logger) {
	if !cfg.Backup.Enabled {
		log.Fatal("Backup role requires BACKUP_AGENT_ENABLED=true")
	}

	standby, err := agent.NewBackupAgent(cfg, backup.Callbacks{
		OnFailover: func() error {
			logger.Warn("primary gone, taking over agent directory")
			return nil
		},
		OnPromote: func() error {
			// Re-exec as primary; the promoted process owns the state now.
			logger.Info("restarting as primary")
			return syscall.Exec(os.Args[0], []string{os.Args[0], "-role", "primary"}, os.Environ())
		},
	}, logger)
	if err != nil {
		log.Fatalf("Failed to start backup agent: %v", err)
	}

	if err := standby.Start(); err != nil {
		log.Fatalf("Failed to enter standby: %v", err)
	}
	logger.Info("Backup agent in standby", slog.String("agent_dir", cfg.AgentDir))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down backup agent", slog.String("signal", sig.String()))
	standby.Stop()
}
