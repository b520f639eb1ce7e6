package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/lab-verification-service/internal/app"
	"github.com/lab-verification-service/internal/config"
	"github.com/lab-verification-service/internal/database"
	"github.com/lab-verification-service/internal/domain"
)

func main() {
	configFile := flag.String("config", os.Getenv("LABVERIFY_CONFIG_FILE"), "path to the configuration file")
	flag.Parse()

	// Load configuration
	configManager, err := config.NewManager(*configFile)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		logrus.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}

	// Setup graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		if err := runMigrate(ctx, cfg, args[1:], logger); err != nil {
			logger.WithError(err).Fatal("Migration failed")
		}
		return
	}

	logger.WithFields(logrus.Fields{
		"host":        cfg.Server.Host,
		"port":        cfg.Server.Port,
		"environment": cfg.Environment,
	}).Info("Starting lab verification service")

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize service")
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.WithError(err).Warn("Errors while releasing resources")
		}
	}()

	if err := application.Run(ctx); err != nil {
		logger.WithError(err).Error("Server failed")
		return
	}

	logger.Info("Server stopped")
}

// runMigrate handles "migrate up|down|version"
func runMigrate(ctx context.Context, cfg *domain.Config, args []string, logger *logrus.Logger) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: server migrate up|down|version")
	}

	dbCfg := database.ConfigFrom(cfg.Database)
	migrator, err := database.NewMigrator(dbCfg.URL(), cfg.Database.MigrationsPath, logger)
	if err != nil {
		return err
	}
	defer migrator.Close()

	switch args[0] {
	case "up":
		return migrator.Up(ctx)
	case "down":
		return migrator.Down(ctx)
	case "version":
		status, err := migrator.Status()
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"version": status.Version,
			"latest":  status.Latest,
			"dirty":   status.Dirty,
		}).Info("Current schema version")
		return nil
	default:
		return fmt.Errorf("unknown migrate command %q", args[0])
	}
}
