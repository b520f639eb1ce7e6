// Package main provides the lightweight entry point for the lab verification service.
// This version requires no external databases: results live in memory and the audit trail in SQLite.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lab-verification-service/internal/app"
	"github.com/lab-verification-service/internal/audit"
	"github.com/lab-verification-service/internal/config"
)

func main() {
	// Load lightweight configuration
	cfg := config.LoadLiteConfig()
	if err := cfg.EnsureDataDir(); err != nil {
		logrus.Fatalf("Failed to create data directory: %v", err)
	}

	full := cfg.ToConfig()
	logger, err := config.NewLogger(full.Logging)
	if err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}

	// Check for export subcommand
	if len(os.Args) > 1 && os.Args[1] == "export" {
		if len(os.Args) != 3 {
			logger.Fatal("usage: verification-lite export <tenant-id>")
		}
		path, err := exportAudit(context.Background(), cfg, os.Args[2])
		if err != nil {
			logger.WithError(err).Fatal("Export failed")
		}
		logger.WithField("path", path).Info("Audit trail exported")
		return
	}

	logger.WithFields(logrus.Fields{
		"data_dir": cfg.DataDir,
		"port":     cfg.HTTPPort,
	}).Info("Starting lab verification service (lite)")

	// Setup graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	application, err := app.New(ctx, full, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize service")
	}
	defer application.Close()

	if err := application.Run(ctx); err != nil {
		logger.WithError(err).Error("Server failed")
		return
	}

	logger.Info("Lab verification service (lite) stopped")
}

// exportAudit writes a tenant's audit trail into the export directory
func exportAudit(ctx context.Context, cfg *config.LiteConfig, tenantID string) (string, error) {
	store, err := audit.NewSQLiteStore(cfg.AuditDBPath())
	if err != nil {
		return "", err
	}
	defer store.Close()

	name := fmt.Sprintf("audit-%s-%s.json", tenantID, time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(cfg.ExportDir(), filepath.Base(name))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	if err := store.ExportJSON(ctx, tenantID, f); err != nil {
		return "", err
	}
	return path, nil
}
