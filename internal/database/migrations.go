package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"

	"github.com/lab-verification-service/migrations"
)

// SchemaStatus compares the applied schema with the migrations the binary ships
type SchemaStatus struct {
	Version uint `json:"version"`
	Latest  uint `json:"latest"`
	Dirty   bool `json:"dirty"`
}

// Current reports whether every shipped migration is applied cleanly
func (s SchemaStatus) Current() bool {
	return !s.Dirty && s.Version == s.Latest
}

// Migrator applies the schema. Migrations are read from the embedded migrations package
// unless a directory is given.
type Migrator struct {
	migrate *migrate.Migrate
	latest  uint
	log     *logrus.Logger
}

// NewMigrator opens the migration source and the target database
func NewMigrator(databaseURL, dir string, logger *logrus.Logger) (*Migrator, error) {
	src, err := openSource(dir)
	if err != nil {
		return nil, err
	}
	latest, err := latestVersion(src)
	if err != nil {
		src.Close()
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("migrations", src, databaseURL)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating migration instance: %w", err)
	}
	m.Log = migrateLogger{logger}

	return &Migrator{migrate: m, latest: latest, log: logger}, nil
}

// LatestVersion returns the newest migration version in dir, or in the embedded set when
// dir is empty.
func LatestVersion(dir string) (uint, error) {
	src, err := openSource(dir)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	return latestVersion(src)
}

// Up applies all pending migrations
func (mg *Migrator) Up(ctx context.Context) error {
	err := mg.run(ctx, mg.migrate.Up)
	if errors.Is(err, migrate.ErrNoChange) {
		mg.log.WithField("version", mg.latest).Info("Schema is up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	mg.logStatus("Schema migrated")
	return nil
}

// Down rolls back the most recent migration
func (mg *Migrator) Down(ctx context.Context) error {
	err := mg.run(ctx, func() error { return mg.migrate.Steps(-1) })
	if errors.Is(err, migrate.ErrNoChange) || errors.Is(err, migrate.ErrNilVersion) || errors.Is(err, fs.ErrNotExist) {
		mg.log.Info("No migration to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("rolling back migration: %w", err)
	}
	mg.logStatus("Migration rolled back")
	return nil
}

// Status reports the applied version. A database without migrations is at version 0.
func (mg *Migrator) Status() (SchemaStatus, error) {
	status := SchemaStatus{Latest: mg.latest}
	version, dirty, err := mg.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return status, nil
	}
	if err != nil {
		return status, fmt.Errorf("reading schema version: %w", err)
	}
	status.Version = version
	status.Dirty = dirty
	return status, nil
}

// Close releases the source and the database handle
func (mg *Migrator) Close() error {
	sourceErr, dbErr := mg.migrate.Close()
	return errors.Join(sourceErr, dbErr)
}

// Migrate applies all pending migrations and closes the migrator
func Migrate(ctx context.Context, databaseURL, dir string, logger *logrus.Logger) error {
	mg, err := NewMigrator(databaseURL, dir, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := mg.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close migrator")
		}
	}()
	return mg.Up(ctx)
}

// run stops golang-migrate after the current migration once ctx is cancelled
func (mg *Migrator) run(ctx context.Context, fn func() error) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			mg.migrate.GracefulStop <- true
		case <-done:
		}
	}()
	return fn()
}

func (mg *Migrator) logStatus(msg string) {
	status, err := mg.Status()
	if err != nil {
		mg.log.WithError(err).Warn("Could not read schema version")
		return
	}
	mg.log.WithFields(logrus.Fields{
		"version": status.Version,
		"latest":  status.Latest,
		"dirty":   status.Dirty,
	}).Info(msg)
}

func openSource(dir string) (source.Driver, error) {
	if dir == "" {
		src, err := iofs.New(migrations.FS, ".")
		if err != nil {
			return nil, fmt.Errorf("opening embedded migrations: %w", err)
		}
		return src, nil
	}
	src, err := (&file.File{}).Open("file://" + dir)
	if err != nil {
		return nil, fmt.Errorf("opening migrations in %s: %w", dir, err)
	}
	return src, nil
}

func latestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("reading first migration: %w", err)
	}
	for {
		next, err := src.Next(version)
		if errors.Is(err, fs.ErrNotExist) {
			return version, nil
		}
		if err != nil {
			return 0, fmt.Errorf("reading migration after %d: %w", version, err)
		}
		version = next
	}
}

// migrateLogger routes golang-migrate output through logrus at debug level
type migrateLogger struct {
	log *logrus.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debugf("migrate: "+format, v...)
}

func (l migrateLogger) Verbose() bool {
	return l.log.IsLevelEnabled(logrus.DebugLevel)
}
