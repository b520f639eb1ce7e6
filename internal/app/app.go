// Package app assembles the verification service from its configuration: storage, audit trail,
// settings cache, event publisher, services and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lab-verification-service/internal/api"
	"github.com/lab-verification-service/internal/audit"
	"github.com/lab-verification-service/internal/cache"
	"github.com/lab-verification-service/internal/database"
	"github.com/lab-verification-service/internal/domain"
	"github.com/lab-verification-service/internal/events"
	"github.com/lab-verification-service/internal/repository"
	"github.com/lab-verification-service/internal/repository/memory"
	"github.com/lab-verification-service/internal/service"
)

// App is a fully wired service instance
type App struct {
	Config *domain.Config
	Server *api.Server
	Audit  audit.Store

	logger  *logrus.Logger
	closers []func() error
}

type repositories struct {
	results  domain.ResultRepository
	settings domain.SettingsRepository
	rules    domain.RuleRepository
	reviews  domain.ReviewRepository
}

// New wires the application. Everything opened before a failure is closed again.
func New(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) (_ *App, err error) {
	a := &App{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var checks []api.HealthCheck

	repos, dbURL, err := a.openStorage(ctx, cfg, &checks)
	if err != nil {
		return nil, err
	}

	a.Audit, err = openAudit(cfg.Storage, dbURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Audit.Close)

	settingsCache, err := a.openCache(cfg.Cache, repos.settings)
	if err != nil {
		return nil, err
	}
	checks = append(checks, api.HealthCheck{Name: "settings_cache", Check: settingsCache.Ping})

	publisher := a.openPublisher(cfg.Kafka)

	history := service.NewHistoryClient(repos.results, cfg.Verification, logger)
	checks = append(checks, api.HealthCheck{Name: "history_breaker", Check: func(context.Context) error {
		if state := history.State(); state == "open" {
			return fmt.Errorf("circuit breaker %s", state)
		}
		return nil
	}})

	reviews := service.NewReviewService(repos.reviews, repos.results, a.Audit, publisher, logger)
	a.Server = api.NewServer(cfg, api.Services{
		Verification: service.NewVerificationService(repos.results, settingsCache, repos.rules, reviews,
			history.Lookup, a.Audit, publisher, cfg.Verification, logger),
		Reviews:      reviews,
		Settings:     service.NewSettingsService(repos.settings, repos.rules, settingsCache, a.Audit, publisher, logger),
		Audit:        a.Audit,
		HealthChecks: checks,
	}, logger)

	logger.WithFields(logrus.Fields{
		"storage": cfg.Storage.Driver,
		"audit":   cfg.Storage.AuditDriver,
		"redis":   cfg.Cache.RedisURL != "",
		"kafka":   len(cfg.Kafka.Brokers) > 0,
	}).Info("Verification service assembled")

	return a, nil
}

func (a *App) openStorage(ctx context.Context, cfg *domain.Config, checks *[]api.HealthCheck) (repositories, string, error) {
	switch cfg.Storage.Driver {
	case "memory":
		store := memory.NewStore()
		return repositories{results: store, settings: store, rules: store, reviews: store}, "", nil

	case "postgres":
		dbCfg := database.ConfigFrom(cfg.Database)
		if cfg.Database.AutoMigrate {
			if err := database.Migrate(ctx, dbCfg.URL(), cfg.Database.MigrationsPath, a.logger); err != nil {
				return repositories{}, "", fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		db, err := database.NewConnection(ctx, dbCfg, a.logger)
		if err != nil {
			return repositories{}, "", err
		}
		a.closers = append(a.closers, func() error {
			db.Close()
			return nil
		})
		latest, err := database.LatestVersion(cfg.Database.MigrationsPath)
		if err != nil {
			return repositories{}, "", err
		}
		*checks = append(*checks,
			api.HealthCheck{Name: "postgres", Check: db.Health},
			api.HealthCheck{Name: "schema", Check: db.SchemaCheck(latest)},
		)

		return repositories{
			results:  repository.NewResultRepository(db.Pool, a.logger),
			settings: repository.NewSettingsRepository(db.Pool, a.logger),
			rules:    repository.NewRuleRepository(db.Pool, a.logger),
			reviews:  repository.NewReviewRepository(db.Pool, a.logger),
		}, dbCfg.URL(), nil

	default:
		return repositories{}, "", fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func openAudit(cfg domain.StorageConfig, dbURL string) (audit.Store, error) {
	switch cfg.AuditDriver {
	case "sqlite":
		return audit.NewSQLiteStore(cfg.AuditSQLitePath)
	case "postgres":
		if dbURL == "" {
			return nil, errors.New("postgres audit storage requires the postgres storage driver")
		}
		return audit.NewPostgresStoreFromURL(dbURL)
	default:
		return nil, fmt.Errorf("unknown audit driver %q", cfg.AuditDriver)
	}
}

func (a *App) openCache(cfg domain.CacheConfig, repo domain.SettingsRepository) (*cache.SettingsCache, error) {
	cacheCfg := cache.Config{
		MaxItems:  cfg.MemoryMaxItems,
		MemoryTTL: cfg.MemoryTTL,
		RedisTTL:  cfg.DefaultTTL,
	}
	if cfg.RedisURL == "" {
		return cache.NewSettingsCache(repo, nil, cacheCfg, a.logger)
	}

	client, err := cache.NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return cache.NewSettingsCache(repo, client, cacheCfg, a.logger)
}

func (a *App) openPublisher(cfg domain.KafkaConfig) events.Publisher {
	var publisher events.Publisher
	if len(cfg.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg, a.logger)
	} else {
		publisher = events.NewLogPublisher(a.logger)
	}
	a.closers = append(a.closers, publisher.Close)
	return publisher
}

// Run serves HTTP until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	return a.Server.Start(ctx)
}

// Close releases everything the app opened, most recent first
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
