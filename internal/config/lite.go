package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lab-verification-service/internal/domain"
)

// LiteConfig is a simplified configuration for standalone operation.
// It requires no external databases: results, settings and reviews live in memory and the
// audit trail in a local SQLite file.
type LiteConfig struct {
	// Data storage
	DataDir string // Base directory for data files

	// Cache settings
	CacheMaxItems int           // Maximum items in memory cache
	CacheTTL      time.Duration // Settings cache TTL

	// HTTP settings
	Host     string
	HTTPPort int

	// Verification
	SeedDefaultRules bool // Persist default rules for tenants without any

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".lab-verification")

	return &LiteConfig{
		DataDir:          dataDir,
		CacheMaxItems:    1000,
		CacheTTL:         5 * time.Minute,
		Host:             "127.0.0.1",
		HTTPPort:         8080,
		SeedDefaultRules: true,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	if v := os.Getenv("LABVERIFY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("LABVERIFY_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxItems = n
		}
	}
	if v := os.Getenv("LABVERIFY_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}

	if v := os.Getenv("LABVERIFY_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("LABVERIFY_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HTTPPort = n
		}
	}

	if v := os.Getenv("LABVERIFY_SEED_DEFAULT_RULES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SeedDefaultRules = b
		}
	}

	if v := os.Getenv("LABVERIFY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LABVERIFY_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// AuditDBPath returns the path to the audit SQLite database.
func (c *LiteConfig) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// ExportDir returns the directory for audit JSON exports.
func (c *LiteConfig) ExportDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ExportDir(), 0755)
}

// ToConfig expands the lite settings into a full configuration using in-memory storage,
// SQLite audit, no Redis and no Kafka.
func (c *LiteConfig) ToConfig() *domain.Config {
	return &domain.Config{
		Environment: "standalone",
		Server: domain.ServerConfig{
			Host:         c.Host,
			Port:         c.HTTPPort,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Storage: domain.StorageConfig{
			Driver:          "memory",
			AuditDriver:     "sqlite",
			AuditSQLitePath: c.AuditDBPath(),
		},
		Cache: domain.CacheConfig{
			MemoryMaxItems: c.CacheMaxItems,
			MemoryTTL:      c.CacheTTL,
		},
		Logging: domain.LoggingConfig{
			Level:  c.LogLevel,
			Format: c.LogFormat,
			Output: "stdout",
		},
		Verification: domain.VerificationConfig{
			SeedDefaultRules: c.SeedDefaultRules,
		},
	}
}
