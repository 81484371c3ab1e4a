// Package config loads service configuration from the environment.
//
// A .env file in the working directory is loaded first when present;
// variables already set in the process environment take precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds the service configuration.
type Config struct {
	HTTPAddr string

	Store         string
	PostgresDSN   string
	SQLitePath    string
	ClickHouseDSN string

	// CatalogPath is a YAML bot catalog. Empty means the built-in catalog.
	CatalogPath string
	// Seed makes the daily return stream reproducible. Zero means random.
	Seed        uint64
	LockTimeout time.Duration

	SolanaRPCEndpoint  string
	SolanaWSEndpoint   string
	SettlementInterval time.Duration
	Network            string

	// SettlementMaxPending fails transfers the network still does not know
	// after this long. Zero disables expiry.
	SettlementMaxPending time.Duration

	LogLevel string
	LogFile  string
}

// Defaults returns the configuration used when no variables are set.
func Defaults() Config {
	return Config{
		HTTPAddr:           ":8080",
		Store:              StoreMemory,
		SQLitePath:         "ledger.db",
		LockTimeout:        2 * time.Second,
		SettlementInterval: 10 * time.Second,
		Network:            "devnet",
		LogLevel:           "info",
	}
}

// Load reads .env files (default ".env") and then the environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from process environment variables.
func FromEnv() (*Config, error) {
	cfg := Defaults()
	var err error

	cfg.HTTPAddr = getString("LEDGER_HTTP_ADDR", cfg.HTTPAddr)
	cfg.Store = strings.ToLower(getString("LEDGER_STORE", cfg.Store))
	cfg.PostgresDSN = getString("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.SQLitePath = getString("SQLITE_PATH", cfg.SQLitePath)
	cfg.ClickHouseDSN = getString("CLICKHOUSE_DSN", cfg.ClickHouseDSN)
	cfg.CatalogPath = getString("LEDGER_CATALOG", cfg.CatalogPath)
	cfg.SolanaRPCEndpoint = getString("SOLANA_RPC_ENDPOINT", cfg.SolanaRPCEndpoint)
	cfg.SolanaWSEndpoint = getString("SOLANA_WS_ENDPOINT", cfg.SolanaWSEndpoint)
	cfg.Network = getString("NETWORK", cfg.Network)
	cfg.LogLevel = getString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getString("LOG_FILE", cfg.LogFile)

	if cfg.Seed, err = parseUint("LEDGER_SEED", cfg.Seed); err != nil {
		return nil, err
	}
	if cfg.LockTimeout, err = parseDuration("LEDGER_LOCK_TIMEOUT", cfg.LockTimeout); err != nil {
		return nil, err
	}
	if cfg.SettlementInterval, err = parseDuration("SETTLEMENT_INTERVAL", cfg.SettlementInterval); err != nil {
		return nil, err
	}
	if cfg.SettlementMaxPending, err = parseDuration("SETTLEMENT_MAX_PENDING", cfg.SettlementMaxPending); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for store %q", c.Store)
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for store %q", c.Store)
		}
	default:
		return fmt.Errorf("invalid value for LEDGER_STORE: %q", c.Store)
	}
	if c.LockTimeout <= 0 {
		return errors.New("LEDGER_LOCK_TIMEOUT must be positive")
	}
	if c.SettlementInterval <= 0 {
		return errors.New("SETTLEMENT_INTERVAL must be positive")
	}
	if c.SettlementMaxPending < 0 {
		return errors.New("SETTLEMENT_MAX_PENDING must not be negative")
	}
	if c.SolanaWSEndpoint != "" && c.SolanaRPCEndpoint == "" {
		return errors.New("SOLANA_RPC_ENDPOINT is required when SOLANA_WS_ENDPOINT is set")
	}
	return nil
}

func getString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseUint(key string, def uint64) (uint64, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return v, nil
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return v, nil
}
