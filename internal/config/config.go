// Package config provides centralized configuration for the sync service.
// Settings come from environment variables with defaults applied and are
// validated on startup so misconfiguration fails fast.
package config

import (
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Sheets   SheetsConfig
	Sync     SyncConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing the response.
	// A full sync run happens inside one request (default: 5m).
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"5m"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 4m)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"4m"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// SheetsConfig holds the Google Sheets source settings.
type SheetsConfig struct {
	// SpreadsheetID identifies the source spreadsheet (required)
	SpreadsheetID string `env:"GOOGLE_SHEETS_SPREADSHEET_ID" required:"true"`

	// ServiceAccountEmail is the issuer of the signed token exchange (required)
	ServiceAccountEmail string `env:"GOOGLE_SERVICE_ACCOUNT_EMAIL" required:"true"`

	// ServiceAccountKey is the PKCS#8 private key in PEM form (required).
	// Deployment tooling often stores it with literal \n sequences; those
	// are unescaped by Load.
	ServiceAccountKey string `env:"GOOGLE_SERVICE_ACCOUNT_PRIVATE_KEY" required:"true"`

	// RangeA1 is the A1 range read on every run.
	RangeA1 string `env:"SHEETS_RANGE_A1" default:"Planilha de Rentabilidade!A1:AL250"`

	// TabName is the sheet tab recorded with snapshots. Defaults to the
	// part of RangeA1 before "!".
	TabName string `env:"SHEETS_TAB_NAME"`
}

// SyncConfig holds publish pipeline settings.
type SyncConfig struct {
	// LockKey is the advisory lock key shared by all sync deployments (default: 20260221)
	LockKey int64 `env:"SYNC_LOCK_KEY" default:"20260221"`

	// AdminSecret authorizes requests via the X-Admin-Secret header (required)
	AdminSecret string `env:"SYNC_ADMIN_SECRET" required:"true"`

	// StageBatchSize is rows per staging insert batch (default: 500)
	StageBatchSize int `env:"SYNC_STAGE_BATCH_SIZE" default:"500"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + strconv.Itoa(c.Port)
	}
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// Tab returns the configured tab name, falling back to the sheet name
// embedded in the A1 range.
func (c *SheetsConfig) Tab() string {
	if c.TabName != "" {
		return c.TabName
	}
	if i := strings.Index(c.RangeA1, "!"); i >= 0 {
		return c.RangeA1[:i]
	}
	return c.RangeA1
}
