package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	sessionmigrations "github.com/goliatone/go-session/migrations"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// ClientConfig satisfies the go-persistence-bun config contract.
type ClientConfig struct {
	Driver      string
	DSN         string
	Debug       bool
	PingTimeout time.Duration
}

func (c ClientConfig) GetDebug() bool { return c.Debug }

func (c ClientConfig) GetDriver() string { return c.Driver }

func (c ClientConfig) GetServer() string { return c.DSN }

func (c ClientConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

func (c ClientConfig) GetOtelIdentifier() string { return "go-session" }

// NewSQLiteClient opens a SQLite database and applies the session schema.
func NewSQLiteClient(ctx context.Context, dsn string) (*persistence.Client, error) {
	return OpenClient(ctx, ClientConfig{Driver: DriverSQLite, DSN: dsn})
}

// NewPostgresClient opens a Postgres database and applies the session schema.
func NewPostgresClient(ctx context.Context, dsn string) (*persistence.Client, error) {
	return OpenClient(ctx, ClientConfig{Driver: DriverPostgres, DSN: dsn})
}

func OpenClient(ctx context.Context, cfg ClientConfig) (*persistence.Client, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}
	dialect, migrationDialect, err := resolveDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	sqlDB, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(cfg, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: new persistence client: %w", err)
	}

	_, err = sessionmigrations.Register(ctx, func(_ context.Context, _ string, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, sessionmigrations.WithValidationTargets(migrationDialect))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return client, nil
}

func resolveDialect(driver string) (schema.Dialect, string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite:
		return sqlitedialect.New(), sessionmigrations.DialectSQLite, nil
	case DriverPostgres:
		return pgdialect.New(), sessionmigrations.DialectPostgres, nil
	default:
		return nil, "", fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
}
