// Package sqlstore owns the PostgreSQL connection and schema migrations
// shared by every store in the plane. Stores never open their own
// connections; they are handed a *sqlx.DB by the composition root.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/duraplane/duraplane/secrets"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Config names the connection and pool-sizing parameters for a single
// logical database. In multi-database deployments (C10) provider.Router's
// DSNFunc yields one Config per discovered database name.
type Config struct {
	// DSN is a standard PostgreSQL connection string. Ignored if
	// DSNSecretKey is set; resolve that via ResolveDSN first.
	DSN string
	// DSNSecretKey, if non-empty, names the key under which the real DSN
	// is kept in a secrets.Store rather than in plain configuration.
	DSNSecretKey string
	// MaxOpenConns caps the connection pool. Zero means driver default.
	MaxOpenConns int
	// MaxIdleConns caps idle connections kept open. Zero means driver default.
	MaxIdleConns int
}

// ResolveDSN reads cfg.DSN directly, unless cfg.DSNSecretKey is set, in
// which case the DSN is instead fetched from store under that key — used
// when a connection string is kept in a secrets backend rather than in
// plain configuration.
func ResolveDSN(ctx context.Context, cfg Config, store secrets.Store) (string, error) {
	if cfg.DSNSecretKey == "" || store == nil {
		return cfg.DSN, nil
	}
	cred, err := store.Get(cfg.DSNSecretKey, ctx)
	if err != nil {
		return "", fmt.Errorf("sqlstore: resolve dsn secret %q: %w", cfg.DSNSecretKey, err)
	}
	return cred.Str(), nil
}

// Open connects to PostgreSQL via pgx's database/sql shim (so sqlx's
// reflection-based scanning keeps working) and pings it. It does not run
// schema migrations; call Migrate for that.
func Open(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	sqlDB, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	return sqlx.NewDb(sqlDB, "pgx"), nil
}

// Migrate runs every pending migration under migrations/ against db.
// It is idempotent: goose tracks applied versions in its own table and
// re-running it once the schema is current is a no-op.
func Migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("sqlstore: set dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}
