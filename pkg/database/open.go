// Package database opens the ledger database. The on-device default is a
// sqlite file; shared deployments can point the agent at PostgreSQL instead.
package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Open opens and pings the ledger database. Both drivers accept $1-style
// placeholders, so the ledger SQL is written once for the two of them.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (*sql.DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// sqlite allows one writer; keeping a single connection serializes
		// all ledger mutations through it.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("ledger database opened", zap.String("driver", driver))
	return db, nil
}
