package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/getpup/searchsync/checkpoint"
	"github.com/getpup/searchsync/checkpoint/memory"
	"github.com/getpup/searchsync/checkpoint/pebblestore"
	"github.com/getpup/searchsync/checkpoint/sqlstore"
	"github.com/getpup/searchsync/internal/config"
)

// openCheckpoints opens the configured checkpoint store. SQL stores are
// migrated before use. The returned func releases the store.
func openCheckpoints(ctx context.Context, cfg config.CheckpointConfig) (checkpoint.Store, func() error, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), func() error { return nil }, nil

	case config.DriverPebble:
		store, err := pebblestore.Open(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case config.DriverPostgres, config.DriverMySQL, config.DriverSQLite:
		dialect, err := sqlstore.ParseDialect(cfg.Driver)
		if err != nil {
			return nil, nil, err
		}
		db, err := sql.Open(string(dialect), cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s checkpoint database: %w", cfg.Driver, err)
		}
		if dialect == sqlstore.SQLite {
			db.SetMaxOpenConns(1)
		}

		tableConfig := sqlstore.DefaultTableConfig()
		if cfg.Table != "" {
			tableConfig.CheckpointsTable = cfg.Table
		}
		store, err := sqlstore.NewWithConfig(db, dialect, tableConfig)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to migrate checkpoint table: %w", err)
		}
		return store, db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown checkpoint driver %q", cfg.Driver)
	}
}
