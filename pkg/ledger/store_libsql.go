//go:build cgo

package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"
)

const driverLibsql = "libsql"

// OpenStore opens (and creates if needed) a libsql-backed ledger database.
//
// Local files get WAL and a busy_timeout of cfg.BusyTimeout. A libsql://
// URL points at a ledger shared by several submit hosts; the server orders
// its transactions and cfg.BusyTimeout does not apply.
func OpenStore(ctx context.Context, cfg StoreConfig) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverLibsql, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger store: %w", err)
	}

	if err := configureConnections(ctx, db, dsn, cfg.busyTimeout()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
