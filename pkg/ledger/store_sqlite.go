//go:build !cgo

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlite "modernc.org/sqlite"
)

const driverLibsql = "libsql"

func init() {
	sql.Register(driverLibsql, &sqlite.Driver{})
}

// OpenStore opens (and creates if needed) a SQLite-backed ledger database.
//
// Local files get WAL and a busy_timeout of cfg.BusyTimeout, so a second
// submit host process waits for a decision in flight instead of failing.
// Remote libsql URLs require a cgo-enabled build.
func OpenStore(ctx context.Context, cfg StoreConfig) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(dsn, "libsql://") || strings.HasPrefix(dsn, "https://") {
		return nil, errors.New("libsql URL requires cgo-enabled build")
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
