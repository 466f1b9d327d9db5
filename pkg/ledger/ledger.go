// Package ledger persists granted walltime extensions and answers the
// quota questions asked before a new one is granted.
//
// Every aggregate is computed over the active retention window only
// (created_at >= now - retention), whether or not the session-start purge
// has already removed older rows.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// UnknownPlaceholder replaces free-text values the ledger refuses to store verbatim.
const UnknownPlaceholder = "__u_n_k_n_o_w_n__"

// SerializeMode selects how concurrent quota decisions for one owner are ordered.
type SerializeMode string

const (
	// SerializeStore runs each decision inside a store transaction that
	// first writes the owner's owner_locks row.
	SerializeStore SerializeMode = "store"
	// SerializeNone runs decisions without any ordering. Two concurrent
	// requests by one owner may both pass the fund check.
	SerializeNone SerializeMode = "none"
)

// ParseSerializeMode maps a configuration value to a SerializeMode.
func ParseSerializeMode(s string) (SerializeMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(SerializeStore):
		return SerializeStore, nil
	case string(SerializeNone):
		return SerializeNone, nil
	default:
		return "", fmt.Errorf("unknown ledger serialize mode %q (want store or none)", s)
	}
}

// Querier is the per-owner view used while deciding and recording an extension.
type Querier interface {
	// UsedFund sums the owner's cpu-seconds inside the retention window.
	UsedFund(ctx context.Context, owner string) (int64, error)
	// UsedCount counts the owner's records inside the retention window.
	UsedCount(ctx context.Context, owner string) (int64, error)
	// EarliestExpiry reports when the owner's oldest active record leaves
	// the window. ok is false when the owner has no active records.
	EarliestExpiry(ctx context.Context, owner string, retention time.Duration) (expiry time.Time, ok bool, err error)
	// Insert appends a record stamped with the current time.
	Insert(ctx context.Context, jobID, owner string, cpuSeconds int64) error
}

// Options configures a Ledger.
type Options struct {
	// Retention is the rolling window records count against.
	Retention time.Duration
	// Timeout bounds each statement; zero means no per-statement timeout.
	Timeout time.Duration
	// Serialize defaults to SerializeStore.
	Serialize SerializeMode
	// LockWait bounds how long Serialize waits for the store's write lock.
	// Zero falls back to Timeout. Pair it with StoreConfig.BusyTimeout.
	LockWait time.Duration
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *zap.Logger
}

// Aggregate summarizes one owner's active records.
type Aggregate struct {
	Owner          string    `json:"owner"`
	Count          int64     `json:"count"`
	CPUTime        int64     `json:"cputime"`
	EarliestExpiry time.Time `json:"earliest_timeout"`
}

// Ledger is the usage store. It is safe for concurrent use.
type Ledger struct {
	db        *sql.DB
	retention time.Duration
	timeout   time.Duration
	lockWait  time.Duration
	serialize SerializeMode
	now       func() time.Time
	logger    *zap.Logger
}

// New wraps an open, migrated database.
func New(db *sql.DB, opts Options) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("ledger db is nil")
	}
	if opts.Retention <= 0 {
		return nil, fmt.Errorf("ledger retention must be positive, got %s", opts.Retention)
	}
	if opts.Serialize == "" {
		opts.Serialize = SerializeStore
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Ledger{
		db:        db,
		retention: opts.Retention,
		timeout:   opts.Timeout,
		lockWait:  opts.LockWait,
		serialize: opts.Serialize,
		now:       opts.Now,
		logger:    opts.Logger,
	}, nil
}

// Open opens the store described by cfg, applies migrations and returns a Ledger.
func Open(ctx context.Context, cfg StoreConfig, opts Options) (*Ledger, error) {
	db, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	l, err := New(db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// Retention returns the configured window.
func (l *Ledger) Retention() time.Duration { return l.retention }

// Mode returns the configured ordering mode.
func (l *Ledger) Mode() SerializeMode { return l.serialize }

// Ping checks that the store is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.db.PingContext(ctx)
}

// Close releases the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) UsedFund(ctx context.Context, owner string) (int64, error) {
	return l.scope(l.db).UsedFund(ctx, owner)
}

func (l *Ledger) UsedCount(ctx context.Context, owner string) (int64, error) {
	return l.scope(l.db).UsedCount(ctx, owner)
}

func (l *Ledger) EarliestExpiry(ctx context.Context, owner string, retention time.Duration) (time.Time, bool, error) {
	return l.scope(l.db).EarliestExpiry(ctx, owner, retention)
}

func (l *Ledger) Insert(ctx context.Context, jobID, owner string, cpuSeconds int64) error {
	return l.scope(l.db).Insert(ctx, jobID, owner, cpuSeconds)
}

// PurgeExpired deletes records older than the retention window.
func (l *Ledger) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	result, err := l.db.ExecContext(ctx,
		`DELETE FROM extended WHERE created_at < ?`,
		l.cutoff(retention))
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		l.logger.Debug("Purged expired ledger records", zap.Int64("records", affected))
	}
	return affected, nil
}

// PurgeOwner deletes every record of owner, active or not.
func (l *Ledger) PurgeOwner(ctx context.Context, owner string) (int64, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	result, err := l.db.ExecContext(ctx,
		`DELETE FROM extended WHERE owner = ?`,
		sanitize(owner))
	if err != nil {
		return 0, fmt.Errorf("purge owner: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

// ListAggregates returns per-owner totals for the active window, ordered by owner.
func (l *Ledger) ListAggregates(ctx context.Context) ([]Aggregate, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	rows, err := l.db.QueryContext(ctx,
		`SELECT owner, COUNT(*), COALESCE(SUM(cputime), 0), MIN(created_at)
		 FROM extended
		 WHERE created_at >= ?
		 GROUP BY owner
		 ORDER BY owner`,
		l.cutoff(l.retention))
	if err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Aggregate
	for rows.Next() {
		var agg Aggregate
		var earliest int64
		if err := rows.Scan(&agg.Owner, &agg.Count, &agg.CPUTime, &earliest); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		agg.EarliestExpiry = time.Unix(earliest, 0).Add(l.retention)
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregates: %w", err)
	}
	return out, nil
}

// Serialize runs fn with a Querier whose decisions are ordered against every
// other Serialize call for the same owner.
//
// In SerializeStore mode fn runs inside one transaction that starts by
// writing the owner's owner_locks row; fn's reads and its Insert commit
// together. fn must not use the Ledger directly while it runs: on a
// single-connection store that would block on the open transaction.
//
// On a SQLite file the owner_locks write takes the database-wide write lock,
// so calls for other owners wait for fn too, up to LockWait. Deployments that
// need strictly per-owner waiting configure a Redis owner lock and
// SerializeNone.
func (l *Ledger) Serialize(ctx context.Context, owner string, fn func(ctx context.Context, q Querier) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.serialize == SerializeNone {
		return fn(ctx, l)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	lockCtx, cancel := l.withLockWait(ctx)
	_, err = tx.ExecContext(lockCtx,
		`INSERT INTO owner_locks (owner, locked_at) VALUES (?, ?)
		 ON CONFLICT(owner) DO UPDATE SET locked_at = excluded.locked_at`,
		sanitize(owner), l.now().Unix())
	cancel()
	if err != nil {
		return fmt.Errorf("lock owner: %w", err)
	}

	if err := fn(ctx, l.scope(tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

func (l *Ledger) cutoff(retention time.Duration) int64 {
	return l.now().Add(-retention).Unix()
}

func (l *Ledger) withLockWait(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.lockWait <= 0 {
		return l.withTimeout(ctx)
	}
	return context.WithTimeout(ctx, l.lockWait)
}

func (l *Ledger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.timeout)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type view struct {
	l  *Ledger
	ex execer
}

func (l *Ledger) scope(ex execer) *view {
	return &view{l: l, ex: ex}
}

func (v *view) UsedFund(ctx context.Context, owner string) (int64, error) {
	ctx, cancel := v.l.withTimeout(ctx)
	defer cancel()

	var sum int64
	err := v.ex.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cputime), 0) FROM extended WHERE owner = ? AND created_at >= ?`,
		sanitize(owner), v.l.cutoff(v.l.retention)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("used fund: %w", err)
	}
	return sum, nil
}

func (v *view) UsedCount(ctx context.Context, owner string) (int64, error) {
	ctx, cancel := v.l.withTimeout(ctx)
	defer cancel()

	var count int64
	err := v.ex.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM extended WHERE owner = ? AND created_at >= ?`,
		sanitize(owner), v.l.cutoff(v.l.retention)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("used count: %w", err)
	}
	return count, nil
}

func (v *view) EarliestExpiry(ctx context.Context, owner string, retention time.Duration) (time.Time, bool, error) {
	ctx, cancel := v.l.withTimeout(ctx)
	defer cancel()

	var earliest sql.NullInt64
	err := v.ex.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM extended WHERE owner = ? AND created_at >= ?`,
		sanitize(owner), v.l.cutoff(retention)).Scan(&earliest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("earliest expiry: %w", err)
	}
	if !earliest.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(earliest.Int64, 0).Add(retention), true, nil
}

func (v *view) Insert(ctx context.Context, jobID, owner string, cpuSeconds int64) error {
	if cpuSeconds < 0 {
		return fmt.Errorf("insert: negative cpu-seconds %d", cpuSeconds)
	}
	ctx, cancel := v.l.withTimeout(ctx)
	defer cancel()

	_, err := v.ex.ExecContext(ctx,
		`INSERT INTO extended (jobid, owner, cputime, created_at) VALUES (?, ?, ?, ?)`,
		sanitize(jobID), sanitize(owner), cpuSeconds, v.l.now().Unix())
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// sanitize replaces values that are empty or carry quoting/statement
// characters. Queries are parameterized regardless.
func sanitize(s string) string {
	if s == "" || strings.ContainsAny(s, `;'"`) {
		return UnknownPlaceholder
	}
	return s
}
