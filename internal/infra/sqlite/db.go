// Package sqlite is the durable ledger store: accounts, the append-only
// ledger, billable jobs, transcripts, payment intents and the webhook inbox.
//
// Every mutation that touches an account balance runs inside WithTx. The
// database is opened with immediate transaction locking, so a write
// transaction holds the write lock from BEGIN: a concurrent spend on the same
// account waits instead of reading a stale balance.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/tutu-network/scribe/internal/infra/observability"
)

// DefaultLeakThreshold is how long a transaction may stay open before it is
// reported as a likely leak.
const DefaultLeakThreshold = 5 * time.Second

// LeakHook is called when a transaction has been open longer than the leak
// threshold. It runs on a timer goroutine and must not touch the transaction.
type LeakHook func(op, lastStatement string, held time.Duration)

// DB wraps the SQLite connection pool.
type DB struct {
	db   *sql.DB
	path string

	mu            sync.RWMutex
	leakThreshold time.Duration
	leakHook      LeakHook

	now func() time.Time
}

// Open opens (or creates) scribe.db in dir and applies all migrations.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "scribe.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
		"_txlock": []string{"immediate"},
	}.Encode()

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetConnMaxLifetime(0)

	db := &DB{
		db:            sqlDB,
		path:          dbPath,
		leakThreshold: DefaultLeakThreshold,
		leakHook:      logLeak,
		now:           time.Now,
	}
	if err := db.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	if db == nil || db.db == nil {
		return nil
	}
	return db.db.Close()
}

// Ping checks database connectivity (used for readiness probes).
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// SetLeakThreshold changes how long a transaction may be held before the
// leak hook fires. Non-positive values restore the default.
func (db *DB) SetLeakThreshold(d time.Duration) {
	if d <= 0 {
		d = DefaultLeakThreshold
	}
	db.mu.Lock()
	db.leakThreshold = d
	db.mu.Unlock()
}

// SetLeakHook replaces the held-too-long diagnostic. A nil hook restores the
// default logger.
func (db *DB) SetLeakHook(h LeakHook) {
	if h == nil {
		h = logLeak
	}
	db.mu.Lock()
	db.leakHook = h
	db.mu.Unlock()
}

func (db *DB) leakConfig() (time.Duration, LeakHook) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.leakThreshold, db.leakHook
}

func logLeak(op, lastStatement string, held time.Duration) {
	log.Warn().
		Str("op", op).
		Dur("held", held).
		Str("last_statement", lastStatement).
		Msg("ledger transaction held open past threshold, likely leak")
}

// ─── Scoped Transactions ────────────────────────────────────────────────────

// Tx is a ledger transaction handle. It is only valid inside the WithTx
// callback that produced it.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
	now time.Time

	mu   sync.Mutex
	last string
}

func (t *Tx) record(query string) {
	t.mu.Lock()
	t.last = query
	t.mu.Unlock()
}

func (t *Tx) lastStatement() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *Tx) exec(query string, args ...interface{}) (sql.Result, error) {
	t.record(query)
	return t.tx.ExecContext(t.ctx, query, args...)
}

func (t *Tx) queryRow(query string, args ...interface{}) *sql.Row {
	t.record(query)
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

// Now is the timestamp shared by every row written in this transaction.
func (t *Tx) Now() time.Time { return t.now }

// WithTx runs fn inside a write transaction. The transaction commits when fn
// returns nil and rolls back on error or panic. The connection is released on
// every exit path, and a watchdog reports transactions held past the leak
// threshold.
func (db *DB) WithTx(ctx context.Context, op string, fn func(*Tx) error) (err error) {
	start := time.Now()
	sqlTx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", op, err)
	}

	tx := &Tx{ctx: ctx, tx: sqlTx, now: db.now().UTC()}
	threshold, hook := db.leakConfig()
	watchdog := time.AfterFunc(threshold, func() {
		observability.TxHeldTooLong.WithLabelValues(op).Inc()
		hook(op, tx.lastStatement(), time.Since(start))
	})

	defer func() {
		watchdog.Stop()
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Error().Err(rbErr).Str("op", op).Msg("rollback failed")
			}
		}
		observability.TxDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", op, err)
	}
	return nil
}

// ─── Time helpers ───────────────────────────────────────────────────────────

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullableMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func timePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
