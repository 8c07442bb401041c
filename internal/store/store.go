// Package store owns all persistent state: threads, messages, artifacts,
// reactive jobs, approvals, the token ledger, deployments, tasks, and agent
// memory. Every multi-row transition runs in a single transaction with
// optimistic status guards; no transaction stays open across external I/O.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	sqlite "modernc.org/sqlite"
)

// Sentinel errors. StaleGuard is always recoverable by re-reading the row.
var (
	ErrNotFound   = errors.New("store: not found")
	ErrConflict   = errors.New("store: conflict")
	ErrStaleGuard = errors.New("store: stale guard")
)

// DriverPostgres and DriverSQLite select the backing database.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// Store is the single shared mutable resource of the engine.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database. For sqlite the embedded schema is applied
// on open; Postgres schemas are managed by `relay migrate`.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("open store: unknown driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{db: db, driver: driver}

	if driver == DriverSQLite {
		// Single writer; the pool must not hand out concurrent write handles.
		db.SetMaxOpenConns(1)
		if err := s.applySQLiteSchema(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	return s, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for the migrate command only.
func (s *Store) DB() *sql.DB { return s.db }

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation detects duplicate-key failures across both drivers.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		// SQLITE_CONSTRAINT_UNIQUE / SQLITE_CONSTRAINT_PRIMARYKEY
		return sqErr.Code() == 2067 || sqErr.Code() == 1555
	}
	return false
}

// lockClause returns the row-claim suffix for claim queries. SQLite is a
// single-writer database, so the guarded UPDATE alone is sufficient there.
func (s *Store) lockClause() string {
	if s.driver == DriverPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// placeholders renders "$n, $n+1, ..." for IN clauses.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

// utcNow truncates to microseconds so round-trips through either database
// compare equal.
func utcNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
