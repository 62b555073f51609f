/*
Package sqlstore provides a SQL-backed implementation of shop.TxStore.

PURPOSE:
  Persists parties, the party ledger, inventory, machines, jobs, workflow
  statuses and the event outbox in SQLite (development, single node) or
  PostgreSQL (production). Both dialects share one set of queries written
  with ? placeholders; the dialect rebinds them for PostgreSQL.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE on party_transactions apart from the soft-delete columns
  - No UPDATE or DELETE on inventory_transactions
  - Corrections are new rows (adjustments, released/returned movements)

VERSIONED ROWS:
  parties, inventory_items, machines and jobs carry a version column.
  Updates use "WHERE id = ? AND version = ?" and report a zero-row update
  as shop.ErrConcurrentModification (or not found if the row is gone).

IDEMPOTENCY:
  party_transactions.idempotency_key and jobs.idempotency_key are UNIQUE
  and NULL when empty. A unique violation maps to
  shop.ErrDuplicateIdempotencyKey.

SQLITE:
  Opened with WAL, a busy timeout and foreign keys on. The pool is capped
  at one connection so that a transaction and the statements around it
  never race for the write lock.

USAGE:
  st, err := sqlstore.Open(ctx, sqlstore.Options{Driver: "sqlite3", DSN: "./data/jobsheet.db"})
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  svc := workflow.New(st, locker, emitter, logger)

SEE ALSO:
  - shop/store.go: Interface definitions
  - shop/store/memory.go: In-memory implementation for testing
  - schema.go: Table definitions per dialect
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/jobsheet-engine/shop"
)

// Options selects the database.
type Options struct {
	// Driver is "sqlite3" or "pgx" ("postgres" is accepted as an alias).
	Driver string
	// DSN is a file path or ":memory:" for SQLite, a connection URL for PostgreSQL.
	DSN string
}

// Store implements shop.TxStore.
type Store struct {
	*conn
	db *sql.DB
}

var _ shop.TxStore = (*Store)(nil)

// Open connects, configures the pool and migrates the schema.
func Open(ctx context.Context, opts Options) (*Store, error) {
	d, driver, dsn, err := resolve(opts)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d == sqlite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{conn: &conn{q: db, d: d}, db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func resolve(opts Options) (dialect, string, string, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "sqlite", "sqlite3":
		dsn := opts.DSN
		switch {
		case dsn == "" || dsn == ":memory:":
			dsn = "file::memory:?_foreign_keys=on"
		case !strings.HasPrefix(dsn, "file:"):
			dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dsn)
		}
		return sqlite, "sqlite3", dsn, nil
	case "pgx", "postgres", "postgresql":
		if opts.DSN == "" {
			return 0, "", "", errors.New("postgres DSN is required")
		}
		return postgres, "pgx", opts.DSN, nil
	default:
		return 0, "", "", fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx executes fn within a transaction.
// If fn returns error, the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(shop.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&conn{q: tx, d: s.d}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.d) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w\n%s", err, stmt)
		}
	}
	return nil
}

// =============================================================================
// CONN - shop.Store over *sql.DB or *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q querier
	d dialect
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.d.rebind(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.d.rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.d.rebind(query), args...)
}

// insert runs an INSERT ... RETURNING id and returns the new id.
func (c *conn) insert(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := c.queryRow(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, mapWriteError(err)
	}
	return id, nil
}

// versioned runs a version-checked UPDATE. exists is consulted only when
// no row matched, to tell a stale version from a missing row.
func (c *conn) versioned(ctx context.Context, entity string, id int64, query string, args ...any) error {
	res, err := c.exec(ctx, query, args...)
	if err != nil {
		return mapWriteError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return c.missingOrStale(ctx, entity, id)
}

func (c *conn) missingOrStale(ctx context.Context, entity string, id int64) error {
	table := tableFor[entity]
	var one int
	err := c.queryRow(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return &shop.NotFoundError{Entity: entity, ID: id}
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %d: %w", entity, id, shop.ErrConcurrentModification)
}

var tableFor = map[string]string{
	"party":          "parties",
	"inventory item": "inventory_items",
	"machine":        "machines",
	"job":            "jobs",
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func mapWriteError(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", shop.ErrDuplicateIdempotencyKey, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

func notFound(err error, entity string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &shop.NotFoundError{Entity: entity, ID: id}
	}
	return err
}

// =============================================================================
// NULL HELPERS
// =============================================================================

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.UTC(), Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time.UTC()
	return &v
}

// nullString stores "" as NULL so UNIQUE columns accept many empty keys.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
