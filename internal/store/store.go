// Package store owns the durable database shared by the job registry, task store,
// workflow journal and budget ledger. Queries are written once with ? placeholders
// and rebound for the active driver, so the same repositories run on the embedded
// SQLite file and on PostgreSQL.
package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"modernc.org/sqlite"

	"github.com/felixgeelhaar/foundry/internal/errors"
)

// Driver names a supported database engine
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// sqlitePragmas apply to every pooled connection. Immediate transactions take the
// write lock up front so concurrent writers queue on busy_timeout instead of failing
// on lock upgrade.
const sqlitePragmas = "_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(FULL)&_txlock=immediate"

// Config selects and tunes the database
type Config struct {
	Driver       Driver
	DSN          string
	MaxOpenConns int
}

// Conn is implemented by *DB and *Tx. Repositories accept it so the same
// query runs inside or outside a transaction.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is a database handle that rebinds placeholders for its driver
type DB struct {
	sql    *sql.DB
	driver Driver
}

// Open connects to the configured database and verifies the connection
func Open(ctx context.Context, cfg Config) (*DB, error) {
	var driverName, dsn string
	switch cfg.Driver {
	case DriverSQLite, "":
		cfg.Driver = DriverSQLite
		driverName = "sqlite"
		dsn = cfg.DSN
		if !strings.Contains(dsn, "_pragma") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + sqlitePragmas
		}
	case DriverPostgres:
		driverName = "pgx"
		dsn = cfg.DSN
	default:
		return nil, errors.Newf(errors.ErrCodeConfigInvalid, "unsupported storage driver %q", cfg.Driver)
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStore, "open database", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(errors.ErrCodeStore, "ping database", err)
	}

	return &DB{sql: sqlDB, driver: cfg.Driver}, nil
}

// Wrap adopts an existing *sql.DB, e.g. one created by sqlmock in tests
func Wrap(sqlDB *sql.DB, driver Driver) *DB {
	return &DB{sql: sqlDB, driver: driver}
}

// Close closes the pool
func (db *DB) Close() error {
	return db.sql.Close()
}

// Driver returns the engine behind this handle
func (db *DB) Driver() Driver {
	return db.driver
}

// SQL returns the underlying pool
func (db *DB) SQL() *sql.DB {
	return db.sql
}

// Ping checks connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// Rebind rewrites ? placeholders into the driver's syntax
func (db *DB) Rebind(query string) string {
	return rebind(db.driver, query)
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.sql.ExecContext(ctx, db.Rebind(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.sql.QueryContext(ctx, db.Rebind(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.sql.QueryRowContext(ctx, db.Rebind(query), args...)
}

// Tx is a transaction that rebinds placeholders for its driver
type Tx struct {
	tx     *sql.Tx
	driver Driver
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.tx.ExecContext(ctx, rebind(tx.driver, query), args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.tx.QueryContext(ctx, rebind(tx.driver, query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.tx.QueryRowContext(ctx, rebind(tx.driver, query), args...)
}

// Transact runs fn inside a transaction, committing on success and rolling back on error
func Transact[T any](ctx context.Context, db *DB, fn func(*Tx) (T, error)) (T, error) {
	var zero T
	sqlTx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return zero, errors.Wrap(errors.ErrCodeStore, "begin transaction", err)
	}

	result, err := fn(&Tx{tx: sqlTx, driver: db.driver})
	if err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return zero, fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return zero, err
	}

	if err := sqlTx.Commit(); err != nil {
		return zero, errors.Wrap(errors.ErrCodeStore, "commit transaction", err)
	}
	return result, nil
}

// RowsAffected returns the affected row count of res, treating driver errors as store errors
func RowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeStore, "rows affected", err)
	}
	return n, nil
}

// IsUniqueViolation reports whether err is a primary key or unique constraint failure
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqliteErr *sqlite.Error
	if stderrors.As(err, &sqliteErr) {
		// SQLITE_CONSTRAINT_PRIMARYKEY, SQLITE_CONSTRAINT_UNIQUE
		return sqliteErr.Code() == 1555 || sqliteErr.Code() == 2067
	}
	return false
}

// Nanos converts t to the stored representation
func Nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// NullNanos converts an optional time to the stored representation
func NullNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: Nanos(*t), Valid: true}
}

// Time converts a stored timestamp back to UTC time
func Time(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// TimePtr converts an optional stored timestamp
func TimePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := Time(n.Int64)
	return &t
}

// Placeholders returns n comma-separated ? placeholders
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func rebind(driver Driver, query string) string {
	if driver != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
