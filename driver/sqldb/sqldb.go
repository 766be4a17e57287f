// Package sqldb is a Driver on a relational database. SQLite (through
// modernc.org/sqlite) and PostgreSQL (through pgx) share one schema and one
// query set; every Driver method runs in a single transaction.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pitabwire/durable/bus"
	"github.com/pitabwire/durable/driver"
	"github.com/pitabwire/durable/model"
)

const (
	maxTxRetries         = 20
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

// Dialect selects placeholder style and transaction isolation.
type Dialect struct {
	name     string
	numbered bool
	txOpts   *sql.TxOptions
}

var (
	// SQLite uses ? placeholders. Connections are limited to one so
	// transactions are serialized by the pool.
	SQLite = Dialect{name: "sqlite"}
	// Postgres uses $n placeholders and serializable transactions.
	Postgres = Dialect{name: "postgres", numbered: true, txOpts: &sql.TxOptions{Isolation: sql.LevelSerializable}}
)

// Name returns the dialect's name.
func (d Dialect) Name() string { return d.name }

// rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Driver implements model.Driver on database/sql.
type Driver struct {
	db      *sql.DB
	dialect Dialect
	opts    driver.Options
	ownsDB  bool
	ownsBus bool
	pool    *pgxpool.Pool
}

var _ model.Driver = (*Driver)(nil)

// New wraps an open database. The schema must already be migrated; call
// Migrate otherwise. Without WithBus the driver uses an in-process bus, so
// deployments with several worker processes should pass a NATS or Redis bus.
func New(db *sql.DB, dialect Dialect, opts ...driver.Option) *Driver {
	o := driver.Apply(opts...)
	d := &Driver{db: db, dialect: dialect, opts: o}
	if d.opts.Bus == nil {
		d.opts.Bus = bus.NewMemory()
		d.ownsBus = true
	}
	return d
}

// OpenSQLite opens (creating if needed) the database file at path and
// migrates it.
func OpenSQLite(ctx context.Context, path string, opts ...driver.Option) (*Driver, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	d := New(db, SQLite, opts...)
	d.ownsDB = true
	if err := d.Migrate(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return d, nil
}

// OpenPostgres connects a pgx pool to dsn and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, opts ...driver.Option) (*Driver, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	return OpenPostgresPool(ctx, cfg, opts...)
}

// OpenPostgresPool connects a pgx pool built from cfg and migrates the
// schema. Use it to tune pool sizes.
func OpenPostgresPool(ctx context.Context, cfg *pgxpool.Config, opts ...driver.Option) (*Driver, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	d := New(stdlib.OpenDBFromPool(pool), Postgres, opts...)
	d.ownsDB = true
	d.pool = pool
	if err := d.Migrate(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return d, nil
}

// Open picks the dialect from a URL-ish target: postgres:// and
// postgresql:// go to Postgres, anything else is a SQLite path.
func Open(ctx context.Context, target string, opts ...driver.Option) (*Driver, error) {
	if strings.HasPrefix(target, "postgres://") || strings.HasPrefix(target, "postgresql://") {
		return OpenPostgres(ctx, target, opts...)
	}
	return OpenSQLite(ctx, strings.TrimPrefix(target, "sqlite://"), opts...)
}

// DB returns the underlying database handle.
func (d *Driver) DB() *sql.DB { return d.db }

// Bus returns the driver's message plane.
func (d *Driver) Bus() model.Bus { return d.opts.Bus }

// HealthCheck pings the database.
func (d *Driver) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%s ping: %w", d.dialect.name, err)
	}
	return nil
}

// Close releases what the driver opened.
func (d *Driver) Close() error {
	var errs []error
	if d.ownsBus {
		errs = append(errs, d.opts.Bus.Close())
	}
	if d.ownsDB {
		errs = append(errs, d.db.Close())
	}
	if d.pool != nil {
		d.pool.Close()
	}
	return errors.Join(errs...)
}

// tx runs fn in a transaction. Postgres serialization failures are retried
// with exponential backoff; workflow errors returned by fn pass through
// unchanged and anything else becomes a STORAGE error.
func (d *Driver) tx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	attempt := func() error {
		tx, err := d.db.BeginTx(ctx, d.dialect.txOpts)
		if err != nil {
			return classify(err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return classify(err)
		}
		return classify(tx.Commit())
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, maxTxRetries), ctx))
	if err == nil {
		return nil
	}
	if _, ok := model.AsWorkflowError(err); ok {
		return err
	}
	return model.NewStorageError(op, err)
}

// classify marks every error except a retryable conflict as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected) {
		return err
	}
	return backoff.Permanent(err)
}

func (d *Driver) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	return tx.ExecContext(ctx, d.dialect.rebind(query), args...)
}

func (d *Driver) query(ctx context.Context, tx *sql.Tx, query string, args ...any) (*sql.Rows, error) {
	return tx.QueryContext(ctx, d.dialect.rebind(query), args...)
}

func (d *Driver) queryRow(ctx context.Context, tx *sql.Tx, query string, args ...any) *sql.Row {
	return tx.QueryRowContext(ctx, d.dialect.rebind(query), args...)
}

func (d *Driver) publishWake(ctx context.Context) {
	driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
}

func (d *Driver) logger() *zap.Logger { return d.opts.Logger }

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMS(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ms(t), Valid: true}
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %T: %w", v, err)
	}
	return string(b), nil
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
