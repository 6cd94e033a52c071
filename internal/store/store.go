package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"ticket-engine/internal/clock"
	"ticket-engine/internal/status"
	"ticket-engine/internal/store/migrations"
)

// ErrDuplicateQRCode reports a ticket code collision on insert.
var ErrDuplicateQRCode = errors.New("store: duplicate qr code")

// Store is the durable state of the engine. Every mutation it exposes is a
// single statement whose affected-row count tells the caller whether the
// guarded transition happened.
type Store struct {
	db    *dbx.DB
	clock clock.Clock
}

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// DSN builds the modernc sqlite connection string used by Open.
func DSN(path string) string {
	return path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
}

func Open(path string, opts ...Option) (*Store, error) {
	db, err := dbx.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.DB().SetMaxOpenConns(8)
	db.DB().SetMaxIdleConns(4)
	db.DB().SetConnMaxIdleTime(5 * time.Minute)

	db.ExecLogFunc = func(ctx context.Context, t time.Duration, query string, _ sql.Result, err error) {
		if err != nil {
			slog.Debug("store exec failed", "sql", query, "took", t, "error", err)
		}
	}

	s := &Store{db: db, clock: clock.NewSystem()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	return translate(migrations.Apply(ctx, s.db.DB()))
}

func (s *Store) Ping(ctx context.Context) error {
	return translate(s.db.DB().PingContext(ctx))
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and tooling.
func (s *Store) DB() *dbx.DB {
	return s.db
}

func (s *Store) Now() types.DateTime {
	return DateTimeOf(s.clock.Now())
}

type txKey struct{}

// WithTx runs fn in a transaction. Calls made with the context passed to fn
// join that transaction; nested WithTx calls reuse it.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	err := s.db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
	return translate(err)
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	return txFromContext(ctx) != nil
}

func txFromContext(ctx context.Context) *dbx.Tx {
	tx, _ := ctx.Value(txKey{}).(*dbx.Tx)
	return tx
}

func (s *Store) builder(ctx context.Context) dbx.Builder {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

func (s *Store) exec(ctx context.Context, query string, params dbx.Params) (int64, error) {
	res, err := s.builder(ctx).NewQuery(query).Bind(params).WithContext(ctx).Execute()
	if err != nil {
		return 0, translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

func (s *Store) insert(ctx context.Context, table string, params dbx.Params) error {
	_, err := s.builder(ctx).Insert(table, params).WithContext(ctx).Execute()
	return translate(err)
}

func (s *Store) one(ctx context.Context, query string, params dbx.Params, dst any) error {
	err := s.builder(ctx).NewQuery(query).Bind(params).WithContext(ctx).One(dst)
	if errors.Is(err, sql.ErrNoRows) {
		return status.ErrNotFound
	}
	return translate(err)
}

func (s *Store) all(ctx context.Context, query string, params dbx.Params, dst any) error {
	return translate(s.builder(ctx).NewQuery(query).Bind(params).WithContext(ctx).All(dst))
}

// DateTimeOf converts t to the fixed-width representation stored in TEXT
// columns, which keeps lexical and chronological order the same.
func DateTimeOf(t time.Time) types.DateTime {
	if t.IsZero() {
		return types.DateTime{}
	}
	d, _ := types.ParseDateTime(t)
	return d
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", status.ErrTransientStorage, err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func isNotFound(err error) bool {
	return errors.Is(err, status.ErrNotFound)
}
