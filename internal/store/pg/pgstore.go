// Package pg implements the durable stores on PostgreSQL through the pgx
// database/sql driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	pgErrUniqueViolation = "23505"
	pgErrCheckViolation  = "23514"
)

// PoolConfig tunes database/sql pooling. Zero fields keep the defaults.
type PoolConfig struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// Store owns the connection pool shared by every table store.
type Store struct {
	db *sql.DB
}

func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(orInt(pool.MaxOpen, 50))
	db.SetMaxIdleConns(orInt(pool.MaxIdle, 25))
	db.SetConnMaxLifetime(orDuration(pool.MaxLifetime, 15*time.Minute))
	db.SetConnMaxIdleTime(orDuration(pool.MaxIdleTime, 5*time.Minute))
	return &Store{db: db}, nil
}

// New wraps an existing handle; tests pass a sqlmock db.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database answers within ctx.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Consent() *ConsentStore { return &ConsentStore{db: s.db} }

func (s *Store) Audit() *AuditStore { return &AuditStore{db: s.db} }

func (s *Store) Anchors() *AnchorStore { return &AnchorStore{db: s.db} }

func (s *Store) Availability() *AvailabilityStore { return &AvailabilityStore{db: s.db} }

func (s *Store) BreakGlass() *BreakGlassStore { return &BreakGlassStore{db: s.db} }

func (s *Store) Directory() *Directory { return &Directory{db: s.db} }

// inTx runs fn in a transaction and commits when fn succeeds.
func inTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}

func isCheckViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrCheckViolation
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
