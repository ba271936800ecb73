// Package store persists users, groups and public keys with bun over SQLite
// or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite"

	"keyauthority/auth"
)

var (
	// ErrNotFound is returned when a row does not exist or is not visible.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks connection and pool acquisition failures. Callers
	// may retry.
	ErrUnavailable = errors.New("database unavailable")
)

// Options configures the connection pool.
type Options struct {
	URL            string
	MaxOpenConns   int
	MaxIdleConns   int
	AcquireTimeout time.Duration
}

// DB is the storage collaborator of the auth core.
type DB struct {
	bun            *bun.DB
	logger         *slog.Logger
	acquireTimeout time.Duration
}

var (
	_ auth.UserStore        = (*DB)(nil)
	_ auth.MembershipLookup = (*DB)(nil)
)

// IsPostgres reports whether dsn selects the PostgreSQL driver.
func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open connects to dsn and pings it. postgres:// URLs use pgdriver; anything
// else is handed to the SQLite driver.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*DB, error) {
	if opts.URL == "" {
		return nil, errors.New("database url is required")
	}

	var db *bun.DB
	if IsPostgres(opts.URL) {
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(opts.URL)))
		if opts.MaxOpenConns > 0 {
			sqldb.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			sqldb.SetMaxIdleConns(opts.MaxIdleConns)
		}
		db = bun.NewDB(sqldb, pgdialect.New())
	} else {
		sqldb, err := sql.Open("sqlite", opts.URL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// SQLite allows a single writer.
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	s := &DB{bun: db, logger: logger, acquireTimeout: opts.AcquireTimeout}
	ctx, cancel := s.acquire(ctx)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrapErr("ping database", err)
	}
	logger.Debug("database_opened", "dialect", db.Dialect().Name().String())
	return s, nil
}

// Close releases the pool.
func (s *DB) Close() error {
	return s.bun.Close()
}

// Ping checks that a connection can be acquired.
func (s *DB) Ping(ctx context.Context) error {
	ctx, cancel := s.acquire(ctx)
	defer cancel()
	return wrapErr("ping database", s.bun.PingContext(ctx))
}

// GenerateID returns a new random entity id.
func (s *DB) GenerateID(context.Context) (uuid.UUID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate id: %w", err)
	}
	return id, nil
}

// acquire bounds a storage call so an exhausted pool fails instead of hanging.
func (s *DB) acquire(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.acquireTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.acquireTimeout)
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.As(err, &netErr):
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse entity id %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}
