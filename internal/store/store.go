// Package store opens the local sqlite-backed connection pools used by
// ProcessingLog (one file per table) and UserCache (one global file).
// It plays the role the teacher's internal/util/stdpool package played
// for Postgres/MySQL pools, retargeted at a single-file embedded store.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // register driver
)

// A Pool wraps a *sql.DB opened against a single sqlite file, plus the
// path it was opened from (useful for log lines and Clear()).
type Pool struct {
	*sql.DB
	Path string
}

// Option configures Open.
type Option func(*options)

type options struct {
	busyTimeout time.Duration
	maxOpenConn int
}

// WithBusyTimeout sets sqlite's busy_timeout pragma, bounding how long
// a writer waits on a lock held by a concurrent connection before
// failing. Defaults to 5s.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// WithMaxOpenConns caps the number of open connections. sqlite only
// supports one writer at a time, so the default is 1 to avoid
// SQLITE_BUSY thrashing under our own process's concurrent access.
func WithMaxOpenConns(n int) Option {
	return func(o *options) { o.maxOpenConn = n }
}

// Open creates (if necessary) and opens the sqlite file at path,
// applying the given options. The returned cleanup function closes the
// pool.
func Open(ctx context.Context, path string, opts ...Option) (*Pool, func(), error) {
	cfg := options{busyTimeout: 5 * time.Second, maxOpenConn: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, func() {}, errors.Wrapf(err, "opening sqlite store %s", path)
	}
	db.SetMaxOpenConns(cfg.maxOpenConn)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, func() {}, errors.Wrapf(err, "applying pragma %q to %s", p, path)
		}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = ?", cfg.busyTimeout.Milliseconds()); err != nil {
		_ = db.Close()
		return nil, func() {}, errors.Wrapf(err, "setting busy_timeout on %s", path)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, func() {}, errors.Wrapf(err, "pinging sqlite store %s", path)
	}

	ret := &Pool{DB: db, Path: path}
	cleanup := func() {
		if err := ret.Close(); err != nil {
			log.WithError(err).WithField("path", path).Warn("could not close sqlite store")
		}
	}
	return ret, cleanup, nil
}
