// Package usercache implements the UserCache contract (spec §4.4): a
// thread-safe, persistent keyed store recording the three-state
// lifecycle (valid/empty/pending) of a username's mapping to a sink
// directory user.
package usercache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/ticket-sink/ticket-sink/internal/errs"
	"github.com/ticket-sink/ticket-sink/internal/store"
)

// State is the three-way lifecycle a cache entry can be in.
type State int

const (
	// StateValid means the username resolved to a real sink user.
	StateValid State = iota
	// StateEmpty means the directory lookup completed and found no match.
	StateEmpty
	// StatePending means no lookup has completed yet.
	StatePending
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateEmpty:
		return "empty"
	default:
		return "pending"
	}
}

// Entry is one cached mapping.
type Entry struct {
	Username        string
	SinkEmail       string
	State           State
	SinkUserID      string
	SinkDisplayName string
	UpdatedAt       int64 // unix millis
}

// Cache is a sqlite-backed UserCache. A sync.RWMutex serializes this
// process's writes against its reads (spec §5's process-local lock);
// there is no in-memory copy, so every call reads or writes sqlite,
// which itself serializes writers across processes.
type Cache struct {
	pool *store.Pool
	mu   sync.RWMutex
}

// Open opens (creating if necessary) the cache file at path.
func Open(ctx context.Context, path string) (*Cache, func(), error) {
	pool, cleanup, err := store.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	if _, err := pool.ExecContext(ctx, schemaDDL); err != nil {
		cleanup()
		return nil, nil, errs.Persistence(err, "creating usercache schema")
	}
	return &Cache{pool: pool}, cleanup, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS user_cache (
	username          TEXT PRIMARY KEY,
	sink_email        TEXT NOT NULL DEFAULT '',
	state             INTEGER NOT NULL,
	sink_user_id      TEXT NOT NULL DEFAULT '',
	sink_display_name TEXT NOT NULL DEFAULT '',
	updated_at        INTEGER NOT NULL
)`

// Get returns the entry for username, or (Entry{}, false, nil) if
// there is no record at all.
func (c *Cache) Get(ctx context.Context, username string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	row := c.pool.QueryRowContext(ctx,
		`SELECT username, sink_email, state, sink_user_id, sink_display_name, updated_at FROM user_cache WHERE username = ?`,
		username)
	var e Entry
	var state int
	if err := row.Scan(&e.Username, &e.SinkEmail, &state, &e.SinkUserID, &e.SinkDisplayName, &e.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, errs.Persistence(err, "reading user_cache row for "+username)
	}
	e.State = State(state)
	return e, true, nil
}

// Put upserts an entry. Writes are durable on return.
//
// Transitions are monotonic except for an explicit operator reopen:
// callers are responsible for not regressing a StateValid entry back
// to StatePending on an ordinary online-path miss.
func (c *Cache) Put(ctx context.Context, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.UpdatedAt == 0 {
		e.UpdatedAt = time.Now().UnixMilli()
	}
	_, err := c.pool.ExecContext(ctx, `
		INSERT INTO user_cache (username, sink_email, state, sink_user_id, sink_display_name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			sink_email = CASE WHEN excluded.sink_email = '' THEN sink_email ELSE excluded.sink_email END,
			state = excluded.state,
			sink_user_id = excluded.sink_user_id,
			sink_display_name = excluded.sink_display_name,
			updated_at = excluded.updated_at
	`, e.Username, e.SinkEmail, int(e.State), e.SinkUserID, e.SinkDisplayName, e.UpdatedAt)
	if err != nil {
		return errs.Persistence(err, "writing user_cache row for "+e.Username)
	}
	return nil
}

// BatchGet resolves many usernames in a single round trip. Usernames
// with no record are simply absent from the result map.
func (c *Cache) BatchGet(ctx context.Context, usernames []string) (map[string]Entry, error) {
	if len(usernames) == 0 {
		return map[string]Entry{}, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	placeholders := make([]any, len(usernames))
	query := `SELECT username, sink_email, state, sink_user_id, sink_display_name, updated_at FROM user_cache WHERE username IN (`
	for i, u := range usernames {
		if i > 0 {
			query += ","
		}
		query += "?"
		placeholders[i] = u
	}
	query += ")"

	rows, err := c.pool.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, errs.Persistence(err, "batch-reading user_cache")
	}
	defer rows.Close()

	out := make(map[string]Entry, len(usernames))
	for rows.Next() {
		var e Entry
		var state int
		if err := rows.Scan(&e.Username, &e.SinkEmail, &state, &e.SinkUserID, &e.SinkDisplayName, &e.UpdatedAt); err != nil {
			return nil, errs.Persistence(err, "scanning user_cache row")
		}
		e.State = State(state)
		out[e.Username] = e
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Persistence(err, "iterating user_cache rows")
	}
	return out, nil
}

// PendingUser is one row Incomplete returns: enough to drive an
// offline directory lookup (spec §4.2's lookup_user takes an email).
type PendingUser struct {
	Username  string
	SinkEmail string
}

// Incomplete returns users that still need an offline lookup: pending,
// or marked non-empty but missing a sink user id.
func (c *Cache) Incomplete(ctx context.Context) ([]PendingUser, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.pool.QueryContext(ctx,
		`SELECT username, sink_email FROM user_cache WHERE state = ? OR (state != ? AND sink_user_id = '')`,
		int(StatePending), int(StateEmpty))
	if err != nil {
		return nil, errs.Persistence(err, "querying incomplete user_cache rows")
	}
	defer rows.Close()

	var out []PendingUser
	for rows.Next() {
		var pu PendingUser
		if err := rows.Scan(&pu.Username, &pu.SinkEmail); err != nil {
			return nil, errs.Persistence(err, "scanning incomplete user_cache row")
		}
		out = append(out, pu)
	}
	return out, rows.Err()
}
