// Package synclog implements the ProcessingLog contract (spec §4.6):
// a per-table record of the last source-side update timestamp applied
// to each issue, used to decide staleness and to classify issues as
// sink creates or sink updates.
package synclog

import (
	"context"
	"time"

	"github.com/ticket-sink/ticket-sink/internal/errs"
	"github.com/ticket-sink/ticket-sink/internal/store"
)

// Outcome records what happened to an issue the last time it was
// processed.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeUpdated
	OutcomeColdStartExisting
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeColdStartExisting:
		return "cold_start_existing"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one (table, issue) processing record.
type Entry struct {
	IssueKey          string
	LastSourceUpdated int64
	SinkRowID         string
	Outcome           Outcome
	ProcessedAt       int64
}

// Candidate is the minimal (key, source timestamp) pair filter_stale
// and classify accept.
type Candidate struct {
	IssueKey        string
	SourceUpdatedMs int64
}

// Log is one table's processing log, backed by its own sqlite file
// (spec §4.6: "one sqlite file per table").
type Log struct {
	pool *store.Pool
}

// Open opens (creating if necessary) the processing log file at path.
func Open(ctx context.Context, path string) (*Log, func(), error) {
	pool, cleanup, err := store.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	if _, err := pool.ExecContext(ctx, schemaDDL); err != nil {
		cleanup()
		return nil, nil, errs.Persistence(err, "creating processing_log schema")
	}
	return &Log{pool: pool}, cleanup, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS processing_log (
	issue_key           TEXT PRIMARY KEY,
	last_source_updated INTEGER NOT NULL,
	sink_row_id         TEXT NOT NULL,
	outcome             INTEGER NOT NULL,
	processed_at        INTEGER NOT NULL
)`

// FilterStale returns the subset of candidates for which no record
// exists, or the candidate's SourceUpdatedMs is greater than the
// stored LastSourceUpdated (spec §4.6).
func (l *Log) FilterStale(ctx context.Context, candidates []Candidate) ([]Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	stored, err := l.lastUpdatedByKey(ctx, keysOf(candidates))
	if err != nil {
		return nil, err
	}
	stale := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		last, known := stored[c.IssueKey]
		if !known || c.SourceUpdatedMs > last {
			stale = append(stale, c)
		}
	}
	return stale, nil
}

// Classify splits issueKeys into those already known to the log
// (returning their current sink row id) and those that are not
// (spec §4.6).
func (l *Log) Classify(ctx context.Context, issueKeys []string) (known map[string]string, unknown []string, err error) {
	known = make(map[string]string, len(issueKeys))
	if len(issueKeys) == 0 {
		return known, nil, nil
	}
	query, args := inClauseQuery(`SELECT issue_key, sink_row_id FROM processing_log WHERE issue_key IN (`, issueKeys)
	rows, err := l.pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, errs.Persistence(err, "classifying issue keys")
	}
	defer rows.Close()
	for rows.Next() {
		var key, rowID string
		if err := rows.Scan(&key, &rowID); err != nil {
			return nil, nil, errs.Persistence(err, "scanning classify row")
		}
		known[key] = rowID
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errs.Persistence(err, "iterating classify rows")
	}
	for _, key := range issueKeys {
		if _, ok := known[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	return known, unknown, nil
}

// Record is an idempotent upsert by issue key.
func (l *Log) Record(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := l.pool.BeginTx(ctx, nil)
	if err != nil {
		return errs.Persistence(err, "beginning processing_log transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO processing_log (issue_key, last_source_updated, sink_row_id, outcome, processed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(issue_key) DO UPDATE SET
			last_source_updated = excluded.last_source_updated,
			sink_row_id = excluded.sink_row_id,
			outcome = excluded.outcome,
			processed_at = excluded.processed_at
	`)
	if err != nil {
		return errs.Persistence(err, "preparing processing_log upsert")
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.ProcessedAt == 0 {
			e.ProcessedAt = time.Now().UnixMilli()
		}
		if _, err := stmt.ExecContext(ctx, e.IssueKey, e.LastSourceUpdated, e.SinkRowID, int(e.Outcome), e.ProcessedAt); err != nil {
			return errs.Persistence(err, "upserting processing_log entry for "+e.IssueKey)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Persistence(err, "committing processing_log transaction")
	}
	return nil
}

// IsInitialized reports whether this table's log has ever been
// populated, the cold-start/incremental decision point (spec §4.8).
func (l *Log) IsInitialized(ctx context.Context) (bool, error) {
	var count int
	if err := l.pool.QueryRowContext(ctx, `SELECT COUNT(1) FROM processing_log LIMIT 1`).Scan(&count); err != nil {
		return false, errs.Persistence(err, "checking processing_log initialization")
	}
	return count > 0, nil
}

// Clear removes every entry, forcing the next cycle back into
// cold-start mode (operator-triggered full reset).
func (l *Log) Clear(ctx context.Context) error {
	if _, err := l.pool.ExecContext(ctx, `DELETE FROM processing_log`); err != nil {
		return errs.Persistence(err, "clearing processing_log")
	}
	return nil
}

// Stats is a durable, point-in-time summary of this table's log, for
// the CLI's status verb (spec §7). It only reflects outcomes that were
// actually recorded — a failed issue leaves no trace here by design,
// so "failed" is always reported as the count of OutcomeFailed rows,
// which is currently always zero; it exists for forward compatibility
// should a future policy choose to record failures explicitly.
type Stats struct {
	Created           int
	Updated           int
	ColdStartExisting int
	Failed            int
	LastProcessedAt   int64
}

// Stats summarizes the log's current contents.
func (l *Log) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := l.pool.QueryContext(ctx, `SELECT outcome, processed_at FROM processing_log`)
	if err != nil {
		return Stats{}, errs.Persistence(err, "reading processing_log stats")
	}
	defer rows.Close()
	for rows.Next() {
		var outcome int
		var processedAt int64
		if err := rows.Scan(&outcome, &processedAt); err != nil {
			return Stats{}, errs.Persistence(err, "scanning processing_log stats row")
		}
		switch Outcome(outcome) {
		case OutcomeCreated:
			s.Created++
		case OutcomeUpdated:
			s.Updated++
		case OutcomeColdStartExisting:
			s.ColdStartExisting++
		case OutcomeFailed:
			s.Failed++
		}
		if processedAt > s.LastProcessedAt {
			s.LastProcessedAt = processedAt
		}
	}
	return s, rows.Err()
}

func (l *Log) lastUpdatedByKey(ctx context.Context, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	query, args := inClauseQuery(`SELECT issue_key, last_source_updated FROM processing_log WHERE issue_key IN (`, keys)
	rows, err := l.pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Persistence(err, "reading processing_log timestamps")
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var ts int64
		if err := rows.Scan(&key, &ts); err != nil {
			return nil, errs.Persistence(err, "scanning processing_log timestamp")
		}
		out[key] = ts
	}
	return out, rows.Err()
}

func keysOf(candidates []Candidate) []string {
	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.IssueKey
	}
	return keys
}

func inClauseQuery(prefix string, keys []string) (string, []any) {
	args := make([]any, len(keys))
	q := prefix
	for i, k := range keys {
		if i > 0 {
			q += ","
		}
		q += "?"
		args[i] = k
	}
	q += ")"
	return q, args
}
