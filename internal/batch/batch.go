// Package batch implements the BatchProcessor contract (spec §4.7):
// turning a set of projected rows into a minimal set of sink calls,
// with adaptive chunk sizing, retry, and partial-failure semantics.
package batch

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/ticket-sink/ticket-sink/internal/errs"
	"github.com/ticket-sink/ticket-sink/internal/retry"
)

// Row is one projected issue ready to be written to the sink.
type Row struct {
	IssueKey string
	Fields   map[string]any
}

// CreateResult is what the sink returns for one created row.
type CreateResult struct {
	RowID string
	Err   error
}

// Sink is the subset of SinkClient the processor needs.
type Sink interface {
	BatchCreate(ctx context.Context, rows []map[string]any) ([]CreateResult, error)
	Update(ctx context.Context, rowID string, fields map[string]any) error
}

// Classifier is the subset of ProcessingLog needed to split rows into
// creates and updates.
type Classifier interface {
	Classify(ctx context.Context, issueKeys []string) (known map[string]string, unknown []string, err error)
}

// Result is BatchProcessor's output (spec §4.7).
type Result struct {
	Created []KeyedRow
	Updated []KeyedRow
	Failed  []FailedRow

	// ColdStartRequested is set when any row failed with a Precondition
	// error (a stale sink row id): that entry is dropped as failed, and
	// the whole table is recovered by forcing cold-start on the next
	// cycle rather than retrying the same bad reference (spec §7, S6).
	ColdStartRequested bool

	// BatchCreateCalls is the number of batch_create chunks attempted,
	// for the caller's request-volume metric.
	BatchCreateCalls int
}

// KeyedRow pairs an issue key with the sink row id it now lives at.
type KeyedRow struct {
	IssueKey  string
	SinkRowID string
}

// FailedRow captures a permanent per-row failure.
type FailedRow struct {
	IssueKey string
	Reason   string
}

// Chunk thresholds from spec §4.7: cap at 200 when a row averages
// ≥20 fields or ≥2000 characters of payload; cap at 350 when it
// averages ≥10 fields or ≥1000 characters; otherwise 500.
const (
	maxChunk           = 500
	mediumRiskChunk    = 350
	highRiskChunk      = 200
	mediumFieldCount   = 10
	mediumPayloadChars = 1000
	highFieldCount     = 20
	highPayloadChars   = 2000
)

// Execute plans and executes sink writes for rows against sink,
// classifying each by issue key via classifier.
func Execute(ctx context.Context, classifier Classifier, sink Sink, rows []Row) (Result, error) {
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.IssueKey
	}
	known, unknown, err := classifier.Classify(ctx, keys)
	if err != nil {
		return Result{}, err
	}

	rowByKey := make(map[string]Row, len(rows))
	for _, r := range rows {
		rowByKey[r.IssueKey] = r
	}

	var result Result

	createRows := make([]Row, 0, len(unknown))
	for _, key := range unknown {
		createRows = append(createRows, rowByKey[key])
	}
	created, failedCreates, createCalls := executeCreates(ctx, sink, createRows)
	result.Created = append(result.Created, created...)
	result.Failed = append(result.Failed, failedCreates...)
	result.BatchCreateCalls = createCalls

	for key, rowID := range known {
		row, ok := rowByKey[key]
		if !ok {
			continue
		}
		if err := executeUpdate(ctx, sink, rowID, row.Fields); err != nil {
			result.Failed = append(result.Failed, FailedRow{IssueKey: key, Reason: err.Error()})
			if errs.GetKind(err) == errs.KindPrecondition {
				result.ColdStartRequested = true
			}
			continue
		}
		result.Updated = append(result.Updated, KeyedRow{IssueKey: key, SinkRowID: rowID})
	}

	return result, nil
}

func executeCreates(ctx context.Context, sink Sink, rows []Row) ([]KeyedRow, []FailedRow, int) {
	var created []KeyedRow
	var failed []FailedRow
	var calls int
	for _, chunk := range planChunks(rows) {
		calls++
		fieldMaps := make([]map[string]any, len(chunk))
		for i, r := range chunk {
			fieldMaps[i] = r.Fields
		}
		var results []CreateResult
		err := retry.Do(ctx, retry.Default, isRetryable, func() error {
			var callErr error
			results, callErr = sink.BatchCreate(ctx, fieldMaps)
			return callErr
		})
		if err != nil {
			log.WithError(err).WithField("chunk_size", len(chunk)).Warn("batch_create failed, marking chunk failed")
			for _, r := range chunk {
				failed = append(failed, FailedRow{IssueKey: r.IssueKey, Reason: err.Error()})
			}
			continue
		}
		for i, r := range chunk {
			if i >= len(results) || results[i].Err != nil {
				reason := "missing result"
				if i < len(results) && results[i].Err != nil {
					reason = results[i].Err.Error()
				}
				failed = append(failed, FailedRow{IssueKey: r.IssueKey, Reason: reason})
				continue
			}
			created = append(created, KeyedRow{IssueKey: r.IssueKey, SinkRowID: results[i].RowID})
		}
	}
	return created, failed, calls
}

func executeUpdate(ctx context.Context, sink Sink, rowID string, fields map[string]any) error {
	return retry.Do(ctx, retry.Default, isRetryable, func() error {
		return sink.Update(ctx, rowID, fields)
	})
}

// isRetryable implements the spec §7 policy matrix at the call-site
// level: only a Transport error (a dropped connection, a 5xx, a
// rate-limit response) is worth repeating verbatim. A Precondition
// (stale sink row id) or Protocol error will fail identically on every
// attempt, so retrying it would just burn the retry budget before the
// caller gets to apply its own policy (drop-and-cold-start, or
// issue-level failure).
func isRetryable(err error) bool {
	return errs.GetKind(err) == errs.KindTransport
}

// planChunks splits rows into ≤500-row chunks, shrinking further when
// the chunk's average field count or payload size suggests risk (spec
// §4.7). This is a resilience policy, not a correctness requirement.
func planChunks(rows []Row) [][]Row {
	if len(rows) == 0 {
		return nil
	}
	var chunks [][]Row
	for start := 0; start < len(rows); {
		limit := chunkLimit(rows[start:])
		end := start + limit
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
		start = end
	}
	return chunks
}

func chunkLimit(remaining []Row) int {
	sampleEnd := maxChunk
	if sampleEnd > len(remaining) {
		sampleEnd = len(remaining)
	}
	avgFields, avgChars := averageShape(remaining[:sampleEnd])

	switch {
	case avgFields >= highFieldCount || avgChars >= highPayloadChars:
		return highRiskChunk
	case avgFields >= mediumFieldCount || avgChars >= mediumPayloadChars:
		return mediumRiskChunk
	default:
		return maxChunk
	}
}

func averageShape(rows []Row) (avgFields float64, avgChars float64) {
	if len(rows) == 0 {
		return 0, 0
	}
	var totalFields, totalChars int
	for _, r := range rows {
		totalFields += len(r.Fields)
		if payload, err := json.Marshal(r.Fields); err == nil {
			totalChars += len(payload)
		}
	}
	n := float64(len(rows))
	return float64(totalFields) / n, float64(totalChars) / n
}
