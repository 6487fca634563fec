package synclog

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, cleanup, err := Open(context.Background(), filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(cleanup)
	return l
}

func TestIsInitializedAndFilterStale(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	init, err := l.IsInitialized(ctx)
	if err != nil || init {
		t.Fatalf("expected uninitialized log: init=%v err=%v", init, err)
	}

	if err := l.Record(ctx, []Entry{
		{IssueKey: "TP-1", LastSourceUpdated: 1000, SinkRowID: "row_a", Outcome: OutcomeCreated},
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	init, err = l.IsInitialized(ctx)
	if err != nil || !init {
		t.Fatalf("expected initialized log: init=%v err=%v", init, err)
	}

	stale, err := l.FilterStale(ctx, []Candidate{
		{IssueKey: "TP-1", SourceUpdatedMs: 1000}, // not stale, same timestamp
		{IssueKey: "TP-1", SourceUpdatedMs: 2000}, // stale, newer
		{IssueKey: "TP-2", SourceUpdatedMs: 500},  // stale, unknown
	})
	if err != nil {
		t.Fatalf("FilterStale: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("expected 2 stale candidates, got %d: %+v", len(stale), stale)
	}
}

func TestClassify(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	if err := l.Record(ctx, []Entry{
		{IssueKey: "TP-1", LastSourceUpdated: 1000, SinkRowID: "row_a", Outcome: OutcomeUpdated},
	}); err != nil {
		t.Fatal(err)
	}

	known, unknown, err := l.Classify(ctx, []string{"TP-1", "TP-2"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if known["TP-1"] != "row_a" {
		t.Fatalf("expected TP-1 known with row_a, got %v", known)
	}
	if len(unknown) != 1 || unknown[0] != "TP-2" {
		t.Fatalf("expected TP-2 unknown, got %v", unknown)
	}
}

func TestRecordIsIdempotentUpsert(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	entry := Entry{IssueKey: "TP-1", LastSourceUpdated: 1000, SinkRowID: "row_a", Outcome: OutcomeCreated}
	if err := l.Record(ctx, []Entry{entry}); err != nil {
		t.Fatal(err)
	}
	entry.LastSourceUpdated = 2000
	entry.Outcome = OutcomeUpdated
	if err := l.Record(ctx, []Entry{entry}); err != nil {
		t.Fatal(err)
	}

	known, _, err := l.Classify(ctx, []string{"TP-1"})
	if err != nil {
		t.Fatal(err)
	}
	if known["TP-1"] != "row_a" {
		t.Fatalf("expected single row retained, got %v", known)
	}

	stale, err := l.FilterStale(ctx, []Candidate{{IssueKey: "TP-1", SourceUpdatedMs: 2000}})
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected no longer stale at 2000 after upsert, got %v", stale)
	}
}

func TestStatsTalliesOutcomesAndLatestTimestamp(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	if err := l.Record(ctx, []Entry{
		{IssueKey: "TP-1", SinkRowID: "row_a", Outcome: OutcomeCreated, ProcessedAt: 100},
		{IssueKey: "TP-2", SinkRowID: "row_b", Outcome: OutcomeUpdated, ProcessedAt: 200},
		{IssueKey: "TP-3", SinkRowID: "row_c", Outcome: OutcomeColdStartExisting, ProcessedAt: 50},
	}); err != nil {
		t.Fatal(err)
	}

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Created != 1 || stats.Updated != 1 || stats.ColdStartExisting != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected tallies: %+v", stats)
	}
	if stats.LastProcessedAt != 200 {
		t.Fatalf("expected latest processed_at 200, got %d", stats.LastProcessedAt)
	}
}

func TestClear(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	if err := l.Record(ctx, []Entry{{IssueKey: "TP-1", LastSourceUpdated: 1, SinkRowID: "r", Outcome: OutcomeCreated}}); err != nil {
		t.Fatal(err)
	}
	if err := l.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	init, err := l.IsInitialized(ctx)
	if err != nil || init {
		t.Fatalf("expected cleared log to be uninitialized: init=%v err=%v", init, err)
	}
}
