package workflow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/ticket-sink/ticket-sink/internal/errs"
	"github.com/ticket-sink/ticket-sink/internal/fields"
	"github.com/ticket-sink/ticket-sink/internal/sink/lark"
	"github.com/ticket-sink/ticket-sink/internal/source/jira"
	"github.com/ticket-sink/ticket-sink/internal/synclog"
)

type fakeSource struct {
	issues []jira.Issue
}

func (f *fakeSource) Search(ctx context.Context, filterExpr string, fieldSet []string) ([]jira.Issue, error) {
	return f.issues, nil
}

func (f *fakeSource) SearchByKeys(ctx context.Context, keys []string, fieldSet []string) ([]jira.Issue, error) {
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var out []jira.Issue
	for _, iss := range f.issues {
		if want[iss.Key] {
			out = append(out, iss)
		}
	}
	return out, nil
}

type fakeSink struct {
	scanRows   []lark.Row
	columns    []lark.Column
	created    []map[string]any
	updated    map[string]map[string]any
	updateErrs map[string]error
}

func (f *fakeSink) Resolve(ctx context.Context, workspaceToken string) (string, error) {
	return "app_tok", nil
}

func (f *fakeSink) Scan(ctx context.Context, appToken, tableID string, fieldSubset []string) ([]lark.Row, error) {
	return f.scanRows, nil
}

func (f *fakeSink) ListColumns(ctx context.Context, appToken, tableID string) ([]lark.Column, error) {
	return f.columns, nil
}

func (f *fakeSink) BatchCreate(ctx context.Context, appToken, tableID string, rows []map[string]any) ([]lark.CreateResult, error) {
	out := make([]lark.CreateResult, len(rows))
	for i, r := range rows {
		f.created = append(f.created, r)
		out[i] = lark.CreateResult{RowID: "new_row"}
	}
	return out, nil
}

func (f *fakeSink) Update(ctx context.Context, appToken, tableID, rowID string, fieldsMap map[string]any) error {
	if f.updated == nil {
		f.updated = make(map[string]map[string]any)
	}
	if err := f.updateErrs[rowID]; err != nil {
		return err
	}
	f.updated[rowID] = fieldsMap
	return nil
}

func testSchema() fields.Schema {
	return fields.Schema{
		IdentityCandidates: []string{"Ticket"},
		Entries: []fields.Entry{
			{SourcePath: "summary", SinkField: "Title", Kind: fields.KindSimple},
			{SinkField: "Ticket", Kind: fields.KindTicketHyperlink},
		},
	}
}

func newTestLog(t *testing.T) *synclog.Log {
	t.Helper()
	l, cleanup, err := synclog.Open(context.Background(), filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatalf("synclog.Open: %v", err)
	}
	t.Cleanup(cleanup)
	return l
}

func TestColdStartThenIncrementalCreatesNewIssueAndSkipsKnownOne(t *testing.T) {
	plog := newTestLog(t)
	source := &fakeSource{issues: []jira.Issue{
		{Key: "TP-1", Fields: map[string]any{"summary": "Old", "updated": "2026-07-09T15:30:00.000+0800"}},
		{Key: "TP-2", Fields: map[string]any{"summary": "Brand new", "updated": "2026-07-10T00:00:00.000+0800"}},
	}}
	sink := &fakeSink{
		columns:  []lark.Column{{Name: "Ticket", Type: "hyperlink"}, {Name: "Title", Type: "text"}},
		scanRows: []lark.Row{{RowID: "row_a", Fields: map[string]any{"Ticket": map[string]any{"text": "TP-1"}}}},
	}
	mgr := &Manager{Source: source, Sink: sink, Log: plog, Projector: &fields.Projector{BaseURL: "https://jira.example.com"}}

	binding := Binding{LogName: "mgmt/tp", WorkspaceToken: "ws", SinkTableID: "tbl", FilterExpression: "project = TP", Schema: testSchema()}

	// Manually populate Updated since the fake source bypasses jira's own JSON parsing.
	for i := range source.issues {
		source.issues[i] = mustParseUpdated(source.issues[i])
	}

	result, err := mgr.RunCycle(context.Background(), binding, FullRefreshNone)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.ColdStartRows != 1 {
		t.Fatalf("expected 1 cold-start row, got %d", result.ColdStartRows)
	}
	// TP-1 is in cold-start with LastSourceUpdated=0, so it's stale and becomes an update.
	// TP-2 is unknown, so it's a create.
	if len(result.Created) != 1 || result.Created[0].IssueKey != "TP-2" {
		t.Fatalf("expected TP-2 created, got %+v", result.Created)
	}
	if len(result.Updated) != 1 || result.Updated[0].IssueKey != "TP-1" {
		t.Fatalf("expected TP-1 updated, got %+v", result.Updated)
	}

	// A second cycle sees nothing stale.
	result2, err := mgr.RunCycle(context.Background(), binding, FullRefreshNone)
	if err != nil {
		t.Fatalf("RunCycle 2: %v", err)
	}
	if len(result2.Created) != 0 || len(result2.Updated) != 0 {
		t.Fatalf("expected no writes on second cycle, got %+v", result2)
	}
}

func TestRunIssueUpsertsSingleKeyWithoutTouchingOthers(t *testing.T) {
	plog := newTestLog(t)
	source := &fakeSource{issues: []jira.Issue{
		mustParseUpdated(jira.Issue{Key: "TP-9", Fields: map[string]any{"summary": "Hotfix", "updated": "2026-07-09T15:30:00.000+0800"}}),
	}}
	sink := &fakeSink{columns: []lark.Column{{Name: "Ticket", Type: "hyperlink"}, {Name: "Title", Type: "text"}}}
	mgr := &Manager{Source: source, Sink: sink, Log: plog, Projector: &fields.Projector{BaseURL: "https://jira.example.com"}}
	binding := Binding{LogName: "mgmt/tp", WorkspaceToken: "ws", SinkTableID: "tbl", Schema: testSchema()}

	result, err := mgr.RunIssue(context.Background(), binding, "TP-9")
	if err != nil {
		t.Fatalf("RunIssue: %v", err)
	}
	if len(result.Created) != 1 || result.Created[0].IssueKey != "TP-9" {
		t.Fatalf("expected TP-9 created, got %+v", result)
	}
	if len(sink.created) != 1 {
		t.Fatalf("expected exactly one row sent to the sink, got %d", len(sink.created))
	}
}

func TestRunIssueRejectsUnknownKey(t *testing.T) {
	plog := newTestLog(t)
	source := &fakeSource{}
	sink := &fakeSink{columns: []lark.Column{{Name: "Ticket", Type: "hyperlink"}}}
	mgr := &Manager{Source: source, Sink: sink, Log: plog, Projector: &fields.Projector{BaseURL: "https://jira.example.com"}}
	binding := Binding{LogName: "mgmt/tp", WorkspaceToken: "ws", SinkTableID: "tbl", Schema: testSchema()}

	if _, err := mgr.RunIssue(context.Background(), binding, "TP-404"); err == nil {
		t.Fatal("expected an error for an issue key the source doesn't know about")
	}
}

func TestRunCycleDropsStaleSinkReferenceAndForcesColdStartNextCycle(t *testing.T) {
	plog := newTestLog(t)
	ctx := context.Background()
	// Seed the log as already initialized, pointing TP-9 at a sink row
	// that no longer exists - the S6 scenario (spec §8).
	if err := plog.Record(ctx, []synclog.Entry{
		{IssueKey: "TP-9", SinkRowID: "row_x", LastSourceUpdated: 0, Outcome: synclog.OutcomeColdStartExisting},
	}); err != nil {
		t.Fatalf("seeding processing log: %v", err)
	}

	source := &fakeSource{issues: []jira.Issue{
		mustParseUpdated(jira.Issue{Key: "TP-9", Fields: map[string]any{"summary": "Hotfix", "updated": "2026-07-09T15:30:00.000+0800"}}),
	}}
	sink := &fakeSink{
		columns: []lark.Column{{Name: "Ticket", Type: "hyperlink"}, {Name: "Title", Type: "text"}},
		updateErrs: map[string]error{
			"row_x": errs.Precondition(errors.New("record not found"), "sink row no longer exists: row_x"),
		},
	}
	mgr := &Manager{Source: source, Sink: sink, Log: plog, Projector: &fields.Projector{BaseURL: "https://jira.example.com"}}
	binding := Binding{LogName: "mgmt/tp", WorkspaceToken: "ws", SinkTableID: "tbl", FilterExpression: "project = TP", Schema: testSchema()}

	result, err := mgr.RunCycle(ctx, binding, FullRefreshNone)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(result.Failed) != 1 || result.Failed[0].IssueKey != "TP-9" {
		t.Fatalf("expected TP-9 recorded as failed, got %+v", result.Failed)
	}
	if !result.ColdStartForced {
		t.Fatalf("expected the cycle to force cold-start after a stale sink reference")
	}

	initialized, err := plog.IsInitialized(ctx)
	if err != nil {
		t.Fatalf("IsInitialized: %v", err)
	}
	if initialized {
		t.Fatalf("expected the processing log to be cleared so the next cycle cold-starts")
	}
}

func mustParseUpdated(iss jira.Issue) jira.Issue {
	raw, _ := iss.Fields["updated"].(string)
	// "+0800" -> "+08:00" so time.RFC3339 accepts it, mirroring what
	// the real jira client does internally when parsing wire issues.
	normalized := raw[:len(raw)-5] + raw[len(raw)-5:len(raw)-2] + ":" + raw[len(raw)-2:]
	t, err := time.Parse(time.RFC3339, normalized)
	if err != nil {
		panic(err)
	}
	iss.Updated = t
	return iss
}
