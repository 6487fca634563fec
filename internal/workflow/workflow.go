// Package workflow implements the WorkflowManager contract (spec
// §4.8): one cycle for one table binding, across cold-start,
// incremental, and full-refresh modes.
package workflow

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ticket-sink/ticket-sink/internal/batch"
	"github.com/ticket-sink/ticket-sink/internal/errs"
	"github.com/ticket-sink/ticket-sink/internal/fields"
	"github.com/ticket-sink/ticket-sink/internal/sink/lark"
	"github.com/ticket-sink/ticket-sink/internal/source/jira"
	"github.com/ticket-sink/ticket-sink/internal/synclog"
	"github.com/ticket-sink/ticket-sink/internal/telemetry"
)

// SourceClient is the subset of internal/source/jira.Client the
// workflow needs.
type SourceClient interface {
	Search(ctx context.Context, filterExpr string, fieldSet []string) ([]jira.Issue, error)
	SearchByKeys(ctx context.Context, keys []string, fieldSet []string) ([]jira.Issue, error)
}

// SinkClient is the subset of internal/sink/lark.Client the workflow
// needs.
type SinkClient interface {
	Resolve(ctx context.Context, workspaceToken string) (string, error)
	Scan(ctx context.Context, appToken, tableID string, fieldSubset []string) ([]lark.Row, error)
	ListColumns(ctx context.Context, appToken, tableID string) ([]lark.Column, error)
	BatchCreate(ctx context.Context, appToken, tableID string, rows []map[string]any) ([]lark.CreateResult, error)
	Update(ctx context.Context, appToken, tableID, rowID string, fields map[string]any) error
}

// ProcessingLog is the subset of internal/synclog.Log the workflow
// needs.
type ProcessingLog interface {
	IsInitialized(ctx context.Context) (bool, error)
	FilterStale(ctx context.Context, candidates []synclog.Candidate) ([]synclog.Candidate, error)
	Classify(ctx context.Context, issueKeys []string) (known map[string]string, unknown []string, err error)
	Record(ctx context.Context, entries []synclog.Entry) error
	Clear(ctx context.Context) error
}

// FullRefreshMode selects the operator-triggered variant (spec §4.8
// step 5).
type FullRefreshMode int

const (
	// FullRefreshNone is ordinary incremental processing.
	FullRefreshNone FullRefreshMode = iota
	// FullRefreshFilter skips the stale filter but still sources
	// issues from the binding's normal filter expression.
	FullRefreshFilter
	// FullRefreshBySinkScan sources the candidate key set by scanning
	// the sink table and re-querying the source by key list.
	FullRefreshBySinkScan
)

// Binding is everything one cycle needs to know about a table. It
// deliberately does not depend on internal/config, so config can
// adapt its own TableBinding into this shape without a cycle.
type Binding struct {
	LogName          string // for logging only, e.g. "team/table"
	WorkspaceToken   string
	SinkTableID      string
	FilterExpression string
	ExcludedFields   map[string]bool
	Schema           fields.Schema
}

// Result is one cycle's outcome.
type Result struct {
	ColdStartRows int
	Created       []batch.KeyedRow
	Updated       []batch.KeyedRow
	Failed        []batch.FailedRow
	// ColdStartForced reports that a stale sink reference was detected
	// this cycle and the table's processing log was cleared to force
	// cold-start on the next cycle (spec §7, S6).
	ColdStartForced bool
}

// Manager executes cycles against a fixed set of collaborators.
type Manager struct {
	Source    SourceClient
	Sink      SinkClient
	Log       ProcessingLog
	Projector *fields.Projector
	Metrics   *telemetry.Metrics
}

// teamTable splits a Binding.LogName ("team/table") into its two
// metric label values.
func teamTable(logName string) (team, table string) {
	team, table, _ = strings.Cut(logName, "/")
	return team, table
}

// RunCycle executes one cycle for binding per spec §4.8.
func (m *Manager) RunCycle(ctx context.Context, binding Binding, refresh FullRefreshMode) (Result, error) {
	appToken, err := m.Sink.Resolve(ctx, binding.WorkspaceToken)
	if err != nil {
		return Result{}, err
	}

	liveColumns, err := m.Sink.ListColumns(ctx, appToken, binding.SinkTableID)
	if err != nil {
		return Result{}, err
	}
	columnTypes := make(map[string]string, len(liveColumns))
	tableColumns := make(map[string]bool, len(liveColumns))
	for _, c := range liveColumns {
		columnTypes[c.Name] = c.Type
		tableColumns[c.Name] = true
	}

	identityField, err := fields.ResolveIdentityColumn(binding.Schema, columnTypes)
	if err != nil {
		return Result{}, errs.Configuration(err, "binding "+binding.LogName)
	}

	var result Result

	initialized, err := m.Log.IsInitialized(ctx)
	if err != nil {
		return Result{}, err
	}
	if !initialized {
		n, err := m.coldStart(ctx, appToken, binding, identityField)
		if err != nil {
			return Result{}, err
		}
		result.ColdStartRows = n
	}

	var issues []jira.Issue
	switch refresh {
	case FullRefreshBySinkScan:
		keys, err := m.scanSinkKeys(ctx, appToken, binding, identityField)
		if err != nil {
			return Result{}, err
		}
		issues, err = m.Source.SearchByKeys(ctx, keys, nil)
		if err != nil {
			return Result{}, err
		}
	default:
		issues, err = m.Source.Search(ctx, binding.FilterExpression, nil)
		if err != nil {
			return Result{}, err
		}
	}

	candidates := make([]synclog.Candidate, len(issues))
	issueByKey := make(map[string]jira.Issue, len(issues))
	for i, iss := range issues {
		candidates[i] = synclog.Candidate{IssueKey: iss.Key, SourceUpdatedMs: iss.UpdatedUnixMilli()}
		issueByKey[iss.Key] = iss
	}

	team, table := teamTable(binding.LogName)
	if m.Metrics != nil {
		m.Metrics.IssuesSeen.WithLabelValues(team, table).Add(float64(len(issues)))
	}

	var staleKeys []synclog.Candidate
	if refresh == FullRefreshNone {
		staleKeys, err = m.Log.FilterStale(ctx, candidates)
		if err != nil {
			return Result{}, err
		}
	} else {
		staleKeys = candidates
	}
	if m.Metrics != nil {
		m.Metrics.IssuesStale.WithLabelValues(team, table).Add(float64(len(staleKeys)))
	}

	rows := make([]batch.Row, 0, len(staleKeys))
	for _, c := range staleKeys {
		issue := issueByKey[c.IssueKey]
		projected, err := m.Projector.Project(ctx, issue, binding.Schema, tableColumns, binding.ExcludedFields, identityField)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"binding": binding.LogName, "issue_key": issue.Key}).
				Warn("dropping issue: identity field failed to project")
			result.Failed = append(result.Failed, batch.FailedRow{IssueKey: issue.Key, Reason: err.Error()})
			continue
		}
		rows = append(rows, batch.Row{IssueKey: issue.Key, Fields: projected})
	}

	if len(rows) > 0 {
		sink := boundSink{sink: m.Sink, appToken: appToken, tableID: binding.SinkTableID}
		batchResult, err := batch.Execute(ctx, m.Log, sink, rows)
		if err != nil {
			return Result{}, err
		}
		result.Created = append(result.Created, batchResult.Created...)
		result.Updated = append(result.Updated, batchResult.Updated...)
		result.Failed = append(result.Failed, batchResult.Failed...)
		if m.Metrics != nil {
			m.Metrics.RowsCreated.WithLabelValues(team, table).Add(float64(len(batchResult.Created)))
			m.Metrics.RowsUpdated.WithLabelValues(team, table).Add(float64(len(batchResult.Updated)))
			m.Metrics.RowsFailed.WithLabelValues(team, table).Add(float64(len(batchResult.Failed)))
			m.Metrics.BatchCreateReq.WithLabelValues(team, table).Add(float64(batchResult.BatchCreateCalls))
		}

		entries := make([]synclog.Entry, 0, len(batchResult.Created)+len(batchResult.Updated))
		for _, c := range batchResult.Created {
			entries = append(entries, synclog.Entry{
				IssueKey: c.IssueKey, SinkRowID: c.SinkRowID,
				LastSourceUpdated: issueByKey[c.IssueKey].UpdatedUnixMilli(), Outcome: synclog.OutcomeCreated,
			})
		}
		for _, u := range batchResult.Updated {
			entries = append(entries, synclog.Entry{
				IssueKey: u.IssueKey, SinkRowID: u.SinkRowID,
				LastSourceUpdated: issueByKey[u.IssueKey].UpdatedUnixMilli(), Outcome: synclog.OutcomeUpdated,
			})
		}
		if err := m.Log.Record(ctx, entries); err != nil {
			return result, err
		}

		if batchResult.ColdStartRequested {
			log.WithField("binding", binding.LogName).
				Warn("stale sink reference detected, clearing processing log to force cold-start next cycle")
			if err := m.Log.Clear(ctx); err != nil {
				return result, err
			}
			result.ColdStartForced = true
		}
	}

	return result, nil
}

// RunIssue re-fetches and upserts a single key against binding,
// bypassing the stale filter (the operator asked for this exact issue
// right now) but still going through classify/project/apply so the
// processing log stays consistent for the next ordinary cycle (spec
// §4.9's "one-issue" mode).
func (m *Manager) RunIssue(ctx context.Context, binding Binding, issueKey string) (Result, error) {
	appToken, err := m.Sink.Resolve(ctx, binding.WorkspaceToken)
	if err != nil {
		return Result{}, err
	}

	liveColumns, err := m.Sink.ListColumns(ctx, appToken, binding.SinkTableID)
	if err != nil {
		return Result{}, err
	}
	columnTypes := make(map[string]string, len(liveColumns))
	tableColumns := make(map[string]bool, len(liveColumns))
	for _, c := range liveColumns {
		columnTypes[c.Name] = c.Type
		tableColumns[c.Name] = true
	}

	identityField, err := fields.ResolveIdentityColumn(binding.Schema, columnTypes)
	if err != nil {
		return Result{}, errs.Configuration(err, "binding "+binding.LogName)
	}

	issues, err := m.Source.SearchByKeys(ctx, []string{issueKey}, nil)
	if err != nil {
		return Result{}, err
	}
	if len(issues) == 0 {
		return Result{}, errs.Precondition(errors.New("no such issue upstream"), "issue "+issueKey)
	}
	issue := issues[0]

	var result Result
	projected, err := m.Projector.Project(ctx, issue, binding.Schema, tableColumns, binding.ExcludedFields, identityField)
	if err != nil {
		result.Failed = append(result.Failed, batch.FailedRow{IssueKey: issue.Key, Reason: err.Error()})
		return result, nil
	}

	sink := boundSink{sink: m.Sink, appToken: appToken, tableID: binding.SinkTableID}
	row := []batch.Row{{IssueKey: issue.Key, Fields: projected}}
	batchResult, err := batch.Execute(ctx, m.Log, sink, row)
	if err != nil {
		return Result{}, err
	}
	result.Created = batchResult.Created
	result.Updated = batchResult.Updated
	result.Failed = append(result.Failed, batchResult.Failed...)

	entries := make([]synclog.Entry, 0, len(batchResult.Created)+len(batchResult.Updated))
	for _, c := range batchResult.Created {
		entries = append(entries, synclog.Entry{IssueKey: c.IssueKey, SinkRowID: c.SinkRowID, LastSourceUpdated: issue.UpdatedUnixMilli(), Outcome: synclog.OutcomeCreated})
	}
	for _, u := range batchResult.Updated {
		entries = append(entries, synclog.Entry{IssueKey: u.IssueKey, SinkRowID: u.SinkRowID, LastSourceUpdated: issue.UpdatedUnixMilli(), Outcome: synclog.OutcomeUpdated})
	}
	if err := m.Log.Record(ctx, entries); err != nil {
		return result, err
	}
	if batchResult.ColdStartRequested {
		log.WithField("binding", binding.LogName).
			Warn("stale sink reference detected, clearing processing log to force cold-start next cycle")
		if err := m.Log.Clear(ctx); err != nil {
			return result, err
		}
		result.ColdStartForced = true
	}
	return result, nil
}

func (m *Manager) coldStart(ctx context.Context, appToken string, binding Binding, identityField string) (int, error) {
	rows, err := m.Sink.Scan(ctx, appToken, binding.SinkTableID, []string{identityField})
	if err != nil {
		return 0, err
	}
	entries := make([]synclog.Entry, 0, len(rows))
	for _, r := range rows {
		key := issueKeyFromIdentity(r.Fields[identityField])
		if key == "" {
			continue
		}
		entries = append(entries, synclog.Entry{
			IssueKey: key, SinkRowID: r.RowID, LastSourceUpdated: 0, Outcome: synclog.OutcomeColdStartExisting,
		})
	}
	if err := m.Log.Record(ctx, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (m *Manager) scanSinkKeys(ctx context.Context, appToken string, binding Binding, identityField string) ([]string, error) {
	rows, err := m.Sink.Scan(ctx, appToken, binding.SinkTableID, []string{identityField})
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(rows))
	for _, r := range rows {
		if key := issueKeyFromIdentity(r.Fields[identityField]); key != "" {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func issueKeyFromIdentity(raw any) string {
	obj, ok := raw.(map[string]any)
	if !ok {
		return ""
	}
	text, _ := obj["text"].(string)
	return text
}

// boundSink adapts SinkClient to batch.Sink for one (appToken, tableID).
type boundSink struct {
	sink     SinkClient
	appToken string
	tableID  string
}

func (b boundSink) BatchCreate(ctx context.Context, rows []map[string]any) ([]batch.CreateResult, error) {
	results, err := b.sink.BatchCreate(ctx, b.appToken, b.tableID, rows)
	if err != nil {
		return nil, err
	}
	out := make([]batch.CreateResult, len(results))
	for i, r := range results {
		out[i] = batch.CreateResult{RowID: r.RowID, Err: r.Err}
	}
	return out, nil
}

func (b boundSink) Update(ctx context.Context, rowID string, fields map[string]any) error {
	return b.sink.Update(ctx, b.appToken, b.tableID, rowID, fields)
}
