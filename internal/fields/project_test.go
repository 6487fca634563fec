package fields

import (
	"context"
	"testing"

	"github.com/ticket-sink/ticket-sink/internal/errs"
)

type fakeMapper struct {
	results map[string]UserResult
	emails  map[string]string
}

func (f *fakeMapper) Map(ctx context.Context, username, email string) (UserResult, error) {
	if f.emails != nil {
		f.emails[username] = email
	}
	return f.results[username], nil
}

func testIssue() Issue {
	return Issue{
		Key: "TP-1",
		Fields: map[string]any{
			"summary": "Widget broke",
			"updated": "2026-01-01T00:00:00.000+0800",
			"assignee": map[string]any{
				"name":         "jdoe",
				"emailAddress": "jdoe@example.com",
			},
			"components": []any{
				map[string]any{"name": "backend"},
				map[string]any{"name": "frontend"},
			},
			"issuelinks": []any{
				map[string]any{"outwardIssue": map[string]any{"key": "ICR-5"}},
				map[string]any{"inwardIssue": map[string]any{"key": "TP-9"}},
			},
		},
	}
}

func baseSchema() Schema {
	return Schema{
		IdentityCandidates: []string{"Ticket"},
		Entries: []Entry{
			{SourcePath: "summary", SinkField: "Title", Kind: KindSimple},
			{SourcePath: "assignee.name", SinkField: "Assignee", Kind: KindUser},
			{SourcePath: "components", SinkField: "Components", Kind: KindComponents},
			{SourcePath: "issuelinks", SinkField: "Links", Kind: KindLinks,
				LinkPrefixFilter: map[string][]string{"TP": {"ICR"}}},
			{SinkField: "Ticket", Kind: KindTicketHyperlink},
		},
	}
}

func allColumns(schema Schema) map[string]bool {
	cols := make(map[string]bool)
	for _, e := range schema.Entries {
		cols[e.SinkField] = true
	}
	return cols
}

func TestProjectSimpleAndIdentity(t *testing.T) {
	mapper := &fakeMapper{
		results: map[string]UserResult{"jdoe": {State: UserValid, SinkUserID: "u1", DisplayName: "Jane Doe"}},
		emails:  map[string]string{},
	}
	p := &Projector{BaseURL: "https://jira.example.com", Mapper: mapper}
	schema := baseSchema()
	out, err := p.Project(context.Background(), testIssue(), schema, allColumns(schema), nil, "Ticket")
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if out["Title"] != "Widget broke" {
		t.Fatalf("Title = %v", out["Title"])
	}
	link, ok := out["Ticket"].(map[string]string)
	if !ok || link["text"] != "TP-1" || link["link"] != "https://jira.example.com/browse/TP-1" {
		t.Fatalf("Ticket = %v", out["Ticket"])
	}
	user, ok := out["Assignee"].(map[string]any)
	if !ok || user["id"] != "u1" {
		t.Fatalf("Assignee = %v", out["Assignee"])
	}
	if mapper.emails["jdoe"] != "jdoe@example.com" {
		t.Fatalf("expected assignee email to be threaded to the mapper, got %q", mapper.emails["jdoe"])
	}
}

func TestProjectExcludedAndMissingColumnsAreOmitted(t *testing.T) {
	p := &Projector{BaseURL: "https://jira.example.com", Mapper: &fakeMapper{}}
	schema := baseSchema()
	cols := allColumns(schema)
	out, err := p.Project(context.Background(), testIssue(), schema, cols, map[string]bool{"Title": true}, "Ticket")
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if _, ok := out["Title"]; ok {
		t.Fatalf("expected Title to be excluded")
	}
}

func TestProjectLinksFilterByPrefix(t *testing.T) {
	p := &Projector{BaseURL: "https://jira.example.com", Mapper: &fakeMapper{}}
	schema := baseSchema()
	out, err := p.Project(context.Background(), testIssue(), schema, allColumns(schema), nil, "Ticket")
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	links, ok := out["Links"].([]map[string]string)
	if !ok || len(links) != 1 || links[0]["text"] != "ICR-5" {
		t.Fatalf("expected only the ICR-5 link to survive the TP allowlist, got %v", out["Links"])
	}
}

func TestProjectUserPendingOmitsField(t *testing.T) {
	p := &Projector{BaseURL: "https://jira.example.com", Mapper: &fakeMapper{
		results: map[string]UserResult{"jdoe": {State: UserPending}},
	}}
	schema := baseSchema()
	out, err := p.Project(context.Background(), testIssue(), schema, allColumns(schema), nil, "Ticket")
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if _, ok := out["Assignee"]; ok {
		t.Fatalf("expected pending user field to be omitted, got %v", out["Assignee"])
	}
}

func TestResolveIdentityColumnRejectsNonHyperlinkColumn(t *testing.T) {
	schema := Schema{
		IdentityCandidates: []string{"Ticket"},
		Entries: []Entry{
			{SourcePath: "assignee.name", SinkField: "Assignee", Kind: KindUser},
			{SinkField: "Ticket", Kind: KindTicketHyperlink},
		},
	}
	// The only identity candidate exists on the table but is text-typed,
	// so no hyperlink identity column can be resolved.
	_, err := ResolveIdentityColumn(schema, map[string]string{"Ticket": "text"})
	if errs.GetKind(err) != errs.KindConfiguration {
		t.Fatalf("expected configuration error for non-hyperlink identity column, got %v", err)
	}
}
