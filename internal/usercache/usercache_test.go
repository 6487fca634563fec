package usercache

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, cleanup, err := Open(context.Background(), filepath.Join(dir, "usercache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(cleanup)
	return c
}

func TestPutGetRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "jdoe"); err != nil || ok {
		t.Fatalf("expected no entry, got ok=%v err=%v", ok, err)
	}

	if err := c.Put(ctx, Entry{Username: "jdoe", State: StatePending}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e, ok, err := c.Get(ctx, "jdoe")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if e.State != StatePending {
		t.Fatalf("expected pending, got %v", e.State)
	}

	if err := c.Put(ctx, Entry{Username: "jdoe", State: StateValid, SinkUserID: "u1", SinkDisplayName: "Jane Doe"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e, _, _ = c.Get(ctx, "jdoe")
	if e.State != StateValid || e.SinkUserID != "u1" {
		t.Fatalf("expected updated valid entry, got %+v", e)
	}
}

func TestBatchGetAndIncomplete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(c.Put(ctx, Entry{Username: "a", State: StateValid, SinkUserID: "1"}))
	must(c.Put(ctx, Entry{Username: "b", State: StatePending}))
	must(c.Put(ctx, Entry{Username: "c", State: StateEmpty}))

	got, err := c.BatchGet(ctx, []string{"a", "b", "missing"})
	if err != nil {
		t.Fatalf("BatchGet: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}

	incomplete, err := c.Incomplete(ctx)
	if err != nil {
		t.Fatalf("Incomplete: %v", err)
	}
	if len(incomplete) != 1 || incomplete[0].Username != "b" {
		t.Fatalf("expected only pending 'b', got %v", incomplete)
	}
}

func TestPutPreservesEmailAcrossAStateOnlyUpdate(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, Entry{Username: "jdoe", SinkEmail: "jdoe@example.com", State: StatePending}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Put(ctx, Entry{Username: "jdoe", State: StateValid, SinkUserID: "u1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e, _, err := c.Get(ctx, "jdoe")
	if err != nil {
		t.Fatal(err)
	}
	if e.SinkEmail != "jdoe@example.com" {
		t.Fatalf("expected email to survive a Put that didn't carry one, got %q", e.SinkEmail)
	}
}
