package usermap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ticket-sink/ticket-sink/internal/fields"
	"github.com/ticket-sink/ticket-sink/internal/usercache"
)

func newTestCache(t *testing.T) *usercache.Cache {
	t.Helper()
	c, cleanup, err := usercache.Open(context.Background(), filepath.Join(t.TempDir(), "uc.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(cleanup)
	return c
}

func TestMapMissPersistsPending(t *testing.T) {
	cache := newTestCache(t)
	m := &Mapper{Cache: cache}

	res, err := m.Map(context.Background(), "new-user", "new-user@example.com")
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if res.State != fields.UserPending {
		t.Fatalf("expected pending, got %v", res.State)
	}

	entry, ok, err := cache.Get(context.Background(), "new-user")
	if err != nil || !ok {
		t.Fatalf("expected persisted pending entry: ok=%v err=%v", ok, err)
	}
	if entry.State != usercache.StatePending {
		t.Fatalf("expected persisted state pending, got %v", entry.State)
	}
	if entry.SinkEmail != "new-user@example.com" {
		t.Fatalf("expected email captured on the pending entry, got %q", entry.SinkEmail)
	}
}

type fakeDirectory struct {
	matches map[string]string
}

func (f *fakeDirectory) LookupUser(ctx context.Context, email string) (bool, string, string, error) {
	id, ok := f.matches[email]
	if !ok {
		return false, "", "", nil
	}
	return true, id, email, nil
}

func TestResolverDrainsPending(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	if err := cache.Put(ctx, usercache.Entry{Username: "jdoe", SinkEmail: "jdoe@example.com", State: usercache.StatePending}); err != nil {
		t.Fatal(err)
	}
	if err := cache.Put(ctx, usercache.Entry{Username: "ghost", SinkEmail: "ghost@example.com", State: usercache.StatePending}); err != nil {
		t.Fatal(err)
	}

	r := &Resolver{Cache: cache, Directory: &fakeDirectory{matches: map[string]string{"jdoe@example.com": "u1"}}}
	resolved, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if resolved != 2 {
		t.Fatalf("expected 2 resolved, got %d", resolved)
	}

	jdoe, _, _ := cache.Get(ctx, "jdoe")
	if jdoe.State != usercache.StateValid || jdoe.SinkUserID != "u1" {
		t.Fatalf("expected jdoe resolved to valid, got %+v", jdoe)
	}
	ghost, _, _ := cache.Get(ctx, "ghost")
	if ghost.State != usercache.StateEmpty {
		t.Fatalf("expected ghost resolved to empty, got %+v", ghost)
	}

	incomplete, err := cache.Incomplete(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(incomplete) != 0 {
		t.Fatalf("expected nothing left incomplete, got %v", incomplete)
	}
}

func TestResolverLeavesEmaillessEntryPending(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	if err := cache.Put(ctx, usercache.Entry{Username: "noemail", State: usercache.StatePending}); err != nil {
		t.Fatal(err)
	}

	r := &Resolver{Cache: cache, Directory: &fakeDirectory{matches: map[string]string{}}}
	resolved, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if resolved != 0 {
		t.Fatalf("expected 0 resolved without an email to look up, got %d", resolved)
	}
	entry, _, _ := cache.Get(ctx, "noemail")
	if entry.State != usercache.StatePending {
		t.Fatalf("expected entry to remain pending, got %+v", entry)
	}
}
