package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ticket-sink/ticket-sink/internal/ident"
	"github.com/ticket-sink/ticket-sink/internal/util/notify"
	"github.com/ticket-sink/ticket-sink/internal/util/stopper"
)

func TestDaemonDispatchesDueBindingsAndSkipsOverlap(t *testing.T) {
	var calls int32
	inFlight := make(chan struct{})
	release := make(chan struct{})

	c := New(func(ctx context.Context, id ident.TableID) error {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			close(inFlight)
			<-release
		}
		return nil
	}, nil)

	sctx, cancel := stopper.WithContext(context.Background())
	defer cancel()

	bindings := &notify.Var[BindingSet]{}
	bindings.Set(BindingSet{Intervals: map[ident.TableID]time.Duration{"team.table": time.Millisecond}})

	go c.Daemon(sctx, bindings, time.Millisecond)

	<-inFlight
	time.Sleep(20 * time.Millisecond) // several ticks pass while the first cycle is still running
	n := atomic.LoadInt32(&calls)
	if n != 1 {
		t.Fatalf("expected overlapping cycle to be skipped, got %d calls while one is in flight", n)
	}
	close(release)
	sctx.Stop()
}

func TestOneShotBypassesScheduler(t *testing.T) {
	called := false
	c := New(func(ctx context.Context, id ident.TableID) error {
		called = true
		return nil
	}, nil)
	if err := c.OneShot(context.Background(), "team.table"); err != nil {
		t.Fatalf("OneShot: %v", err)
	}
	if !called {
		t.Fatal("expected runner to be invoked")
	}
}
