// Package coordinator implements the Coordinator/Scheduler contract
// (spec §4.9): driving many per-table cycles concurrently while
// preventing overlapping cycles for any one table.
package coordinator

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ticket-sink/ticket-sink/internal/ident"
	"github.com/ticket-sink/ticket-sink/internal/telemetry"
	"github.com/ticket-sink/ticket-sink/internal/util/notify"
	"github.com/ticket-sink/ticket-sink/internal/util/stopper"
)

// Runner invokes one cycle for one binding; typically a closure over
// a workflow.Manager and the binding's workflow.Binding value.
type Runner func(ctx context.Context, bindingID ident.TableID) error

// BindingSet is the current, effective configuration: which bindings
// are enabled and their intervals. A *notify.Var[BindingSet] is how
// the Coordinator observes config hot-reloads (spec §4.9 "config
// reload").
type BindingSet struct {
	Intervals map[ident.TableID]time.Duration
}

// Coordinator drives the per-binding scheduling loop.
type Coordinator struct {
	Run     Runner
	Metrics *telemetry.Metrics

	mu       sync.Mutex
	nextDue  map[ident.TableID]time.Time
	running  map[ident.TableID]bool
	interval map[ident.TableID]time.Duration
}

// New constructs a Coordinator that invokes run for each due binding.
func New(run Runner, metrics *telemetry.Metrics) *Coordinator {
	return &Coordinator{
		Run:      run,
		Metrics:  metrics,
		nextDue:  make(map[ident.TableID]time.Time),
		running:  make(map[ident.TableID]bool),
		interval: make(map[ident.TableID]time.Duration),
	}
}

// Daemon runs the supervisor loop until the stopper context begins
// draining. bindings is a *notify.Var so configuration changes (added
// or removed bindings, new intervals) take effect at the next tick
// without restarting in-flight cycles (spec §4.9).
func (c *Coordinator) Daemon(ctx *stopper.Context, bindings *notify.Var[BindingSet], tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Stopping():
			return nil
		case <-ticker.C:
			set, _ := bindings.Get()
			c.tick(ctx, set)
		}
	}
}

func (c *Coordinator) tick(ctx *stopper.Context, set BindingSet) {
	now := time.Now()
	c.mu.Lock()
	var due []ident.TableID
	for id, interval := range set.Intervals {
		c.interval[id] = interval
		if c.running[id] {
			// A binding whose previous cycle has not completed is not
			// re-dispatched (spec §4.9).
			continue
		}
		next, known := c.nextDue[id]
		if !known || !next.After(now) {
			due = append(due, id)
			c.running[id] = true
		}
	}
	c.mu.Unlock()

	for _, id := range due {
		id := id
		ctx.Go(func() error {
			c.runOne(ctx, id)
			return nil
		})
	}
}

func (c *Coordinator) runOne(ctx context.Context, id ident.TableID) {
	start := time.Now()
	err := c.Run(ctx, id)
	duration := time.Since(start)

	team, table := splitBindingID(id)
	if c.Metrics != nil {
		c.Metrics.CycleDuration.WithLabelValues(team, table).Observe(duration.Seconds())
		if err != nil {
			c.Metrics.CycleErrors.WithLabelValues(team, table).Inc()
		}
	}
	if err != nil {
		log.WithError(err).WithField("binding", id).Warn("cycle failed")
	}

	c.mu.Lock()
	c.running[id] = false
	c.nextDue[id] = time.Now().Add(c.interval[id])
	c.mu.Unlock()
}

func splitBindingID(id ident.TableID) (team, table string) {
	s := string(id)
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

// OneShot runs a single named binding once, bypassing the scheduler
// entirely (spec §4.9 "one-shot" mode).
func (c *Coordinator) OneShot(ctx context.Context, id ident.TableID) error {
	return c.Run(ctx, id)
}
