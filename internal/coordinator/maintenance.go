package coordinator

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/robfig/cron/v3"
)

// MaintenanceTask is the operator-supplied duplicate-scan/cleanup
// routine (spec §4.9's "daily maintenance window"). It should respect
// ctx cancellation; Maintenance enforces the hard ceiling regardless.
type MaintenanceTask func(ctx context.Context) error

// Maintenance runs a MaintenanceTask on a fixed daily schedule,
// ceiling-bounded, and advertises whether a run is currently
// in-progress. Unlike the per-binding scheduler this is a single fixed
// cron expression, not a per-table interval, so it is driven by
// robfig/cron/v3 rather than Coordinator's own ticker.
type Maintenance struct {
	Task    MaintenanceTask
	Ceiling time.Duration

	cron *cron.Cron

	mu        sync.Mutex
	running   bool
	lastStart time.Time
	lastErr   error
}

// NewMaintenance builds a Maintenance that runs task on schedule (a
// standard 5-field cron expression) with the given hard ceiling.
func NewMaintenance(schedule string, ceiling time.Duration, task MaintenanceTask) (*Maintenance, error) {
	m := &Maintenance{Task: task, Ceiling: ceiling, cron: cron.New()}
	if _, err := m.cron.AddFunc(schedule, m.runOnce); err != nil {
		return nil, err
	}
	return m, nil
}

// Start begins the cron scheduler. Stop (or cancelling the process)
// is the caller's responsibility via the returned *cron.Cron's own
// Stop, exposed through Maintenance.Stop.
func (m *Maintenance) Start() { m.cron.Start() }

// Stop halts the scheduler; it does not interrupt a run already
// in-progress, which is bounded by Ceiling regardless.
func (m *Maintenance) Stop() { m.cron.Stop() }

func (m *Maintenance) runOnce() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		log.Warn("maintenance window skipped: previous run still in progress")
		return
	}
	m.running = true
	m.lastStart = time.Now()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.Ceiling)
	defer cancel()

	err := m.Task(ctx)
	if err == context.DeadlineExceeded {
		log.WithField("ceiling", m.Ceiling).Warn("maintenance window hit its ceiling and was terminated")
	} else if err != nil {
		log.WithError(err).Warn("maintenance task failed")
	}

	m.mu.Lock()
	m.running = false
	m.lastErr = err
	m.mu.Unlock()
}

// Status reports whether a maintenance run is currently in progress,
// when the latest run started, and the error it last finished with.
func (m *Maintenance) Status() (inProgress bool, lastStart time.Time, lastErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running, m.lastStart, m.lastErr
}
