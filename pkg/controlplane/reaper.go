package controlplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/holon-run/cloudagent/pkg/execution"
	"github.com/holon-run/cloudagent/pkg/log"
)

// Reasons recorded on reaped executions.
const (
	ReasonHeartbeatStale = "heartbeat stale"
	ReasonLeaseExpired   = "queue lease expired"
)

// Reaper fails executions that were abandoned: running ones whose health is
// stale and pending ones whose queue lease expired before any worker claimed
// them.
type Reaper struct {
	store  *SQLiteStore
	now    func() time.Time
	logger *zap.SugaredLogger

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewReaper returns a reaper over store using the store clock.
func NewReaper(store *SQLiteStore) *Reaper {
	return &Reaper{
		store:  store,
		now:    store.now,
		logger: log.Named("reaper"),
	}
}

// Reap runs one pass and returns the ids it failed.
func (r *Reaper) Reap(ctx context.Context) ([]string, error) {
	now := r.now()
	var reaped []string

	running, err := r.store.ListByStatus(ctx, execution.StatusRunning)
	if err != nil {
		return nil, err
	}
	for _, e := range running {
		health, ok := e.Health(now)
		if !ok || health != execution.HealthStale {
			continue
		}
		if r.fail(ctx, e.ID, ReasonHeartbeatStale) {
			reaped = append(reaped, e.ID)
		}
	}

	pending, err := r.store.ListByStatus(ctx, execution.StatusPending)
	if err != nil {
		return reaped, err
	}
	for _, e := range pending {
		if !execution.IsExpired(e.LeaseExpiresAt, now) {
			continue
		}
		if r.fail(ctx, e.ID, ReasonLeaseExpired) {
			reaped = append(reaped, e.ID)
		}
	}

	if len(reaped) > 0 {
		r.logger.Infow("reaped executions", "count", len(reaped))
	}
	return reaped, nil
}

// fail transitions id to failed. A concurrent transition that already moved
// the record on is not an error.
func (r *Reaper) fail(ctx context.Context, id, reason string) bool {
	err := r.store.Transition(ctx, id, execution.StatusFailed, reason)
	switch {
	case err == nil:
		r.logger.Warnw("execution reaped", "execution_id", id, "reason", reason)
		return true
	case errors.Is(err, ErrInvalidTransition):
		r.logger.Debugw("execution moved on before reap", "execution_id", id)
	default:
		r.logger.Errorw("reap failed", "execution_id", id, "error", err)
	}
	return false
}

// Start runs Reap on schedule, a cron expression or descriptor such as
// "@every 30s".
func (r *Reaper) Start(ctx context.Context, schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid reap schedule %q: %w", schedule, err)
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.cron = cron.New()
	r.cron.Schedule(sched, cron.FuncJob(func() {
		r.mu.Lock()
		runCtx := r.ctx
		r.mu.Unlock()
		if runCtx == nil || runCtx.Err() != nil {
			return
		}
		if _, err := r.Reap(runCtx); err != nil {
			r.logger.Errorw("reap pass failed", "error", err)
		}
	}))
	r.cron.Start()
	r.logger.Infow("reaper started", "schedule", schedule)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c := r.cron
	if c == nil {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.cron = nil
	r.ctx = nil
	r.mu.Unlock()

	<-c.Stop().Done()
}
