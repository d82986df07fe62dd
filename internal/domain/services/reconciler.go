package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
	"github.com/devilmonastery/bioverify/internal/domain/repositories"
	"github.com/devilmonastery/bioverify/internal/pkg/idgen"
	"github.com/devilmonastery/bioverify/internal/pkg/metrics"
)

const defaultSweepInterval = 5 * time.Minute

// DefaultBackgroundPolicy is the per-identity retry budget within one sweep
var DefaultBackgroundPolicy = RetryPolicy{MaxAttempts: 2, Delay: 5 * time.Second}

// Per-record sweep outcomes
const (
	sweepVerified        = "verified"
	sweepNotFound        = "not_found"
	sweepPending         = "pending"
	sweepInvalidHandle   = "invalid_handle"
	sweepExpired         = "expired"
	sweepSkippedNoHandle = "skipped_no_handle"
	sweepSkippedInFlight = "skipped_in_flight"
	sweepSkippedGone     = "skipped_gone"
	sweepFailed          = "failed"
)

// SweepSummary counts what one sweep did
type SweepSummary struct {
	RunID    string         `yaml:"run_id"`
	Total    int            `yaml:"total"`
	Outcomes map[string]int `yaml:"outcomes"`
	Duration time.Duration  `yaml:"duration"`
}

// ReconcilerConfig tunes the background sweep
type ReconcilerConfig struct {
	Interval   time.Duration
	Policy     RetryPolicy
	StaleAfter time.Duration // 0 disables expiry
}

// ReconcilerOption customises the Reconciler
type ReconcilerOption func(*Reconciler)

// WithCron injects a preconfigured cron instance
func WithCron(c *cron.Cron) ReconcilerOption {
	return func(r *Reconciler) {
		if c != nil {
			r.cron = c
		}
	}
}

// WithNow overrides the clock used for staleness checks
func WithNow(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// Reconciler periodically sweeps every pending verification. Records are
// processed one at a time.
type Reconciler struct {
	svc  *VerificationService
	cfg  ReconcilerConfig
	cron *cron.Cron
	now  func() time.Time
	log  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewReconciler creates a reconciler over the verification service
func NewReconciler(svc *VerificationService, cfg ReconcilerConfig, log *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultBackgroundPolicy
	}

	r := &Reconciler{
		svc: svc,
		cfg: cfg,
		now: time.Now,
		log: log.With(slog.String("component", "reconciler")),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.cron == nil {
		cl := cronLogger{log: r.log}
		r.cron = cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		)
	}
	return r
}

// Start schedules the sweep and starts the cron scheduler. Sweeps run with a
// context derived from ctx that is cancelled by Stop.
func (r *Reconciler) Start(ctx context.Context) error {
	sweepCtx, cancel := context.WithCancel(ctx)

	spec := "@every " + r.cfg.Interval.String()
	if _, err := r.cron.AddFunc(spec, func() {
		if _, err := r.RunOnce(sweepCtx); err != nil {
			r.log.Warn("sweep finished with errors", slog.String("error", err.Error()))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.cron.Start()
	r.log.Info("reconciler started",
		slog.Duration("interval", r.cfg.Interval),
		slog.Int("attempts", r.cfg.Policy.MaxAttempts),
		slog.Duration("delay", r.cfg.Policy.Delay),
		slog.Duration("stale_after", r.cfg.StaleAfter))
	return nil
}

// Stop halts the scheduler, cancels a running sweep and waits for it to return
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	<-r.cron.Stop().Done()
	r.log.Info("reconciler stopped")
}

// RunOnce sweeps every pending verification across all communities. Errors
// and panics for one identity do not stop the sweep; they are aggregated.
func (r *Reconciler) RunOnce(ctx context.Context) (*SweepSummary, error) {
	start := time.Now()
	summary := &SweepSummary{RunID: idgen.GenerateID(), Outcomes: make(map[string]int)}
	log := r.log.With(slog.String("run_id", summary.RunID))

	pending, err := r.svc.store.ListAllPending(ctx)
	if err != nil {
		metrics.Sweeps.WithLabelValues("error").Inc()
		return summary, fmt.Errorf("failed to list pending verifications: %w", err)
	}
	summary.Total = len(pending)
	metrics.PendingVerifications.Set(float64(len(pending)))
	log.Info("sweep started", slog.Int("pending", len(pending)))

	roles := make(map[string]roleLookup)
	var errs error
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}

		outcome, err := r.reconcile(ctx, p, roles)
		summary.Outcomes[outcome]++
		metrics.SweepRecords.WithLabelValues(outcome).Inc()
		if err != nil {
			log.Error("failed to reconcile pending verification",
				slog.String("community_id", p.CommunityID),
				slog.String("member_id", p.MemberID),
				slog.String("error", err.Error()))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", p.Key(), err))
		}
	}

	summary.Duration = time.Since(start)
	metrics.SweepDuration.Observe(float64(summary.Duration.Milliseconds()))
	status := "success"
	if errs != nil {
		status = "partial"
	}
	metrics.Sweeps.WithLabelValues(status).Inc()

	log.Info("sweep finished",
		slog.Int("pending", summary.Total),
		slog.Int("verified", summary.Outcomes[sweepVerified]),
		slog.Int("not_found", summary.Outcomes[sweepNotFound]),
		slog.Int("still_pending", summary.Outcomes[sweepPending]),
		slog.Int("error_count", len(multierr.Errors(errs))),
		slog.Duration("duration", summary.Duration))
	return summary, errs
}

type roleLookup struct {
	roleID string
	err    error
}

// reconcile advances one pending record
func (r *Reconciler) reconcile(ctx context.Context, listed *entities.PendingVerification, roles map[string]roleLookup) (outcome string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome = sweepFailed
			err = fmt.Errorf("panic during reconcile: %v", rec)
		}
	}()

	id := listed.Identity
	release, ok := r.svc.inFlight.TryAcquire(id)
	if !ok {
		metrics.ChecksInProgressRejected.WithLabelValues(pathBackground).Inc()
		return sweepSkippedInFlight, nil
	}
	defer release()

	// the listing may be stale by the time the guard is held
	pending, err := r.svc.store.GetPending(ctx, id)
	if errors.Is(err, repositories.ErrPendingNotFound) {
		return sweepSkippedGone, nil
	}
	if err != nil {
		return sweepFailed, err
	}

	if r.cfg.StaleAfter > 0 && r.now().Sub(pending.CreatedAt) > r.cfg.StaleAfter {
		if err := r.svc.store.DeletePending(ctx, id); err != nil {
			return sweepFailed, err
		}
		r.svc.notify(ctx, id, Notification{Kind: NotifyExpired, Handle: pending.ExternalHandle, Code: pending.CurrentCode})
		r.log.Info("pending verification expired",
			slog.String("community_id", id.CommunityID),
			slog.String("member_id", id.MemberID),
			slog.Time("created_at", pending.CreatedAt))
		return sweepExpired, nil
	}

	if !pending.HasHandle() {
		return sweepSkippedNoHandle, nil
	}

	lookup, cached := roles[id.CommunityID]
	if !cached {
		lookup.roleID, lookup.err = r.svc.trustRole(ctx, id.CommunityID)
		roles[id.CommunityID] = lookup
	}
	if lookup.err != nil {
		return sweepFailed, lookup.err
	}

	result, err := r.svc.checkIdentity(ctx, pending, lookup.roleID, r.cfg.Policy, pathBackground)
	if err != nil {
		return sweepFailed, err
	}

	switch result.Status {
	case CheckVerified:
		return sweepVerified, nil
	case CheckNotFound:
		return sweepNotFound, nil
	case CheckInvalidHandle:
		return sweepInvalidHandle, nil
	default:
		return sweepPending, nil
	}
}

// cronLogger adapts slog to the cron.Logger interface
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append([]interface{}{slog.String("error", err.Error())}, keysAndValues...)...)
}
