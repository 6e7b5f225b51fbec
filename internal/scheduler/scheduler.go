// Package scheduler runs the periodic renewal and expiry sweeps. One
// instance per deployment does the work; the per-run marker row lets
// multiple replicas race safely and lets a crashed run restart without
// double-issuing renewals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"signgate/internal/document/models"
	"signgate/internal/scheduler/metrics"
)

// defaultIssueConcurrency bounds parallel provider calls per sweep.
const defaultIssueConcurrency = 4

// Lifecycle is the slice of the document service the scheduler drives.
type Lifecycle interface {
	MarkExpired(ctx context.Context) (int, error)
	ListRenewable(ctx context.Context, window time.Duration) ([]*models.DocumentArtifact, error)
	IssueRenewal(ctx context.Context, predecessor *models.DocumentArtifact) (*models.DocumentArtifact, error)
}

// SweepClaimer persists run markers. Satisfied by the artifact store.
type SweepClaimer interface {
	ClaimSweep(ctx context.Context, key string) (bool, error)
}

// Scheduler periodically issues renewals and demotes overdue artifacts.
type Scheduler struct {
	lifecycle     Lifecycle
	claimer       SweepClaimer
	logger        *slog.Logger
	metrics       *metrics.Metrics
	interval      time.Duration
	renewalWindow time.Duration
	concurrency   int
	now           func() time.Time
}

// Option configures optional Scheduler dependencies.
type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClock overrides the scheduler clock. Test hook.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler sweeping every interval and renewing artifacts
// that expire within renewalWindow.
func New(lifecycle Lifecycle, claimer SweepClaimer, interval, renewalWindow time.Duration, opts ...Option) (*Scheduler, error) {
	if lifecycle == nil {
		return nil, errors.New("scheduler: lifecycle is required")
	}
	if claimer == nil {
		return nil, errors.New("scheduler: claimer is required")
	}
	if interval <= 0 {
		return nil, errors.New("scheduler: interval must be positive")
	}
	s := &Scheduler{
		lifecycle:     lifecycle,
		claimer:       claimer,
		logger:        slog.Default(),
		interval:      interval,
		renewalWindow: renewalWindow,
		concurrency:   defaultIssueConcurrency,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run sweeps once immediately and then on every tick until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.Sweep(ctx); err != nil {
		s.logger.ErrorContext(ctx, "scheduler sweep failed", "error", err.Error())
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "scheduler sweep failed", "error", err.Error())
			}
		}
	}
}

// Sweep claims the current run slot and, if won, performs the expiry and
// renewal passes. Exposed so operators can trigger a sweep out of band.
func (s *Scheduler) Sweep(ctx context.Context) error {
	start := s.now()

	claimed, err := s.claimer.ClaimSweep(ctx, s.runKey(start))
	if err != nil {
		return fmt.Errorf("claim sweep marker: %w", err)
	}
	if !claimed {
		s.metrics.IncrementSkippedRun()
		s.logger.InfoContext(ctx, "sweep already claimed, skipping", "run_key", s.runKey(start))
		return nil
	}
	defer func() {
		s.metrics.ObserveSweepDuration(time.Since(start))
	}()

	expired, err := s.lifecycle.MarkExpired(ctx)
	if err != nil {
		s.metrics.IncrementSweepResult("expiry", "failed")
		return fmt.Errorf("expiry sweep: %w", err)
	}
	for i := 0; i < expired; i++ {
		s.metrics.IncrementSweepResult("expiry", "expired")
	}

	issued, err := s.renewAll(ctx)
	if err != nil {
		return fmt.Errorf("renewal sweep: %w", err)
	}

	s.logger.InfoContext(ctx, "sweep finished",
		"run_key", s.runKey(start),
		"expired", expired,
		"renewals_issued", issued,
	)
	return nil
}

// renewAll issues renewals for everything inside the window, a bounded
// number at a time. One failed issuance does not abort the rest; the
// artifact stays listed and the next sweep retries it.
func (s *Scheduler) renewAll(ctx context.Context) (int, error) {
	due, err := s.lifecycle.ListRenewable(ctx, s.renewalWindow)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	issued := make(chan struct{}, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, predecessor := range due {
		g.Go(func() error {
			if _, err := s.lifecycle.IssueRenewal(gctx, predecessor); err != nil {
				s.metrics.IncrementSweepResult("renewal", "failed")
				s.logger.WarnContext(gctx, "renewal issuance failed",
					"artifact_id", predecessor.ID,
					"document_type", predecessor.DocumentType,
					"error", err.Error(),
				)
				return nil
			}
			s.metrics.IncrementSweepResult("renewal", "issued")
			issued <- struct{}{}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	close(issued)
	return len(issued), nil
}

// runKey buckets time by the sweep interval so a restart inside the same
// slot finds the marker and skips.
func (s *Scheduler) runKey(t time.Time) string {
	return "sweep:" + t.UTC().Truncate(s.interval).Format(time.RFC3339)
}
