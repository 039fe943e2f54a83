package dunning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/metrics"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

// Subscriptions is the part of the subscription service a sweep drives.
// *subscription.Service implements it.
type Subscriptions interface {
	FindScheduledForCancellation(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)
	FindNeedingRenewal(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)
	FindTrialsEnded(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)
	FindNeedingRetry(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)
	FindWithExpiredGracePeriod(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)
	FindTrialsEndingSoon(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)
	FindIncompleteExpired(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)

	FinalizeCancellation(ctx context.Context, id string, at time.Time) (*subscription.Subscription, error)
	Renew(ctx context.Context, id string, at time.Time) (*subscription.Subscription, error)
	ExpireGrace(ctx context.Context, id string, at time.Time) (*subscription.Subscription, error)
	ExpireIncomplete(ctx context.Context, id string, at time.Time) (*subscription.Subscription, error)
	NotifyTrialEnding(ctx context.Context, id string, at time.Time) (bool, error)
}

// Phase names one step of a sweep.
type Phase string

const (
	PhaseScheduledCancellations Phase = "scheduled_cancellation"
	PhaseRenewals               Phase = "renewal"
	PhaseTrialConversions       Phase = "trial_conversion"
	PhaseRetries                Phase = "retry"
	PhaseGraceExpiry            Phase = "grace_expiry"
	PhaseTrialNotices           Phase = "trial_notice"
	PhaseIncompleteExpiry       Phase = "incomplete_expiry"
)

// Phases lists every phase in the order a sweep runs them.
func Phases() []Phase {
	return []Phase{
		PhaseScheduledCancellations,
		PhaseRenewals,
		PhaseTrialConversions,
		PhaseRetries,
		PhaseGraceExpiry,
		PhaseTrialNotices,
		PhaseIncompleteExpiry,
	}
}

// PhaseReport counts what one phase did. Processed includes renewals whose
// charge failed; those are also counted in PaymentFailed.
type PhaseReport struct {
	Phase         Phase
	Found         int
	Processed     int
	PaymentFailed int
	Skipped       int
	Failed        int
	Duration      time.Duration
}

// Report is the result of one sweep.
type Report struct {
	At     time.Time
	Phases []PhaseReport
}

// Phase returns the report for p, zero when the phase did not run.
func (r Report) Phase(p Phase) PhaseReport {
	for _, pr := range r.Phases {
		if pr.Phase == p {
			return pr
		}
	}
	return PhaseReport{Phase: p}
}

// Processed is the total of processed items across phases.
func (r Report) Processed() int {
	n := 0
	for _, pr := range r.Phases {
		n += pr.Processed
	}
	return n
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeSkipped
	outcomePaymentFailed
)

type phase struct {
	name  Phase
	find  func(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)
	apply func(ctx context.Context, id string, at time.Time) (outcome, error)
}

// Sweeper runs the periodic billing work: renewals, payment retries, grace
// expiry, trial conversion and notices, scheduled cancellations and
// incomplete expiry. Sweeps are idempotent and safe to run from several
// instances at once; every item is applied under the subscription's
// optimistic lock and lost races are counted as skipped.
type Sweeper struct {
	subs        Subscriptions
	logger      *slog.Logger
	batchSize   int
	maxBatches  int
	concurrency int
	metrics     *metrics.Collectors
	enabled     map[Phase]bool
	phases      []phase

	running atomic.Bool
}

// NewSweeper creates a sweeper. It panics if subs is nil.
func NewSweeper(subs Subscriptions, opts ...Option) *Sweeper {
	if subs == nil {
		panic("dunning: subscriptions are required")
	}
	s := &Sweeper{
		subs:        subs,
		logger:      slog.Default(),
		batchSize:   100,
		maxBatches:  10,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("dunning"))
	s.phases = s.buildPhases()
	return s
}

func (s *Sweeper) buildPhases() []phase {
	renew := func(ctx context.Context, id string, at time.Time) (outcome, error) {
		sub, err := s.subs.Renew(ctx, id, at)
		if err != nil {
			return outcomeSkipped, err
		}
		if sub.Status == subscription.StatusPastDue {
			return outcomePaymentFailed, nil
		}
		return outcomeDone, nil
	}
	done := func(fn func(context.Context, string, time.Time) (*subscription.Subscription, error)) func(context.Context, string, time.Time) (outcome, error) {
		return func(ctx context.Context, id string, at time.Time) (outcome, error) {
			if _, err := fn(ctx, id, at); err != nil {
				return outcomeSkipped, err
			}
			return outcomeDone, nil
		}
	}

	all := []phase{
		{PhaseScheduledCancellations, s.subs.FindScheduledForCancellation, done(s.subs.FinalizeCancellation)},
		{PhaseRenewals, s.subs.FindNeedingRenewal, renew},
		{PhaseTrialConversions, s.subs.FindTrialsEnded, renew},
		{PhaseRetries, s.subs.FindNeedingRetry, renew},
		{PhaseGraceExpiry, s.subs.FindWithExpiredGracePeriod, done(s.subs.ExpireGrace)},
		{PhaseTrialNotices, s.subs.FindTrialsEndingSoon, func(ctx context.Context, id string, at time.Time) (outcome, error) {
			sent, err := s.subs.NotifyTrialEnding(ctx, id, at)
			if err != nil || !sent {
				return outcomeSkipped, err
			}
			return outcomeDone, nil
		}},
		{PhaseIncompleteExpiry, s.subs.FindIncompleteExpired, done(s.subs.ExpireIncomplete)},
	}
	if len(s.enabled) == 0 {
		return all
	}
	out := all[:0]
	for _, p := range all {
		if s.enabled[p.name] {
			out = append(out, p)
		}
	}
	return out
}

// Sweep runs every enabled phase as of now. Item failures do not stop the
// sweep; they are logged, counted and returned joined.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	report := Report{At: now, Phases: make([]PhaseReport, 0, len(s.phases))}
	var errs []error
	for _, p := range s.phases {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		pr, err := s.runPhase(ctx, p, now)
		report.Phases = append(report.Phases, pr)
		if err != nil {
			errs = append(errs, err)
		}
	}
	s.metrics.SweepCompleted()

	s.logger.InfoContext(ctx, "dunning sweep finished",
		slog.Time("at", now),
		slog.Int("processed", report.Processed()),
		slog.Int("errors", len(errs)),
	)
	return report, errors.Join(errs...)
}

func (s *Sweeper) runPhase(ctx context.Context, p phase, now time.Time) (PhaseReport, error) {
	start := time.Now()
	pr := PhaseReport{Phase: p.name}
	var errs []error

	for range s.maxBatches {
		subs, err := p.find(ctx, now, s.batchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: find: %w", p.name, err))
			break
		}
		pr.Found += len(subs)

		before := pr.Processed
		errs = append(errs, s.runBatch(ctx, p, now, subs, &pr)...)
		// Items that were not processed stay selectable; stop instead of
		// fetching them again.
		if len(subs) < s.batchSize || pr.Processed == before {
			break
		}
	}

	pr.Duration = time.Since(start)
	s.metrics.SweepPhase(string(p.name), pr.Duration)

	attrs := []any{
		slog.String("phase", string(p.name)),
		slog.Int("found", pr.Found),
		slog.Int("processed", pr.Processed),
		slog.Int("skipped", pr.Skipped),
		slog.Int("failed", pr.Failed),
		logger.Duration(pr.Duration),
	}
	if pr.Found > 0 {
		s.logger.InfoContext(ctx, "dunning phase done", attrs...)
	} else {
		s.logger.DebugContext(ctx, "dunning phase done", attrs...)
	}
	return pr, errors.Join(errs...)
}

func (s *Sweeper) runBatch(ctx context.Context, p phase, now time.Time, subs []*subscription.Subscription, pr *PhaseReport) []error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, sub := range subs {
		g.Go(func() error {
			out, err := p.apply(gctx, sub.ID, now)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && out == outcomeSkipped:
				pr.Skipped++
				s.metrics.SweepItem(string(p.name), metrics.ResultSkipped)
				return nil
			case err == nil:
				pr.Processed++
				if out == outcomePaymentFailed {
					pr.PaymentFailed++
				}
				s.metrics.SweepItem(string(p.name), metrics.ResultOK)
				return nil
			case billingerr.KindOf(err) == billingerr.KindConflict:
				// Another worker got there first or the row changed since
				// it was selected.
				pr.Skipped++
				s.metrics.SweepItem(string(p.name), metrics.ResultSkipped)
				s.logger.DebugContext(ctx, "dunning item skipped",
					slog.String("phase", string(p.name)), logger.SubscriptionID(sub.ID), logger.Error(err))
				return nil
			default:
				pr.Failed++
				s.metrics.SweepItem(string(p.name), metrics.ResultError)
				s.logger.ErrorContext(ctx, "dunning item failed",
					slog.String("phase", string(p.name)), logger.SubscriptionID(sub.ID), logger.Error(err))
				errs = append(errs, fmt.Errorf("%s %s: %w", p.name, sub.ID, err))
				return nil
			}
		})
	}
	_ = g.Wait()
	return errs
}
