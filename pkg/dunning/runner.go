package dunning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dmitrymomot/billingkit/pkg/logger"
)

// DefaultSchedule runs a sweep every five minutes.
const DefaultSchedule = "@every 5m"

// Runner triggers sweeps on a cron schedule. Overlapping runs are skipped
// rather than queued.
type Runner struct {
	sweeper    *Sweeper
	schedule   string
	timeout    time.Duration
	runOnStart bool
	clock      func() time.Time
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger. Default is the sweeper's logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSweepTimeout bounds a single sweep. Default is 4 minutes.
func WithSweepTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRunOnStart sweeps once as soon as Start is called.
func WithRunOnStart(enabled bool) RunnerOption {
	return func(r *Runner) {
		r.runOnStart = enabled
	}
}

// WithRunnerClock sets the time a sweep runs as of. Default is UTC now.
func WithRunnerClock(clock func() time.Time) RunnerOption {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRunner creates a runner. schedule accepts standard five field cron
// expressions and descriptors such as "@every 1m"; empty means
// DefaultSchedule.
func NewRunner(s *Sweeper, schedule string, opts ...RunnerOption) (*Runner, error) {
	if s == nil {
		panic("dunning: sweeper is required")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, errors.Join(ErrInvalidSchedule, err)
	}
	r := &Runner{
		sweeper:  s,
		schedule: schedule,
		timeout:  4 * time.Minute,
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   s.logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RunOnce sweeps as of the runner's clock.
func (r *Runner) RunOnce(ctx context.Context) (Report, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.sweeper.Sweep(ctx, r.clock())
}

// Start runs the schedule until ctx is done, then waits for a running
// sweep to finish. It returns nil on shutdown.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrRunnerStarted
	}
	r.started = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.started = false
		r.mu.Unlock()
	}()

	cl := cronLogger{r.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(r.schedule, func() { r.sweep(ctx) }); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	if r.runOnStart {
		r.sweep(ctx)
	}
	c.Start()
	r.logger.InfoContext(ctx, "dunning runner started", slog.String("schedule", r.schedule))

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("dunning runner stopped")
	return nil
}

func (r *Runner) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := r.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		r.logger.WarnContext(ctx, "dunning sweep skipped, previous sweep still running")
	case err != nil:
		r.logger.ErrorContext(ctx, "dunning sweep finished with errors",
			slog.Int("processed", report.Processed()), logger.Error(err))
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, logger.Error(err))...)
}
