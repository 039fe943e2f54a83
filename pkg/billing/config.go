package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dmitrymomot/billingkit/pkg/entitlement"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

// Config holds the tunables of a billing instance. Load it with
// config.Load, which calls Validate.
type Config struct {
	// DunningSchedule is a cron expression or descriptor for sweeps.
	DunningSchedule  string        `env:"BILLING_DUNNING_SCHEDULE" envDefault:"@every 5m"`
	SweepTimeout     time.Duration `env:"BILLING_SWEEP_TIMEOUT" envDefault:"4m"`
	SweepBatchSize   int           `env:"BILLING_SWEEP_BATCH_SIZE" envDefault:"100"`
	SweepConcurrency int           `env:"BILLING_SWEEP_CONCURRENCY" envDefault:"4"`
	SweepOnStart     bool          `env:"BILLING_SWEEP_ON_START" envDefault:"true"`

	RetrySchedule     []time.Duration `env:"BILLING_RETRY_SCHEDULE" envSeparator:"," envDefault:"24h,72h,120h"`
	GracePeriod       time.Duration   `env:"BILLING_GRACE_PERIOD" envDefault:"336h"`
	GraceAction       string          `env:"BILLING_GRACE_ACTION" envDefault:"unpaid"`
	IncompleteExpiry  time.Duration   `env:"BILLING_INCOMPLETE_EXPIRY" envDefault:"23h"`
	TrialNoticeWindow time.Duration   `env:"BILLING_TRIAL_NOTICE_WINDOW" envDefault:"72h"`

	WebhookMaxAttempts     int           `env:"BILLING_WEBHOOK_MAX_ATTEMPTS" envDefault:"8"`
	WebhookBackoffInitial  time.Duration `env:"BILLING_WEBHOOK_BACKOFF_INITIAL" envDefault:"30s"`
	WebhookBackoffMax      time.Duration `env:"BILLING_WEBHOOK_BACKOFF_MAX" envDefault:"1h"`
	WebhookLockTimeout     time.Duration `env:"BILLING_WEBHOOK_LOCK_TIMEOUT" envDefault:"2m"`
	WebhookInline          bool          `env:"BILLING_WEBHOOK_INLINE" envDefault:"true"`
	WebhookPollInterval    time.Duration `env:"BILLING_WEBHOOK_POLL_INTERVAL" envDefault:"10s"`
	WebhookPollBatchSize   int           `env:"BILLING_WEBHOOK_POLL_BATCH_SIZE" envDefault:"50"`
	WebhookProcConcurrency int           `env:"BILLING_WEBHOOK_CONCURRENCY" envDefault:"4"`

	EntitlementPolicy string `env:"BILLING_ENTITLEMENT_POLICY" envDefault:"max"`
}

// DefaultConfig returns the same values as the env defaults.
func DefaultConfig() Config {
	p := subscription.DefaultDunningPolicy()
	return Config{
		DunningSchedule:        "@every 5m",
		SweepTimeout:           4 * time.Minute,
		SweepBatchSize:         100,
		SweepConcurrency:       4,
		SweepOnStart:           true,
		RetrySchedule:          p.RetrySchedule,
		GracePeriod:            p.GracePeriod,
		GraceAction:            string(p.GraceAction),
		IncompleteExpiry:       p.IncompleteExpiry,
		TrialNoticeWindow:      p.TrialNoticeWindow,
		WebhookMaxAttempts:     8,
		WebhookBackoffInitial:  30 * time.Second,
		WebhookBackoffMax:      time.Hour,
		WebhookLockTimeout:     2 * time.Minute,
		WebhookInline:          true,
		WebhookPollInterval:    10 * time.Second,
		WebhookPollBatchSize:   50,
		WebhookProcConcurrency: 4,
		EntitlementPolicy:      string(entitlement.PolicyMax),
	}
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	var errs []error
	if _, err := cron.ParseStandard(c.DunningSchedule); err != nil {
		errs = append(errs, fmt.Errorf("dunning schedule %q: %w", c.DunningSchedule, err))
	}
	if err := c.DunningPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.SweepBatchSize <= 0 || c.SweepConcurrency <= 0 {
		errs = append(errs, errors.New("sweep batch size and concurrency must be positive"))
	}
	if c.WebhookMaxAttempts <= 0 {
		errs = append(errs, errors.New("webhook max attempts must be positive"))
	}
	if c.WebhookBackoffInitial <= 0 || c.WebhookBackoffMax < c.WebhookBackoffInitial {
		errs = append(errs, errors.New("webhook backoff must be positive and max must not be below initial"))
	}
	switch entitlement.ConflictPolicy(c.EntitlementPolicy) {
	case entitlement.PolicyMax, entitlement.PolicyMin, entitlement.PolicyLatest:
	default:
		errs = append(errs, fmt.Errorf("entitlement policy %q: %w", c.EntitlementPolicy, entitlement.ErrInvalidPolicy))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// DunningPolicy returns the subscription retry policy described by c.
func (c Config) DunningPolicy() subscription.DunningPolicy {
	return subscription.DunningPolicy{
		RetrySchedule:     c.RetrySchedule,
		GracePeriod:       c.GracePeriod,
		GraceAction:       subscription.Status(c.GraceAction),
		IncompleteExpiry:  c.IncompleteExpiry,
		TrialNoticeWindow: c.TrialNoticeWindow,
	}
}

func (c Config) webhookBackoff() webhook.BackoffStrategy {
	return webhook.ExponentialBackoff{
		InitialInterval: c.WebhookBackoffInitial,
		MaxInterval:     c.WebhookBackoffMax,
		Multiplier:      2,
		JitterFactor:    0.1,
	}
}
