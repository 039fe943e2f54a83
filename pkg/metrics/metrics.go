package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
)

// Webhook receipt results.
const (
	ReceiptAccepted  = "accepted"
	ReceiptDuplicate = "duplicate"
	ReceiptRejected  = "rejected"
)

// Sweep item results.
const (
	ResultOK      = "ok"
	ResultSkipped = "skipped"
	ResultError   = "error"
)

// Collectors holds the billing collectors. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	webhookReceipts    *prometheus.CounterVec
	webhookOutcomes    *prometheus.CounterVec
	webhookDuration    *prometheus.HistogramVec
	webhookDeadLetters *prometheus.CounterVec
	sweepItems         *prometheus.CounterVec
	sweepDuration      *prometheus.HistogramVec
	sweepRuns          prometheus.Counter
}

// Option configures Collectors.
type Option func(*options)

type options struct {
	namespace   string
	constLabels prometheus.Labels
}

// WithNamespace prefixes every metric name. Default is "billing".
func WithNamespace(ns string) Option {
	return func(o *options) {
		if ns != "" {
			o.namespace = ns
		}
	}
}

// WithConstLabels attaches labels such as service or env to every metric.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(o *options) {
		o.constLabels = labels
	}
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, opts ...Option) (*Collectors, error) {
	o := &options{namespace: "billing"}
	for _, opt := range opts {
		opt(o)
	}

	c := &Collectors{
		webhookReceipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   o.namespace,
			Subsystem:   "webhook",
			Name:        "receipts_total",
			Help:        "Inbound provider notifications by receipt result.",
			ConstLabels: o.constLabels,
		}, []string{"provider", "result"}),
		webhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   o.namespace,
			Subsystem:   "webhook",
			Name:        "processing_total",
			Help:        "Webhook processing attempts by resulting status.",
			ConstLabels: o.constLabels,
		}, []string{"provider", "status"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   o.namespace,
			Subsystem:   "webhook",
			Name:        "processing_duration_seconds",
			Help:        "Time spent applying a webhook event.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: o.constLabels,
		}, []string{"provider"}),
		webhookDeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   o.namespace,
			Subsystem:   "webhook",
			Name:        "dead_letters_total",
			Help:        "Webhook events moved to the dead letter state.",
			ConstLabels: o.constLabels,
		}, []string{"provider"}),
		sweepItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   o.namespace,
			Subsystem:   "dunning",
			Name:        "items_total",
			Help:        "Subscriptions handled by the dunning sweep by phase and result.",
			ConstLabels: o.constLabels,
		}, []string{"phase", "result"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   o.namespace,
			Subsystem:   "dunning",
			Name:        "phase_duration_seconds",
			Help:        "Dunning sweep phase latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			ConstLabels: o.constLabels,
		}, []string{"phase"}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   o.namespace,
			Subsystem:   "dunning",
			Name:        "sweeps_total",
			Help:        "Completed dunning sweeps.",
			ConstLabels: o.constLabels,
		}),
	}

	if reg == nil {
		return c, nil
	}
	var errs []error
	for _, col := range []prometheus.Collector{
		c.webhookReceipts, c.webhookOutcomes, c.webhookDuration, c.webhookDeadLetters,
		c.sweepItems, c.sweepDuration, c.sweepRuns,
	} {
		if err := reg.Register(col); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(append([]error{ErrRegister}, errs...)...)
	}
	return c, nil
}

// MustNew is New that panics on registration errors.
func MustNew(reg prometheus.Registerer, opts ...Option) *Collectors {
	c, err := New(reg, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WebhookReceived counts an inbound notification.
func (c *Collectors) WebhookReceived(provider, result string) {
	if c == nil {
		return
	}
	c.webhookReceipts.WithLabelValues(provider, result).Inc()
}

// WebhookProcessed records one processing attempt and its resulting status.
func (c *Collectors) WebhookProcessed(provider, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.webhookOutcomes.WithLabelValues(provider, status).Inc()
	c.webhookDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// WebhookDeadLettered counts an event giving up on retries.
func (c *Collectors) WebhookDeadLettered(provider string) {
	if c == nil {
		return
	}
	c.webhookDeadLetters.WithLabelValues(provider).Inc()
}

// SweepItem counts one subscription handled by a sweep phase.
func (c *Collectors) SweepItem(phase, result string) {
	if c == nil {
		return
	}
	c.sweepItems.WithLabelValues(phase, result).Inc()
}

// SweepPhase records the duration of a sweep phase.
func (c *Collectors) SweepPhase(phase string, d time.Duration) {
	if c == nil {
		return
	}
	c.sweepDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// SweepCompleted counts a finished sweep.
func (c *Collectors) SweepCompleted() {
	if c == nil {
		return
	}
	c.sweepRuns.Inc()
}

// Result maps a sweep item error to a result label. Conflicts mean another
// worker got there first or the item is no longer due.
func Result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, billingerr.ErrConflict):
		return ResultSkipped
	default:
		return ResultError
	}
}
