package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/metrics"
	"github.com/dmitrymomot/billingkit/pkg/provider"
)

// HandlerFunc applies a decoded provider event to the billing state.
// Returning an error schedules a retry; validation errors dead-letter the
// event right away.
type HandlerFunc func(ctx context.Context, providerName string, ev provider.Event) error

// Pipeline ingests provider notifications: it verifies the signature,
// stores the event once per provider event id, and applies it through the
// handler with retries and a dead letter state.
type Pipeline struct {
	store     Store
	providers *provider.Registry
	handler   HandlerFunc

	logger      *slog.Logger
	clock       func() time.Time
	backoff     BackoffStrategy
	maxAttempts int
	lockTimeout time.Duration
	inline      bool
	concurrency int
	metrics     *metrics.Collectors
}

// NewPipeline creates a pipeline. It panics on nil dependencies.
func NewPipeline(store Store, providers *provider.Registry, handler HandlerFunc, opts ...Option) *Pipeline {
	if store == nil {
		panic("webhook: store is required")
	}
	if providers == nil {
		panic("webhook: provider registry is required")
	}
	if handler == nil {
		panic("webhook: handler is required")
	}
	p := &Pipeline{
		store:       store,
		providers:   providers,
		handler:     handler,
		logger:      slog.Default(),
		clock:       time.Now,
		backoff:     DefaultBackoffStrategy(),
		maxAttempts: 8,
		lockTimeout: time.Minute,
		inline:      true,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(logger.Component("webhook"))
	return p
}

// Receive verifies and records a notification. A nil error means the event
// is durably stored (or was already) and the provider can be acknowledged.
// Signature and decoding failures are rejected and never stored.
func (p *Pipeline) Receive(ctx context.Context, providerName string, payload []byte, header http.Header) (Receipt, error) {
	prov, err := p.providers.Get(providerName)
	if err != nil {
		p.metrics.WebhookReceived(providerName, metrics.ReceiptRejected)
		return Receipt{}, err
	}
	if len(payload) == 0 {
		p.metrics.WebhookReceived(providerName, metrics.ReceiptRejected)
		return Receipt{}, ErrEmptyPayload
	}

	if err := prov.Webhooks().VerifySignature(payload, header); err != nil {
		p.metrics.WebhookReceived(providerName, metrics.ReceiptRejected)
		p.logger.WarnContext(ctx, "webhook signature rejected", logger.Provider(providerName), logger.Error(err))
		return Receipt{}, billingerr.Wrap(billingerr.KindValidation, ErrInvalidSignature.Code, ErrInvalidSignature.Message, err)
	}
	pev, err := prov.Webhooks().ConstructEvent(payload)
	if err != nil {
		p.metrics.WebhookReceived(providerName, metrics.ReceiptRejected)
		p.logger.WarnContext(ctx, "webhook payload rejected", logger.Provider(providerName), logger.Error(err))
		return Receipt{}, billingerr.Wrap(billingerr.KindValidation, ErrMalformedPayload.Code, ErrMalformedPayload.Message, err)
	}

	now := p.clock()
	ev := &Event{
		ID:              uuid.NewString(),
		Provider:        providerName,
		ProviderEventID: pev.ID,
		Type:            eventType(pev),
		Livemode:        pev.Livemode,
		Payload:         bytes.Clone(payload),
		PayloadHash:     HashPayload(payload),
		Status:          StatusPending,
		NextAttemptAt:   timePtr(now),
		ReceivedAt:      now,
		Version:         1,
		UpdatedAt:       now,
	}

	if err := p.store.Create(ctx, ev); err != nil {
		if !errors.Is(err, billingerr.ErrDuplicate) {
			return Receipt{}, err
		}
		existing, err := p.store.GetByProviderEventID(ctx, providerName, pev.ID)
		if err != nil {
			return Receipt{}, err
		}
		if existing.PayloadHash != ev.PayloadHash {
			p.logger.WarnContext(ctx, "redelivered webhook differs from the stored payload",
				logger.Provider(providerName), logger.ProviderEventID(pev.ID), logger.WebhookEventID(existing.ID))
		}
		p.metrics.WebhookReceived(providerName, metrics.ReceiptDuplicate)
		p.logger.DebugContext(ctx, "duplicate webhook acknowledged",
			logger.WebhookEventID(existing.ID), logger.Status(string(existing.Status)))
		return Receipt{Event: existing, Duplicate: true}, nil
	}

	p.metrics.WebhookReceived(providerName, metrics.ReceiptAccepted)
	p.logger.InfoContext(ctx, "webhook received",
		logger.WebhookEventID(ev.ID),
		logger.Provider(providerName),
		logger.ProviderEventID(pev.ID),
		logger.EventType(ev.Type),
	)

	if !p.inline {
		return Receipt{Event: ev}, nil
	}
	processed, err := p.process(ctx, ev)
	if err != nil {
		// Stored and due; a worker retries it.
		p.logger.WarnContext(ctx, "inline webhook processing deferred",
			logger.WebhookEventID(ev.ID), logger.Error(err))
		return Receipt{Event: ev}, nil
	}
	return Receipt{Event: processed}, nil
}

func eventType(ev provider.Event) string {
	if ev.RawType != "" {
		return ev.RawType
	}
	return string(ev.Type)
}

// Get returns a stored event.
func (p *Pipeline) Get(ctx context.Context, id string) (*Event, error) {
	return p.store.Get(ctx, id)
}

// Process runs one processing attempt for the event now. Handler failures
// are recorded on the returned event rather than returned as errors.
func (p *Pipeline) Process(ctx context.Context, id string) (*Event, error) {
	ev, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.process(ctx, ev)
}

// ProcessReport counts the outcomes of a ProcessDue run.
type ProcessReport struct {
	Processed    int
	Failed       int
	DeadLettered int
	Skipped      int
}

// ProcessDue processes up to limit events that are due at now.
func (p *Pipeline) ProcessDue(ctx context.Context, now time.Time, limit int) (ProcessReport, error) {
	due, err := p.store.FindDue(ctx, now, limit)
	if err != nil {
		return ProcessReport{}, err
	}

	var (
		mu     sync.Mutex
		report ProcessReport
		errs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, ev := range due {
		g.Go(func() error {
			out, err := p.process(gctx, ev)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, billingerr.ErrConflict):
				report.Skipped++
			case err != nil:
				errs = append(errs, fmt.Errorf("webhook event %s: %w", ev.ID, err))
			case out.Status == StatusProcessed:
				report.Processed++
			case out.Status == StatusDeadLetter:
				report.DeadLettered++
			case out.Status == StatusFailed:
				report.Failed++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, errors.Join(errs...)
}

// DeadLetters lists dead-lettered events, oldest first.
func (p *Pipeline) DeadLetters(ctx context.Context, limit int) ([]*Event, error) {
	return p.store.FindByStatus(ctx, StatusDeadLetter, limit)
}

// Replay moves a dead-lettered event back to pending with a fresh attempt
// budget, and processes it when inline processing is enabled.
func (p *Pipeline) Replay(ctx context.Context, id string) (*Event, error) {
	ev, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.Status != StatusDeadLetter {
		return nil, ErrNotDeadLettered
	}

	now := p.clock()
	read := ev.Version
	ev.Status = StatusPending
	ev.Attempts = 0
	ev.NextAttemptAt = timePtr(now)
	ev.DeadLetteredAt = nil
	ev.LockedUntil = nil
	ev.UpdatedAt = now
	if err := p.store.Update(ctx, ev, read); err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "webhook event replayed", logger.WebhookEventID(ev.ID), logger.Provider(ev.Provider))

	if !p.inline {
		return ev, nil
	}
	return p.process(ctx, ev)
}

// process claims ev with a versioned write, applies it and records the
// outcome. Final events are returned unchanged.
func (p *Pipeline) process(ctx context.Context, ev *Event) (*Event, error) {
	if ev.Status.IsFinal() {
		return ev, nil
	}
	now := p.clock()
	if ev.Locked(now) {
		return ev, ErrEventLocked
	}

	read := ev.Version
	ev.LockedUntil = timePtr(now.Add(p.lockTimeout))
	ev.UpdatedAt = now
	if err := p.store.Update(ctx, ev, read); err != nil {
		return nil, err
	}

	start := time.Now()
	herr := p.apply(ctx, ev)
	elapsed := time.Since(start)

	now = p.clock()
	read = ev.Version
	ev.Attempts++
	ev.LockedUntil = nil
	ev.UpdatedAt = now
	switch {
	case herr == nil:
		ev.Status = StatusProcessed
		ev.ProcessedAt = timePtr(now)
		ev.NextAttemptAt = nil
		ev.LastError = ""
	case permanent(herr) || ev.Attempts >= p.maxAttempts:
		ev.Status = StatusDeadLetter
		ev.DeadLetteredAt = timePtr(now)
		ev.NextAttemptAt = nil
		ev.LastError = herr.Error()
	default:
		ev.Status = StatusFailed
		ev.NextAttemptAt = timePtr(now.Add(p.backoff.NextInterval(ev.Attempts)))
		ev.LastError = herr.Error()
	}
	if err := p.store.Update(ctx, ev, read); err != nil {
		return nil, err
	}

	p.metrics.WebhookProcessed(ev.Provider, string(ev.Status), elapsed)
	attrs := []any{
		logger.WebhookEventID(ev.ID),
		logger.Provider(ev.Provider),
		logger.EventType(ev.Type),
		logger.Attempt(ev.Attempts),
		logger.Duration(elapsed),
	}
	switch ev.Status {
	case StatusProcessed:
		p.logger.InfoContext(ctx, "webhook processed", attrs...)
	case StatusDeadLetter:
		p.metrics.WebhookDeadLettered(ev.Provider)
		p.logger.ErrorContext(ctx, "webhook dead-lettered", append(attrs, logger.Error(herr))...)
	default:
		p.logger.WarnContext(ctx, "webhook processing failed, retry scheduled",
			append(attrs, logger.Error(herr), slog.Time("next_attempt_at", *ev.NextAttemptAt))...)
	}
	return ev, nil
}

// apply decodes the stored payload and runs the handler. It runs detached
// from ctx cancellation, bounded by the lock timeout, so an aborted request
// does not leave a half-applied event.
func (p *Pipeline) apply(ctx context.Context, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	prov, err := p.providers.Get(ev.Provider)
	if err != nil {
		return err
	}
	pev, err := prov.Webhooks().ConstructEvent(ev.Payload)
	if err != nil {
		return errors.Join(provider.ErrMalformedEvent, err)
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.lockTimeout)
	defer cancel()
	return p.handler(hctx, ev.Provider, pev)
}

// permanent reports handler errors that a retry cannot fix.
func permanent(err error) bool {
	if errors.Is(err, provider.ErrMalformedEvent) {
		return true
	}
	return billingerr.KindOf(err) == billingerr.KindValidation
}
