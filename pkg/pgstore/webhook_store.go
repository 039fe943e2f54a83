package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

// WebhookStore implements webhook.Store.
type WebhookStore struct {
	db *DB
}

var _ webhook.Store = (*WebhookStore)(nil)

const webhookColumns = `id, provider, provider_event_id, type, livemode, payload, payload_hash,
	status, attempts, last_error, next_attempt_at, locked_until,
	received_at, processed_at, dead_lettered_at, version, updated_at`

func scanEvent(row pgx.Row) (*webhook.Event, error) {
	var (
		ev     webhook.Event
		status string
	)
	err := row.Scan(&ev.ID, &ev.Provider, &ev.ProviderEventID, &ev.Type, &ev.Livemode, &ev.Payload, &ev.PayloadHash,
		&status, &ev.Attempts, &ev.LastError, &ev.NextAttemptAt, &ev.LockedUntil,
		&ev.ReceivedAt, &ev.ProcessedAt, &ev.DeadLetteredAt, &ev.Version, &ev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ev.Status = webhook.Status(status)
	inUTC(&ev.ReceivedAt, &ev.UpdatedAt)
	inUTCPtr(&ev.NextAttemptAt, &ev.LockedUntil, &ev.ProcessedAt, &ev.DeadLetteredAt)
	return &ev, nil
}

func eventArgs(ev *webhook.Event) []any {
	return []any{ev.ID, ev.Provider, ev.ProviderEventID, ev.Type, ev.Livemode, ev.Payload, ev.PayloadHash,
		string(ev.Status), ev.Attempts, ev.LastError, ev.NextAttemptAt, ev.LockedUntil,
		ev.ReceivedAt, ev.ProcessedAt, ev.DeadLetteredAt, ev.Version, ev.UpdatedAt}
}

func (s *WebhookStore) Create(ctx context.Context, ev *webhook.Event) error {
	_, err := s.db.q(ctx).Exec(ctx, `INSERT INTO billing_webhook_events (`+webhookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`, eventArgs(ev)...)
	if IsDuplicateKeyError(err) {
		return billingerr.Conflict(billingerr.CodeDuplicate, "webhook event already received")
	}
	if err != nil {
		return fmt.Errorf("pgstore: create webhook event: %w", err)
	}
	return nil
}

func (s *WebhookStore) Get(ctx context.Context, id string) (*webhook.Event, error) {
	return s.getOne(ctx, `SELECT `+webhookColumns+` FROM billing_webhook_events WHERE id = $1`, id)
}

func (s *WebhookStore) GetByProviderEventID(ctx context.Context, provider, providerEventID string) (*webhook.Event, error) {
	return s.getOne(ctx, `SELECT `+webhookColumns+` FROM billing_webhook_events
		WHERE provider = $1 AND provider_event_id = $2`, provider, providerEventID)
}

func (s *WebhookStore) getOne(ctx context.Context, query string, args ...any) (*webhook.Event, error) {
	ev, err := scanEvent(s.db.q(ctx).QueryRow(ctx, query, args...))
	if isNoRows(err) {
		return nil, webhook.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get webhook event: %w", err)
	}
	return ev, nil
}

func (s *WebhookStore) Update(ctx context.Context, ev *webhook.Event, expectedVersion int64) error {
	next := *ev
	next.Version = expectedVersion + 1
	args := append(eventArgs(&next), expectedVersion)

	tag, err := s.db.q(ctx).Exec(ctx, `UPDATE billing_webhook_events SET
		provider = $2, provider_event_id = $3, type = $4, livemode = $5, payload = $6, payload_hash = $7,
		status = $8, attempts = $9, last_error = $10, next_attempt_at = $11, locked_until = $12,
		received_at = $13, processed_at = $14, dead_lettered_at = $15, version = $16, updated_at = $17
		WHERE id = $1 AND version = $18`, args...)
	if err != nil {
		return fmt.Errorf("pgstore: update webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return versionMiss(ctx, s.db.q(ctx), "billing_webhook_events", "webhook event", ev.ID, webhook.ErrEventNotFound)
	}
	ev.Version = next.Version
	return nil
}

func (s *WebhookStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*webhook.Event, error) {
	return s.list(ctx, `SELECT `+webhookColumns+` FROM billing_webhook_events
		WHERE status IN ('pending', 'failed')
			AND (locked_until IS NULL OR locked_until <= $1)
			AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY received_at, id
		LIMIT NULLIF($2::int, 0)`, now, limit)
}

func (s *WebhookStore) FindByStatus(ctx context.Context, status webhook.Status, limit int) ([]*webhook.Event, error) {
	return s.list(ctx, `SELECT `+webhookColumns+` FROM billing_webhook_events
		WHERE status = $1
		ORDER BY received_at, id
		LIMIT NULLIF($2::int, 0)`, string(status), limit)
}

func (s *WebhookStore) list(ctx context.Context, query string, args ...any) ([]*webhook.Event, error) {
	rows, err := s.db.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list webhook events: %w", err)
	}
	defer rows.Close()

	out := make([]*webhook.Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan webhook event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
