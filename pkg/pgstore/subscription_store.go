package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

// SubscriptionStore implements subscription.Store and subscription.Transactor.
type SubscriptionStore struct {
	*DB
}

var (
	_ subscription.Store      = (*SubscriptionStore)(nil)
	_ subscription.Transactor = (*SubscriptionStore)(nil)
)

const subscriptionColumns = `id, customer_id, plan_id, quantity, status,
	billing_anchor, current_period_start, current_period_end, trial_start, trial_end,
	cancel_at, canceled_at, cancel_at_period_end, cancel_reason, paused_at,
	retry_count, next_retry_at, grace_ends_at, claimed_until,
	latest_invoice_id, promo_code_id, collection, provider, provider_customer_id,
	provider_subscription_ids, metadata, livemode, version, created_at, updated_at, deleted_at`

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var (
		s               subscription.Subscription
		status, coll    string
		providerIDs, md []byte
	)
	err := row.Scan(
		&s.ID, &s.CustomerID, &s.PlanID, &s.Quantity, &status,
		&s.BillingAnchor, &s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.TrialStart, &s.TrialEnd,
		&s.CancelAt, &s.CanceledAt, &s.CancelAtPeriodEnd, &s.CancelReason, &s.PausedAt,
		&s.RetryCount, &s.NextRetryAt, &s.GraceEndsAt, &s.ClaimedUntil,
		&s.LatestInvoiceID, &s.PromoCodeID, &coll, &s.Provider, &s.ProviderCustomerID,
		&providerIDs, &md, &s.Livemode, &s.Version, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	inUTC(&s.BillingAnchor, &s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CreatedAt, &s.UpdatedAt)
	inUTCPtr(&s.TrialStart, &s.TrialEnd, &s.CancelAt, &s.CanceledAt, &s.PausedAt,
		&s.NextRetryAt, &s.GraceEndsAt, &s.ClaimedUntil, &s.DeletedAt)
	s.Status = subscription.Status(status)
	s.Collection = subscription.Collection(coll)
	if err := unmarshalMap(providerIDs, &s.ProviderSubscriptionIDs); err != nil {
		return nil, err
	}
	if err := unmarshalMap(md, &s.Metadata); err != nil {
		return nil, err
	}
	return &s, nil
}

func subscriptionArgs(s *subscription.Subscription) ([]any, error) {
	providerIDs, err := marshalMap(s.ProviderSubscriptionIDs)
	if err != nil {
		return nil, err
	}
	md, err := marshalMap(s.Metadata)
	if err != nil {
		return nil, err
	}
	return []any{
		s.ID, s.CustomerID, s.PlanID, s.Quantity, string(s.Status),
		s.BillingAnchor, s.CurrentPeriodStart, s.CurrentPeriodEnd, s.TrialStart, s.TrialEnd,
		s.CancelAt, s.CanceledAt, s.CancelAtPeriodEnd, s.CancelReason, s.PausedAt,
		s.RetryCount, s.NextRetryAt, s.GraceEndsAt, s.ClaimedUntil,
		s.LatestInvoiceID, s.PromoCodeID, string(s.Collection), s.Provider, s.ProviderCustomerID,
		providerIDs, md, s.Livemode, s.Version, s.CreatedAt, s.UpdatedAt, s.DeletedAt,
	}, nil
}

func (s *SubscriptionStore) Create(ctx context.Context, sub *subscription.Subscription) error {
	args, err := subscriptionArgs(sub)
	if err != nil {
		return err
	}
	return s.InTx(ctx, func(ctx context.Context) error {
		_, err := s.q(ctx).Exec(ctx, `INSERT INTO billing_subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
				$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31)`, args...)
		if IsDuplicateKeyError(err) {
			return billingerr.Conflict(billingerr.CodeDuplicate, "subscription already exists")
		}
		if err != nil {
			return fmt.Errorf("pgstore: create subscription: %w", err)
		}
		return s.bindProviderIDs(ctx, sub)
	})
}

// bindProviderIDs mirrors the provider id map into the lookup table.
func (s *SubscriptionStore) bindProviderIDs(ctx context.Context, sub *subscription.Subscription) error {
	providers := make([]string, 0, len(sub.ProviderSubscriptionIDs))
	for provider, ext := range sub.ProviderSubscriptionIDs {
		if ext != "" {
			providers = append(providers, provider)
		}
	}
	if _, err := s.q(ctx).Exec(ctx, `DELETE FROM billing_subscription_provider_ids
		WHERE subscription_id = $1 AND NOT (provider = ANY($2))`, sub.ID, providers); err != nil {
		return fmt.Errorf("pgstore: unbind provider ids: %w", err)
	}
	for provider, ext := range sub.ProviderSubscriptionIDs {
		if ext == "" {
			continue
		}
		_, err := s.q(ctx).Exec(ctx, `INSERT INTO billing_subscription_provider_ids (subscription_id, provider, external_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (subscription_id, provider) DO UPDATE SET external_id = EXCLUDED.external_id`,
			sub.ID, provider, ext)
		if IsDuplicateKeyError(err) {
			return billingerr.Conflict(billingerr.CodeDuplicate, "provider subscription already bound")
		}
		if err != nil {
			return fmt.Errorf("pgstore: bind provider id: %w", err)
		}
	}
	return nil
}

func (s *SubscriptionStore) Get(ctx context.Context, id string) (*subscription.Subscription, error) {
	sub, err := scanSubscription(s.q(ctx).QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM billing_subscriptions WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get subscription: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) GetByProviderID(ctx context.Context, provider, externalID string) (*subscription.Subscription, error) {
	if externalID == "" {
		return nil, subscription.ErrSubscriptionNotFound
	}
	sub, err := scanSubscription(s.q(ctx).QueryRow(ctx,
		`SELECT `+prefixColumns("s", subscriptionColumns)+`
		FROM billing_subscriptions s
		JOIN billing_subscription_provider_ids p ON p.subscription_id = s.id
		WHERE p.provider = $1 AND p.external_id = $2`, provider, externalID))
	if isNoRows(err) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get subscription by provider id: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) Update(ctx context.Context, sub *subscription.Subscription, expectedVersion int64) error {
	next := *sub
	next.Version = expectedVersion + 1
	args, err := subscriptionArgs(&next)
	if err != nil {
		return err
	}
	args = append(args, expectedVersion)

	err = s.InTx(ctx, func(ctx context.Context) error {
		tag, err := s.q(ctx).Exec(ctx, `UPDATE billing_subscriptions SET
			customer_id = $2, plan_id = $3, quantity = $4, status = $5,
			billing_anchor = $6, current_period_start = $7, current_period_end = $8, trial_start = $9, trial_end = $10,
			cancel_at = $11, canceled_at = $12, cancel_at_period_end = $13, cancel_reason = $14, paused_at = $15,
			retry_count = $16, next_retry_at = $17, grace_ends_at = $18, claimed_until = $19,
			latest_invoice_id = $20, promo_code_id = $21, collection = $22, provider = $23, provider_customer_id = $24,
			provider_subscription_ids = $25, metadata = $26, livemode = $27, version = $28,
			created_at = $29, updated_at = $30, deleted_at = $31
			WHERE id = $1 AND version = $32`, args...)
		if err != nil {
			return fmt.Errorf("pgstore: update subscription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.updateMiss(ctx, "billing_subscriptions", "subscription", sub.ID, subscription.ErrSubscriptionNotFound)
		}
		return s.bindProviderIDs(ctx, sub)
	})
	if err != nil {
		return err
	}
	sub.Version = next.Version
	return nil
}

// updateMiss tells a missing row from a version mismatch after a
// conditional update touched nothing.
func (s *SubscriptionStore) updateMiss(ctx context.Context, table, entity, id string, notFound error) error {
	return versionMiss(ctx, s.q(ctx), table, entity, id, notFound)
}

func versionMiss(ctx context.Context, q querier, table, entity, id string, notFound error) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("pgstore: check %s: %w", entity, err)
	}
	if !exists {
		return notFound
	}
	return billingerr.OptimisticLock(entity, id)
}

func (s *SubscriptionStore) ListByCustomer(ctx context.Context, customerID string) ([]*subscription.Subscription, error) {
	return s.Find(ctx, subscription.Filter{CustomerID: customerID})
}

func (s *SubscriptionStore) Find(ctx context.Context, f subscription.Filter) ([]*subscription.Subscription, error) {
	where, args := filterSQL(f)
	query := `SELECT ` + subscriptionColumns + ` FROM billing_subscriptions WHERE ` + where +
		` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: find subscriptions: %w", err)
	}
	defer rows.Close()

	out := make([]*subscription.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: find subscriptions: %w", err)
	}
	return out, nil
}

// filterSQL translates f into a WHERE clause with the same semantics as
// subscription.Filter.Match.
func filterSQL(f subscription.Filter) (string, []any) {
	conds := []string{"deleted_at IS NULL"}
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	addTime := func(cond string, t *time.Time) {
		if t != nil {
			add(cond, *t)
		}
	}

	if f.CustomerID != "" {
		add("customer_id = $%d", f.CustomerID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	addTime("current_period_end <= $%d", f.PeriodEndBefore)
	addTime("next_retry_at <= $%d", f.NextRetryBefore)
	addTime("grace_ends_at < $%d", f.GraceEndsBefore)
	addTime("(grace_ends_at IS NULL OR grace_ends_at >= $%d)", f.GraceEndsAfter)
	addTime("trial_end > $%d", f.TrialEndAfter)
	addTime("trial_end <= $%d", f.TrialEndBefore)
	addTime("created_at <= $%d", f.CreatedBefore)
	if f.Collection != "" {
		add("collection = $%d", string(f.Collection))
	}
	if f.CancelAtPeriodEnd != nil {
		add("cancel_at_period_end = $%d", *f.CancelAtPeriodEnd)
	}
	addTime("(claimed_until IS NULL OR claimed_until <= $%d)", f.UnclaimedAt)

	return strings.Join(conds, " AND "), args
}

const invoiceColumns = `id, subscription_id, customer_id, status, reason, currency, lines, total,
	period_start, period_end, attempt_count, payment_id, provider, livemode,
	paid_at, voided_at, version, created_at, updated_at`

func scanInvoice(row pgx.Row) (*subscription.Invoice, error) {
	var (
		inv            subscription.Invoice
		status, reason string
		lines          []byte
	)
	err := row.Scan(&inv.ID, &inv.SubscriptionID, &inv.CustomerID, &status, &reason, &inv.Currency, &lines, &inv.Total,
		&inv.PeriodStart, &inv.PeriodEnd, &inv.AttemptCount, &inv.PaymentID, &inv.Provider, &inv.Livemode,
		&inv.PaidAt, &inv.VoidedAt, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inUTC(&inv.PeriodStart, &inv.PeriodEnd, &inv.CreatedAt, &inv.UpdatedAt)
	inUTCPtr(&inv.PaidAt, &inv.VoidedAt)
	inv.Status = subscription.InvoiceStatus(status)
	inv.Reason = subscription.InvoiceReason(reason)
	if err := json.Unmarshal(lines, &inv.Lines); err != nil {
		return nil, fmt.Errorf("pgstore: decode invoice lines: %w", err)
	}
	return &inv, nil
}

func invoiceArgs(inv *subscription.Invoice) ([]any, error) {
	lines, err := json.Marshal(inv.Lines)
	if err != nil {
		return nil, fmt.Errorf("pgstore: encode invoice lines: %w", err)
	}
	return []any{inv.ID, inv.SubscriptionID, inv.CustomerID, string(inv.Status), string(inv.Reason), inv.Currency, lines, inv.Total,
		inv.PeriodStart, inv.PeriodEnd, inv.AttemptCount, inv.PaymentID, inv.Provider, inv.Livemode,
		inv.PaidAt, inv.VoidedAt, inv.Version, inv.CreatedAt, inv.UpdatedAt}, nil
}

func (s *SubscriptionStore) CreateInvoice(ctx context.Context, inv *subscription.Invoice) error {
	args, err := invoiceArgs(inv)
	if err != nil {
		return err
	}
	_, err = s.q(ctx).Exec(ctx, `INSERT INTO billing_invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`, args...)
	switch {
	case IsDuplicateKeyError(err):
		return billingerr.Conflict(billingerr.CodeDuplicate, "invoice already exists")
	case IsForeignKeyViolationError(err):
		return subscription.ErrSubscriptionNotFound
	case err != nil:
		return fmt.Errorf("pgstore: create invoice: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) UpdateInvoice(ctx context.Context, inv *subscription.Invoice, expectedVersion int64) error {
	next := *inv
	next.Version = expectedVersion + 1
	args, err := invoiceArgs(&next)
	if err != nil {
		return err
	}
	args = append(args, expectedVersion)

	tag, err := s.q(ctx).Exec(ctx, `UPDATE billing_invoices SET
		subscription_id = $2, customer_id = $3, status = $4, reason = $5, currency = $6, lines = $7, total = $8,
		period_start = $9, period_end = $10, attempt_count = $11, payment_id = $12, provider = $13, livemode = $14,
		paid_at = $15, voided_at = $16, version = $17, created_at = $18, updated_at = $19
		WHERE id = $1 AND version = $20`, args...)
	if err != nil {
		return fmt.Errorf("pgstore: update invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.updateMiss(ctx, "billing_invoices", "invoice", inv.ID, subscription.ErrInvoiceNotFound)
	}
	inv.Version = next.Version
	return nil
}

func (s *SubscriptionStore) GetInvoice(ctx context.Context, id string) (*subscription.Invoice, error) {
	inv, err := scanInvoice(s.q(ctx).QueryRow(ctx, `SELECT `+invoiceColumns+` FROM billing_invoices WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, subscription.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get invoice: %w", err)
	}
	return inv, nil
}

func (s *SubscriptionStore) ListInvoices(ctx context.Context, subscriptionID string, statuses ...subscription.InvoiceStatus) ([]*subscription.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM billing_invoices WHERE subscription_id = $1`
	args := []any{subscriptionID}
	if len(statuses) > 0 {
		st := make([]string, len(statuses))
		for i, v := range statuses {
			st[i] = string(v)
		}
		args = append(args, st)
		query += ` AND status = ANY($2)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list invoices: %w", err)
	}
	defer rows.Close()

	out := make([]*subscription.Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *SubscriptionStore) AddInvoiceItem(ctx context.Context, item subscription.InvoiceItem) error {
	line, err := json.Marshal(item.Line)
	if err != nil {
		return fmt.Errorf("pgstore: encode invoice item: %w", err)
	}
	_, err = s.q(ctx).Exec(ctx, `INSERT INTO billing_invoice_items (id, subscription_id, invoice_id, line, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
		item.ID, item.SubscriptionID, item.InvoiceID, line, item.CreatedAt)
	switch {
	case IsDuplicateKeyError(err):
		return billingerr.Conflict(billingerr.CodeDuplicate, "invoice item already exists")
	case err != nil:
		return fmt.Errorf("pgstore: add invoice item: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) PendingInvoiceItems(ctx context.Context, subscriptionID string) ([]subscription.InvoiceItem, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT id, subscription_id, line, created_at
		FROM billing_invoice_items
		WHERE subscription_id = $1 AND invoice_id IS NULL
		ORDER BY created_at, id`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: pending invoice items: %w", err)
	}
	defer rows.Close()

	out := make([]subscription.InvoiceItem, 0)
	for rows.Next() {
		var (
			item subscription.InvoiceItem
			line []byte
		)
		if err := rows.Scan(&item.ID, &item.SubscriptionID, &line, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan invoice item: %w", err)
		}
		item.CreatedAt = item.CreatedAt.UTC()
		if err := json.Unmarshal(line, &item.Line); err != nil {
			return nil, fmt.Errorf("pgstore: decode invoice item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SubscriptionStore) AttachInvoiceItems(ctx context.Context, subscriptionID, invoiceID string) error {
	_, err := s.q(ctx).Exec(ctx, `UPDATE billing_invoice_items SET invoice_id = $2
		WHERE subscription_id = $1 AND invoice_id IS NULL`, subscriptionID, invoiceID)
	if err != nil {
		return fmt.Errorf("pgstore: attach invoice items: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) ClaimNotification(ctx context.Context, subscriptionID, kind, key string, at time.Time) (bool, error) {
	tag, err := s.q(ctx).Exec(ctx, `INSERT INTO billing_notifications (subscription_id, kind, key, sent_at)
		VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`, subscriptionID, kind, key, at)
	if err != nil {
		return false, fmt.Errorf("pgstore: claim notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func marshalMap(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("pgstore: encode map: %w", err)
	}
	return b, nil
}

func unmarshalMap(b []byte, dst *map[string]string) error {
	if len(b) == 0 {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("pgstore: decode map: %w", err)
	}
	if len(m) > 0 {
		*dst = m
	}
	return nil
}

// inUTC normalizes scanned timestamps; pgx returns them in the local zone.
func inUTC(ts ...*time.Time) {
	for _, t := range ts {
		*t = t.UTC()
	}
}

func inUTCPtr(ts ...**time.Time) {
	for _, t := range ts {
		if *t != nil {
			u := (*t).UTC()
			*t = &u
		}
	}
}
