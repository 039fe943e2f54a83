package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/limits"
	"github.com/dmitrymomot/billingkit/pkg/period"
)

// LimitStore implements limits.Store. Increment is a single conditional
// UPDATE; concurrent writers never read and write in separate steps.
type LimitStore struct {
	db *DB
}

var _ limits.Store = (*LimitStore)(nil)

const limitColumns = `customer_id, key, max_value, current_value, reset_at, reset_interval, reset_count,
	source, source_id, revoked_at, created_at, updated_at`

func scanLimit(row pgx.Row) (limits.Limit, error) {
	var (
		l                limits.Limit
		interval, source string
	)
	if err := row.Scan(&l.CustomerID, &l.Key, &l.MaxValue, &l.CurrentValue, &l.ResetAt, &interval, &l.ResetCount,
		&source, &l.SourceID, &l.RevokedAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return limits.Limit{}, err
	}
	l.ResetInterval = period.Interval(interval)
	l.Source = limits.Source(source)
	inUTC(&l.CreatedAt, &l.UpdatedAt)
	inUTCPtr(&l.ResetAt, &l.RevokedAt)
	return l, nil
}

func (s *LimitStore) Get(ctx context.Context, customerID, key string) (limits.Limit, error) {
	l, err := scanLimit(s.db.q(ctx).QueryRow(ctx, `SELECT `+limitColumns+` FROM billing_limits
		WHERE customer_id = $1 AND key = $2`, customerID, key))
	if isNoRows(err) {
		return limits.Limit{}, limits.ErrLimitNotFound
	}
	if err != nil {
		return limits.Limit{}, fmt.Errorf("pgstore: get limit: %w", err)
	}
	return l, nil
}

func (s *LimitStore) List(ctx context.Context, customerID string) ([]limits.Limit, error) {
	rows, err := s.db.q(ctx).Query(ctx, `SELECT `+limitColumns+` FROM billing_limits
		WHERE customer_id = $1 ORDER BY key`, customerID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list limits: %w", err)
	}
	defer rows.Close()

	var out []limits.Limit
	for rows.Next() {
		l, err := scanLimit(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan limit: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// incrementSQL zeroes a counter whose reset is due, adds the amount and
// moves the boundary forward, refusing revoked rows, stale boundaries and,
// when enforcing, overflow.
const incrementSQL = `UPDATE billing_limits AS l SET
	current_value = (CASE WHEN l.reset_at IS NOT NULL AND l.reset_at <= $3::timestamptz THEN 0 ELSE l.current_value END) + $4::bigint,
	reset_at = CASE WHEN l.reset_at IS NOT NULL AND l.reset_at <= $3::timestamptz THEN $6::timestamptz ELSE l.reset_at END,
	updated_at = $3::timestamptz
WHERE l.customer_id = $1 AND l.key = $2
	AND l.revoked_at IS NULL
	AND (l.reset_at IS NULL OR l.reset_at > $3::timestamptz OR l.reset_at = $5::timestamptz)
	AND (NOT $7::boolean OR l.max_value = -1
		OR (CASE WHEN l.reset_at IS NOT NULL AND l.reset_at <= $3::timestamptz THEN 0 ELSE l.current_value END) + $4::bigint <= l.max_value)
RETURNING ` + limitColumns

func (s *LimitStore) Increment(ctx context.Context, p limits.IncrementParams) (limits.Limit, error) {
	q := s.db.q(ctx)
	for range 2 {
		l, err := scanLimit(q.QueryRow(ctx, incrementSQL,
			p.CustomerID, p.Key, p.Now, p.Amount, p.ExpectedResetAt, p.NextResetAt, p.Enforce))
		if err == nil {
			return l, nil
		}
		if !isNoRows(err) {
			return limits.Limit{}, fmt.Errorf("pgstore: increment limit: %w", err)
		}

		// Nothing was updated: the row is missing or a condition refused
		// the write. The read below only explains the refusal.
		cur, err := s.Get(ctx, p.CustomerID, p.Key)
		switch {
		case billingerr.KindOf(err) == billingerr.KindNotFound:
			created, ok, err := s.create(ctx, p)
			if err != nil || ok {
				return created, err
			}
			// Lost a concurrent create; the row exists now.
			continue
		case err != nil:
			return limits.Limit{}, err
		case cur.IsRevoked():
			return limits.Limit{}, limits.ErrLimitRevoked
		case cur.ResetDue(p.Now) && !sameTime(cur.ResetAt, p.ExpectedResetAt):
			return limits.Limit{}, limits.ErrStaleReset
		default:
			return limits.Limit{}, limits.ErrLimitExceeded
		}
	}
	return limits.Limit{}, limits.ErrStaleReset
}

// create inserts the default limit with the amount already counted. It
// reports false when another writer created the row first.
func (s *LimitStore) create(ctx context.Context, p limits.IncrementParams) (limits.Limit, bool, error) {
	d := p.Default
	if p.Enforce && !d.IsUnlimited() && p.Amount > d.MaxValue {
		return limits.Limit{}, false, limits.ErrLimitExceeded
	}
	l, err := scanLimit(s.db.q(ctx).QueryRow(ctx, `INSERT INTO billing_limits (`+limitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, $10, $10)
		ON CONFLICT (customer_id, key) DO NOTHING
		RETURNING `+limitColumns,
		p.CustomerID, p.Key, d.MaxValue, p.Amount, d.ResetAt, string(d.ResetInterval), d.ResetCount,
		string(d.Source), d.SourceID, p.Now))
	if isNoRows(err) {
		return limits.Limit{}, false, nil
	}
	if err != nil {
		return limits.Limit{}, false, fmt.Errorf("pgstore: create limit: %w", err)
	}
	return l, true, nil
}

func (s *LimitStore) Upsert(ctx context.Context, in limits.Limit) (limits.Limit, error) {
	l, err := scanLimit(s.db.q(ctx).QueryRow(ctx, `INSERT INTO billing_limits (`+limitColumns+`)
		VALUES ($1, $2, $3, 0, $4, $5, $6, $7, $8, NULL, $9, $9)
		ON CONFLICT (customer_id, key) DO UPDATE SET
			current_value = CASE
				WHEN billing_limits.reset_at IS NOT NULL AND billing_limits.reset_at <= EXCLUDED.updated_at THEN 0
				ELSE billing_limits.current_value
			END,
			max_value = EXCLUDED.max_value,
			reset_at = EXCLUDED.reset_at,
			reset_interval = EXCLUDED.reset_interval,
			reset_count = EXCLUDED.reset_count,
			source = EXCLUDED.source,
			source_id = EXCLUDED.source_id,
			revoked_at = NULL,
			updated_at = EXCLUDED.updated_at
		RETURNING `+limitColumns,
		in.CustomerID, in.Key, in.MaxValue, in.ResetAt, string(in.ResetInterval), in.ResetCount,
		string(in.Source), in.SourceID, in.UpdatedAt))
	if err != nil {
		return limits.Limit{}, fmt.Errorf("pgstore: upsert limit: %w", err)
	}
	return l, nil
}

func (s *LimitStore) Revoke(ctx context.Context, customerID, key string, at time.Time) error {
	tag, err := s.db.q(ctx).Exec(ctx, `UPDATE billing_limits SET
			updated_at = CASE WHEN revoked_at IS NULL THEN $3 ELSE updated_at END,
			revoked_at = COALESCE(revoked_at, $3)
		WHERE customer_id = $1 AND key = $2`, customerID, key, at)
	if err != nil {
		return fmt.Errorf("pgstore: revoke limit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return limits.ErrLimitNotFound
	}
	return nil
}

func (s *LimitStore) AppendUsage(ctx context.Context, ev limits.UsageEvent) error {
	md, err := marshalMap(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.q(ctx).Exec(ctx, `INSERT INTO billing_usage_events (id, customer_id, key, amount, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`, ev.ID, ev.CustomerID, ev.Key, ev.Amount, ev.Timestamp, md)
	if IsDuplicateKeyError(err) {
		return billingerr.Conflict(billingerr.CodeDuplicate, "usage event already recorded")
	}
	if err != nil {
		return fmt.Errorf("pgstore: append usage: %w", err)
	}
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
