package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/entitlement"
)

// EntitlementStore implements entitlement.Store.
type EntitlementStore struct {
	db *DB
}

var _ entitlement.Store = (*EntitlementStore)(nil)

const grantColumns = `id, customer_id, key, source, source_id, granted_at, expires_at, revoked_at, limit_mode, limit_value`

func scanGrant(row pgx.Row) (entitlement.Grant, error) {
	var (
		g      entitlement.Grant
		source string
		mode   *string
		value  *int64
	)
	if err := row.Scan(&g.ID, &g.CustomerID, &g.Key, &source, &g.SourceID,
		&g.GrantedAt, &g.ExpiresAt, &g.RevokedAt, &mode, &value); err != nil {
		return entitlement.Grant{}, err
	}
	g.Source = entitlement.Source(source)
	inUTC(&g.GrantedAt)
	inUTCPtr(&g.ExpiresAt, &g.RevokedAt)
	if mode != nil && value != nil {
		g.Limit = &entitlement.Numeric{Mode: entitlement.Mode(*mode), Value: *value}
	}
	return g, nil
}

func (s *EntitlementStore) Insert(ctx context.Context, g entitlement.Grant) (entitlement.Grant, error) {
	var (
		mode  *string
		value *int64
	)
	if g.Limit != nil {
		m, v := string(g.Limit.Mode), g.Limit.Value
		mode, value = &m, &v
	}
	_, err := s.db.q(ctx).Exec(ctx, `INSERT INTO billing_entitlement_grants (`+grantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		g.ID, g.CustomerID, g.Key, string(g.Source), g.SourceID, g.GrantedAt, g.ExpiresAt, g.RevokedAt, mode, value)
	if IsDuplicateKeyError(err) {
		return entitlement.Grant{}, billingerr.Conflict(billingerr.CodeDuplicate, "entitlement grant already exists")
	}
	if err != nil {
		return entitlement.Grant{}, fmt.Errorf("pgstore: insert grant: %w", err)
	}
	return g, nil
}

func (s *EntitlementStore) Get(ctx context.Context, id string) (entitlement.Grant, error) {
	g, err := scanGrant(s.db.q(ctx).QueryRow(ctx,
		`SELECT `+grantColumns+` FROM billing_entitlement_grants WHERE id = $1`, id))
	if isNoRows(err) {
		return entitlement.Grant{}, entitlement.ErrGrantNotFound
	}
	if err != nil {
		return entitlement.Grant{}, fmt.Errorf("pgstore: get grant: %w", err)
	}
	return g, nil
}

func (s *EntitlementStore) List(ctx context.Context, customerID string) ([]entitlement.Grant, error) {
	rows, err := s.db.q(ctx).Query(ctx, `SELECT `+grantColumns+` FROM billing_entitlement_grants
		WHERE customer_id = $1 ORDER BY granted_at, id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list grants: %w", err)
	}
	defer rows.Close()

	var out []entitlement.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan grant: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *EntitlementStore) Revoke(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.q(ctx).Exec(ctx, `UPDATE billing_entitlement_grants
		SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("pgstore: revoke grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrGrantNotFound
	}
	return nil
}
