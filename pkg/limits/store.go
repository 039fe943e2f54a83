package limits

import (
	"context"
	"time"
)

// Store persists limits. Increment must be a single atomic conditional
// update; implementations must not read and write in separate steps.
type Store interface {
	Get(ctx context.Context, customerID, key string) (Limit, error)
	List(ctx context.Context, customerID string) ([]Limit, error)
	Increment(ctx context.Context, p IncrementParams) (Limit, error)
	// Upsert creates or replaces the ceiling and source of a limit and clears
	// a previous revocation. The counter is kept unless the stored reset is
	// due at l.UpdatedAt, in which case it restarts at zero.
	Upsert(ctx context.Context, l Limit) (Limit, error)
	Revoke(ctx context.Context, customerID, key string, at time.Time) error
	AppendUsage(ctx context.Context, ev UsageEvent) error
}
