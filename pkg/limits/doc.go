// Package limits tracks per-customer usage counters against ceilings.
//
// A Tracker is backed by a Store whose Increment is a single atomic
// conditional update, so concurrent callers never lose increments:
//
//	tracker := limits.NewTracker(limits.NewMemoryStore())
//
//	_, _ = tracker.Set(ctx, limits.SetParams{
//	    CustomerID:    "cus_1",
//	    Key:           "api_calls",
//	    MaxValue:      10_000,
//	    ResetInterval: period.Month,
//	})
//
//	st, err := tracker.Consume(ctx, "cus_1", "api_calls", 1)
//	if errors.Is(err, limits.ErrLimitExceeded) {
//	    // reject the request
//	}
//
// Limits with a passed ResetAt read as zero and are physically reset by the
// next write. Revoked limits are kept as tombstones; usage never recreates
// them, only an explicit Set does.
//
// Storage backends: MemoryStore here, PostgreSQL in pkg/pgstore and Redis in
// pkg/redisstore.
package limits
