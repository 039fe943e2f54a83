// Package redisstore keeps usage limits in Redis.
//
// Each limit is a hash; increments, upserts and revocations run as Lua
// scripts so every write is atomic on the server. Usage events are appended
// to a capped stream for downstream aggregation.
//
//	client, err := redisstore.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	tracker := limits.NewTracker(redisstore.NewLimitStore(client,
//		redisstore.WithKeyPrefix(cfg.KeyPrefix),
//		redisstore.WithUsageStreamLen(cfg.UsageStreamLen),
//	))
//
// Keys carry the customer id as a hash tag, so a script's limit hash and
// the customer's index set land in the same cluster slot.
package redisstore
