package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/billingkit/pkg/limits"
	"github.com/dmitrymomot/billingkit/pkg/period"
)

// Limits are hashes keyed by customer and limit key. Timestamps are unix
// microseconds so Lua compares them exactly; an empty string means unset.
const (
	fMax      = "max"
	fCurrent  = "cur"
	fResetAt  = "reset"
	fInterval = "interval"
	fCount    = "count"
	fSource   = "source"
	fSourceID = "source_id"
	fRevoked  = "revoked"
	fCreated  = "created"
	fUpdated  = "updated"
)

// incrementScript applies limits.IncrementParams atomically.
//
// KEYS: limit hash, customer index set.
// ARGV: now, amount, expected reset, next reset, enforce, then the default
// limit's max, reset, interval, count, source, source id, and the member
// added to the index.
var incrementScript = redis.NewScript(`
local key = KEYS[1]
local now = ARGV[1]
local amount = tonumber(ARGV[2])
local enforce = ARGV[5] == "1"

if redis.call("EXISTS", key) == 0 then
	local max = tonumber(ARGV[6])
	if enforce and max ~= -1 and amount > max then
		return {"exceeded"}
	end
	redis.call("HSET", key, "max", ARGV[6], "cur", ARGV[2], "reset", ARGV[7], "interval", ARGV[8],
		"count", ARGV[9], "source", ARGV[10], "source_id", ARGV[11], "revoked", "",
		"created", now, "updated", now)
	redis.call("SADD", KEYS[2], ARGV[12])
else
	if redis.call("HGET", key, "revoked") ~= "" then
		return {"revoked"}
	end
	local reset = redis.call("HGET", key, "reset")
	local base = tonumber(redis.call("HGET", key, "cur"))
	local due = reset ~= "" and tonumber(reset) <= tonumber(now)
	if due then
		if reset ~= ARGV[3] then
			return {"stale"}
		end
		base = 0
	end
	local max = tonumber(redis.call("HGET", key, "max"))
	local total = base + amount
	if enforce and max ~= -1 and total > max then
		return {"exceeded"}
	end
	redis.call("HSET", key, "cur", string.format("%d", total), "updated", now)
	if due then
		redis.call("HSET", key, "reset", ARGV[4])
	end
end

local out = redis.call("HGETALL", key)
table.insert(out, 1, "ok")
return out
`)

// upsertScript replaces the ceiling and source and clears a revocation. The
// counter is kept unless its reset is due.
//
// KEYS: limit hash, customer index set.
// ARGV: max, reset, interval, count, source, source id, updated, member.
var upsertScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
	redis.call("HSET", key, "cur", "0", "created", ARGV[7])
else
	local reset = redis.call("HGET", key, "reset")
	if reset and reset ~= "" and tonumber(reset) <= tonumber(ARGV[7]) then
		redis.call("HSET", key, "cur", "0")
	end
end
redis.call("HSET", key, "max", ARGV[1], "reset", ARGV[2], "interval", ARGV[3], "count", ARGV[4],
	"source", ARGV[5], "source_id", ARGV[6], "revoked", "", "updated", ARGV[7])
redis.call("SADD", KEYS[2], ARGV[8])
return redis.call("HGETALL", key)
`)

// revokeScript marks a limit revoked once.
//
// KEYS: limit hash. ARGV: at.
var revokeScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
	return 0
end
if redis.call("HGET", key, "revoked") == "" then
	redis.call("HSET", key, "revoked", ARGV[1], "updated", ARGV[1])
end
return 1
`)

// LimitStore implements limits.Store on Redis. Increments run as a Lua
// script, so they are atomic on a single node; usage events are appended
// to a capped stream.
type LimitStore struct {
	client    redis.UniversalClient
	prefix    string
	streamLen int64
}

var _ limits.Store = (*LimitStore)(nil)

// Option configures a LimitStore.
type Option func(*LimitStore)

// WithKeyPrefix namespaces keys. Default is "billing".
func WithKeyPrefix(prefix string) Option {
	return func(s *LimitStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithUsageStreamLen caps the usage stream length. Zero keeps every event.
func WithUsageStreamLen(n int64) Option {
	return func(s *LimitStore) {
		if n >= 0 {
			s.streamLen = n
		}
	}
}

// NewLimitStore creates a store. It panics if client is nil.
func NewLimitStore(client redis.UniversalClient, opts ...Option) *LimitStore {
	if client == nil {
		panic("redisstore: client is required")
	}
	s := &LimitStore{client: client, prefix: "billing", streamLen: 1_000_000}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LimitStore) limitKey(customerID, key string) string {
	return s.prefix + ":{" + customerID + "}:limit:" + key
}

func (s *LimitStore) indexKey(customerID string) string {
	return s.prefix + ":{" + customerID + "}:limits"
}

func (s *LimitStore) usageStream() string {
	return s.prefix + ":usage"
}

func (s *LimitStore) Get(ctx context.Context, customerID, key string) (limits.Limit, error) {
	fields, err := s.client.HGetAll(ctx, s.limitKey(customerID, key)).Result()
	if err != nil {
		return limits.Limit{}, fmt.Errorf("redisstore: get limit: %w", err)
	}
	if len(fields) == 0 {
		return limits.Limit{}, limits.ErrLimitNotFound
	}
	return decodeLimit(customerID, key, fields)
}

func (s *LimitStore) List(ctx context.Context, customerID string) ([]limits.Limit, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey(customerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list limits: %w", err)
	}
	slices.Sort(keys)

	out := make([]limits.Limit, 0, len(keys))
	for _, key := range keys {
		l, err := s.Get(ctx, customerID, key)
		if errors.Is(err, limits.ErrLimitNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *LimitStore) Increment(ctx context.Context, p limits.IncrementParams) (limits.Limit, error) {
	d := p.Default
	enforce := "0"
	if p.Enforce {
		enforce = "1"
	}
	reply, err := incrementScript.Run(ctx, s.client,
		[]string{s.limitKey(p.CustomerID, p.Key), s.indexKey(p.CustomerID)},
		micros(p.Now), p.Amount, microsPtr(p.ExpectedResetAt), microsPtr(p.NextResetAt), enforce,
		d.MaxValue, microsPtr(d.ResetAt), string(d.ResetInterval), d.ResetCount, string(d.Source), d.SourceID,
		p.Key,
	).StringSlice()
	if err != nil {
		return limits.Limit{}, fmt.Errorf("redisstore: increment limit: %w", err)
	}
	if len(reply) == 0 {
		return limits.Limit{}, ErrUnexpectedReply
	}
	switch reply[0] {
	case "ok":
		return decodeLimit(p.CustomerID, p.Key, pairs(reply[1:]))
	case "exceeded":
		return limits.Limit{}, limits.ErrLimitExceeded
	case "revoked":
		return limits.Limit{}, limits.ErrLimitRevoked
	case "stale":
		return limits.Limit{}, limits.ErrStaleReset
	default:
		return limits.Limit{}, fmt.Errorf("%w: %q", ErrUnexpectedReply, reply[0])
	}
}

func (s *LimitStore) Upsert(ctx context.Context, in limits.Limit) (limits.Limit, error) {
	reply, err := upsertScript.Run(ctx, s.client,
		[]string{s.limitKey(in.CustomerID, in.Key), s.indexKey(in.CustomerID)},
		in.MaxValue, microsPtr(in.ResetAt), string(in.ResetInterval), in.ResetCount,
		string(in.Source), in.SourceID, micros(in.UpdatedAt), in.Key,
	).StringSlice()
	if err != nil {
		return limits.Limit{}, fmt.Errorf("redisstore: upsert limit: %w", err)
	}
	return decodeLimit(in.CustomerID, in.Key, pairs(reply))
}

func (s *LimitStore) Revoke(ctx context.Context, customerID, key string, at time.Time) error {
	n, err := revokeScript.Run(ctx, s.client, []string{s.limitKey(customerID, key)}, micros(at)).Int()
	if err != nil {
		return fmt.Errorf("redisstore: revoke limit: %w", err)
	}
	if n == 0 {
		return limits.ErrLimitNotFound
	}
	return nil
}

func (s *LimitStore) AppendUsage(ctx context.Context, ev limits.UsageEvent) error {
	md := []byte("{}")
	if len(ev.Metadata) > 0 {
		var err error
		if md, err = json.Marshal(ev.Metadata); err != nil {
			return fmt.Errorf("redisstore: encode usage metadata: %w", err)
		}
	}
	args := &redis.XAddArgs{
		Stream: s.usageStream(),
		Values: map[string]any{
			"id":          ev.ID,
			"customer_id": ev.CustomerID,
			"key":         ev.Key,
			"amount":      ev.Amount,
			"timestamp":   ev.Timestamp.UTC().Format(time.RFC3339Nano),
			"metadata":    string(md),
		},
	}
	if s.streamLen > 0 {
		args.MaxLen = s.streamLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redisstore: append usage: %w", err)
	}
	return nil
}

func decodeLimit(customerID, key string, f map[string]string) (limits.Limit, error) {
	l := limits.Limit{
		CustomerID:    customerID,
		Key:           key,
		ResetInterval: period.Interval(f[fInterval]),
		Source:        limits.Source(f[fSource]),
		SourceID:      f[fSourceID],
	}
	var err error
	if l.MaxValue, err = parseInt(f[fMax]); err != nil {
		return limits.Limit{}, err
	}
	if l.CurrentValue, err = parseInt(f[fCurrent]); err != nil {
		return limits.Limit{}, err
	}
	count, err := parseInt(f[fCount])
	if err != nil {
		return limits.Limit{}, err
	}
	l.ResetCount = int(count)
	if l.ResetAt, err = parseMicrosPtr(f[fResetAt]); err != nil {
		return limits.Limit{}, err
	}
	if l.RevokedAt, err = parseMicrosPtr(f[fRevoked]); err != nil {
		return limits.Limit{}, err
	}
	if l.CreatedAt, err = parseMicros(f[fCreated]); err != nil {
		return limits.Limit{}, err
	}
	if l.UpdatedAt, err = parseMicros(f[fUpdated]); err != nil {
		return limits.Limit{}, err
	}
	return l, nil
}

// pairs turns a flat HGETALL reply into a map.
func pairs(flat []string) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		m[flat[i]] = flat[i+1]
	}
	return m
}

func micros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func microsPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return micros(*t)
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redisstore: decode limit: %w", err)
	}
	return n, nil
}

func parseMicros(s string) (time.Time, error) {
	n, err := parseInt(s)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(n).UTC(), nil
}

func parseMicrosPtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseMicros(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
