// Package quota enforces per-owner export limits.
//
// Two layers: hard counts from the job store (the hourly and active caps the
// enqueuer checks before inserting a row) and an optional Redis token bucket
// that smooths bursts across replicas. Without Redis the gate degrades to
// store counts only. The worker side never blocks on quota: it observes and
// counts, enforcement belongs to the enqueuer.
package quota

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	obs "github.com/leonclem/one-minute-menu-sub000/internal/adapter/observability"
	"github.com/leonclem/one-minute-menu-sub000/internal/adapter/repo/postgres"
	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

// OwnerCounter is the slice of the job store the gate needs.
type OwnerCounter interface {
	CountRecentForOwner(ctx domain.Context, ownerID string, window time.Duration) (int, error)
	CountActiveForOwner(ctx domain.Context, ownerID string) (int, error)
}

// Decision is the outcome of an enqueuer-side quota check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// OwnerGate combines store counts with a Redis token bucket per owner.
type OwnerGate struct {
	jobs        OwnerCounter
	rdb         *redis.Client
	pool        postgres.PgxPool
	script      *redis.Script
	hourlyLimit int
	activeLimit int
}

// NewOwnerGate builds the gate. rdb and pool may be nil: without Redis the
// bucket layer is skipped, without a pool the bucket is not persisted.
func NewOwnerGate(jobs OwnerCounter, rdb *redis.Client, pool postgres.PgxPool, hourlyLimit, activeLimit int) *OwnerGate {
	return &OwnerGate{
		jobs:        jobs,
		rdb:         rdb,
		pool:        pool,
		script:      redis.NewScript(luaTokenBucketScript),
		hourlyLimit: hourlyLimit,
		activeLimit: activeLimit,
	}
}

const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  local shortage = cost - tokens
  if refill_rate > 0 then
    retry_after = shortage / refill_rate
  else
    retry_after = 0
  end
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)

return { allowed, tokens, last_refill, retry_after }
`

// Allow is the enqueuer-side check. Hard caps from the store come first;
// the token bucket only smooths bursts below the caps.
func (g *OwnerGate) Allow(ctx domain.Context, ownerID string) (Decision, error) {
	active, err := g.jobs.CountActiveForOwner(ctx, ownerID)
	if err != nil {
		return Decision{}, err
	}
	if active >= g.activeLimit {
		return Decision{Reason: "active export limit reached"}, nil
	}

	recent, err := g.jobs.CountRecentForOwner(ctx, ownerID, time.Hour)
	if err != nil {
		return Decision{}, err
	}
	if recent >= g.hourlyLimit {
		return Decision{Reason: "hourly export limit reached", RetryAfter: time.Hour}, nil
	}

	if g.rdb != nil {
		allowed, retryAfter := g.takeToken(ctx, ownerID)
		if !allowed {
			return Decision{Reason: "export burst limit reached", RetryAfter: retryAfter}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// Observe runs on the worker after each claim. It consumes a bucket token
// for accounting and flags owners past the hourly soft limit. Failures are
// logged, never returned: quota bookkeeping must not stall processing.
func (g *OwnerGate) Observe(ctx domain.Context, ownerID string) {
	recent, err := g.jobs.CountRecentForOwner(ctx, ownerID, time.Hour)
	if err != nil {
		slog.Warn("owner quota observe failed", slog.String("owner_id", ownerID), slog.Any("error", err))
		return
	}
	if recent > g.hourlyLimit {
		obs.OwnerSoftLimitTotal.Inc()
		slog.Warn("owner above hourly export limit",
			slog.String("owner_id", ownerID),
			slog.Int("recent", recent),
			slog.Int("limit", g.hourlyLimit))
	}
	if g.rdb != nil {
		g.takeToken(ctx, ownerID)
	}
}

// takeToken runs the bucket script for one claim. Fails open on Redis
// errors: a broken Redis must not take exports down with it.
func (g *OwnerGate) takeToken(ctx domain.Context, ownerID string) (bool, time.Duration) {
	capacity := int64(g.hourlyLimit)
	refillRate := float64(g.hourlyLimit) / 3600.0
	if capacity <= 0 || refillRate <= 0 {
		return true, 0
	}
	nowSec := float64(time.Now().UnixNano()) / 1e9

	res, err := g.script.Run(ctx, g.rdb, []string{bucketKey(ownerID)}, capacity, refillRate, nowSec, 1).Result()
	if err != nil {
		slog.Error("owner bucket script error", slog.String("owner_id", ownerID), slog.Any("error", err))
		return true, 0
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		slog.Error("owner bucket unexpected script result", slog.String("owner_id", ownerID), slog.Any("result", res))
		return true, 0
	}

	allowed := toInt64(vals[0]) == 1
	tokens := toFloat64(vals[1])
	lastRefill := toFloat64(vals[2])
	retryAfter := time.Duration(toFloat64(vals[3]) * float64(time.Second))

	g.mirrorToStore(ctx, ownerID, tokens, lastRefill)
	return allowed, retryAfter
}

func bucketKey(ownerID string) string { return "owner_rate:" + ownerID }

// mirrorToStore persists the bucket so a restart does not reset every
// owner's burst allowance. Best-effort.
func (g *OwnerGate) mirrorToStore(ctx domain.Context, ownerID string, tokens, lastRefillSec float64) {
	if g.pool == nil {
		return
	}
	sec := int64(lastRefillSec)
	nsec := int64((lastRefillSec - float64(sec)) * 1e9)
	if nsec < 0 {
		nsec = 0
	}
	lastRefill := time.Unix(sec, nsec).UTC()

	_, err := g.pool.Exec(ctx,
		`INSERT INTO owner_rate_state (owner_id, tokens, last_refill, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (owner_id) DO UPDATE SET
		   tokens = EXCLUDED.tokens,
		   last_refill = EXCLUDED.last_refill,
		   updated_at = now()`,
		ownerID, tokens, lastRefill,
	)
	if err != nil {
		slog.Error("failed to mirror owner bucket", slog.String("owner_id", ownerID), slog.Any("error", err))
	}
}

// WarmFromStore seeds Redis buckets from the durable mirror at startup.
func (g *OwnerGate) WarmFromStore(ctx context.Context) error {
	if g.rdb == nil || g.pool == nil {
		return nil
	}
	rows, err := g.pool.Query(ctx, `SELECT owner_id::text, tokens, EXTRACT(EPOCH FROM last_refill) FROM owner_rate_state`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var ownerID string
		var tokens, lastRefillSec float64
		if err := rows.Scan(&ownerID, &tokens, &lastRefillSec); err != nil {
			return err
		}
		if math.IsNaN(tokens) || math.IsNaN(lastRefillSec) {
			continue
		}
		if err := g.rdb.HMSet(ctx, bucketKey(ownerID), "tokens", tokens, "last_refill", lastRefillSec).Err(); err != nil {
			slog.Error("failed to warm owner bucket", slog.String("owner_id", ownerID), slog.Any("error", err))
		}
	}
	return rows.Err()
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return math.NaN()
	}
}
