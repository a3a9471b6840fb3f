// Package admission implements the tenant token-bucket quota gate named in
// spec §1's Non-goals ("does not enforce quotas across tenants beyond a
// simple token bucket") and spec §6's "token-bucket capacity, max
// priority" knobs.
//
// Grounded verbatim on the teacher's internal/ratelimit/ratelimit.go Lua
// token-bucket script (atomic refill-then-consume in one round trip),
// repurposed from "API key / IP rate limiting" to "per-tenant invoke
// admission" — same algorithm, different key namespace.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oriys/corefn/internal/errs"
)

// tokenBucketScript is the teacher's script unchanged: KEYS[1]=bucket key,
// ARGV = [max_tokens, refill_rate_per_s, now_seconds, requested].
var tokenBucketScript = redis.NewScript(`
local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(bucket[1]) or tonumber(ARGV[1])
local last = tonumber(bucket[2]) or tonumber(ARGV[3])

local elapsed = tonumber(ARGV[3]) - last
tokens = math.min(tonumber(ARGV[1]), tokens + elapsed * tonumber(ARGV[2]))

local allowed = 0
if tokens >= tonumber(ARGV[4]) then
    tokens = tokens - tonumber(ARGV[4])
    allowed = 1
end

redis.call('HMSET', KEYS[1], 'tokens', tokens, 'last_refill', ARGV[3])
redis.call('EXPIRE', KEYS[1], math.ceil(tonumber(ARGV[1]) / tonumber(ARGV[2])) + 10)

return {allowed, math.floor(tokens)}
`)

// TenantQuota holds one tenant's bucket shape.
type TenantQuota struct {
	Capacity   int     // burst size
	RatePerSec float64 // sustained refill rate
}

// Gate admits invokes per tenant via a Redis-backed token bucket.
type Gate struct {
	redis      *redis.Client
	quotas     map[string]TenantQuota
	defaultQ   TenantQuota
	maxPriority int
}

// New constructs a Gate. defaultQuota applies to any tenant id not present
// in quotas. maxPriority bounds the priority field an invoke may request
// (spec §6).
func New(client *redis.Client, quotas map[string]TenantQuota, defaultQuota TenantQuota, maxPriority int) *Gate {
	if quotas == nil {
		quotas = make(map[string]TenantQuota)
	}
	return &Gate{redis: client, quotas: quotas, defaultQ: defaultQuota, maxPriority: maxPriority}
}

func (g *Gate) quotaFor(tenantID string) TenantQuota {
	if q, ok := g.quotas[tenantID]; ok {
		return q
	}
	return g.defaultQ
}

func tenantKey(tenantID string) string {
	return "corefn:admission:tenant:" + tenantID
}

// Allow consumes one token from tenantID's bucket, returning
// errs.CodeInvokeRateLimited when the bucket is empty.
func (g *Gate) Allow(ctx context.Context, tenantID string) error {
	return g.AllowN(ctx, tenantID, 1)
}

// AllowN consumes n tokens atomically.
func (g *Gate) AllowN(ctx context.Context, tenantID string, n int) error {
	q := g.quotaFor(tenantID)
	now := float64(time.Now().Unix())

	result, err := tokenBucketScript.Run(ctx, g.redis, []string{tenantKey(tenantID)},
		q.Capacity, q.RatePerSec, now, n,
	).Slice()
	if err != nil {
		return fmt.Errorf("admission: token bucket check: %w", err)
	}
	if len(result) != 2 {
		return fmt.Errorf("admission: unexpected token bucket result length %d", len(result))
	}
	allowed, _ := result[0].(int64)
	if allowed != 1 {
		return errs.Errorf(errs.CodeInvokeRateLimited, "tenant %s exceeded token bucket quota", tenantID)
	}
	return nil
}

// ValidatePriority rejects a requested priority above maxPriority.
func (g *Gate) ValidatePriority(priority int) error {
	if priority < 0 || (g.maxPriority > 0 && priority > g.maxPriority) {
		return errs.Errorf(errs.CodeParamInvalid, "priority %d out of range [0,%d]", priority, g.maxPriority)
	}
	return nil
}
