// Package ratelimit throttles work per transaction type with a token bucket
// kept in the shared store, so every process draining a queue draws from the
// same bucket.
package ratelimit

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/guido-cesarano/txqueue/pkg/qerrors"
)

// Limit describes one bucket: Rate tokens are added per second up to Burst.
type Limit struct {
	Rate  float64 `json:"rate"`
	Burst int     `json:"burst"`
}

// Limiter takes one token from the bucket named key.
type Limiter interface {
	Allow(ctx context.Context, key string, limit Limit) (bool, error)
}

// tokenBucket refills the bucket for the time elapsed since the last call and
// takes the requested tokens if enough are left.
//
// KEYS[1]: bucket key
// ARGV[1]: rate (tokens/sec)
// ARGV[2]: burst (capacity)
// ARGV[3]: current timestamp (seconds)
// ARGV[4]: tokens to consume
var tokenBucket = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local new_tokens = math.min(burst, tokens + (delta * rate))

	local allowed = 0
	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		allowed = 1
	end
	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
	return allowed
`)

// Redis is a Limiter backed by a Lua token bucket.
type Redis struct {
	rdb   redis.Scripter
	clock clock.PassiveClock
}

// NewRedis returns a limiter using rdb. A nil clock means the wall clock.
func NewRedis(rdb redis.Scripter, clk clock.PassiveClock) *Redis {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Redis{rdb: rdb, clock: clk}
}

func (r *Redis) Allow(ctx context.Context, key string, limit Limit) (bool, error) {
	now := float64(r.clock.Now().UnixMilli()) / 1000
	n, err := tokenBucket.Run(ctx, r.rdb, []string{key},
		strconv.FormatFloat(limit.Rate, 'f', -1, 64),
		limit.Burst,
		strconv.FormatFloat(now, 'f', 3, 64),
		1,
	).Int64()
	if err != nil {
		return false, &qerrors.StoreError{Operation: "Allow", Err: err}
	}
	return n == 1, nil
}

var _ Limiter = (*Redis)(nil)
