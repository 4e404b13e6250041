// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package ratelimiter implements the sliding-window admission check used
// to throttle job submission per identifier (spec.md §4.3). A local
// golang.org/x/time/rate token bucket is layered in front as a fast,
// non-authoritative pre-check so obviously-over-limit callers never pay
// for a round trip to Redis; admission is only ever granted by Redis.
package ratelimiter

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/errors"
	"github.com/relaytask/relayq/internal/timeutil"
)

// KeyFunc derives the per-call identifier suffix from a submitted job's
// data, mirroring the `keyPrefix` option's "(data) => string" form.
type KeyFunc func(data []byte) string

// Options configures a Limiter (spec.md §6 rate-limiter options).
type Options struct {
	Max      int
	Duration time.Duration
	KeyFunc  KeyFunc // nil means the identifier is just the queue name
}

// Result is the outcome of a single Check call.
type Result struct {
	Limited   bool
	Remaining int
	ResetIn   time.Duration
}

// checkCmd performs the sliding-window check-and-insert as a single
// server-side operation so two concurrent callers cannot both observe
// count < max and both be admitted (spec.md §4.3 atomicity requirement).
//
// KEYS[1] -> limit:{identifier} zset
// ARGV[1] -> window start score (now - duration)
// ARGV[2] -> max
// ARGV[3] -> now (score for a newly admitted entry)
// ARGV[4] -> member suffix (random, to disambiguate same-ms entries)
// ARGV[5] -> key TTL seconds
var checkCmd = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
local max = tonumber(ARGV[2])
local oldest = nil
local entries = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if #entries > 0 then
	oldest = tonumber(entries[2])
end
if count >= max then
	return {1, 0, oldest or 0}
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[3] .. ":" .. ARGV[4])
redis.call("EXPIRE", KEYS[1], ARGV[5])
return {0, max - count - 1, oldest or 0}
`)

// Limiter checks admission against a Redis-backed sliding window.
type Limiter struct {
	client redis.UniversalClient
	opts   Options
	clock  timeutil.Clock

	local *rate.Limiter
}

// New returns a Limiter. client is the shared Redis connection (the same
// one wired into internal/rdb); a local token bucket is seeded from the
// same max/duration to serve as a cheap pre-check.
func New(client redis.UniversalClient, opts Options) *Limiter {
	ratePerSec := float64(opts.Max) / opts.Duration.Seconds()
	return &Limiter{
		client: client,
		opts:   opts,
		clock:  timeutil.NewRealClock(),
		local:  rate.NewLimiter(rate.Limit(ratePerSec), opts.Max),
	}
}

func (l *Limiter) identifier(qname string, data []byte) string {
	if l.opts.KeyFunc == nil {
		return qname
	}
	return qname + ":" + l.opts.KeyFunc(data)
}

func randomSuffix() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Check reports whether a submission for qname/data is admitted under the
// configured window.
func (l *Limiter) Check(ctx context.Context, qname string, data []byte) (*Result, error) {
	var op errors.Op = "ratelimiter.Check"
	if !l.local.Allow() {
		return &Result{Limited: true, Remaining: 0, ResetIn: l.opts.Duration}, nil
	}

	identifier := l.identifier(qname, data)
	now := l.clock.Now()
	windowStart := now.Add(-l.opts.Duration)
	ttlSeconds := int64(math.Ceil(l.opts.Duration.Seconds()))

	res, err := checkCmd.Run(ctx, l.client, []string{base.LimitKey(identifier)},
		windowStart.UnixMilli(), l.opts.Max, now.UnixMilli(), randomSuffix(), ttlSeconds).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "eval", Err: err})
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, errors.E(op, errors.Internal, "unexpected return shape from rate limit script")
	}
	limited := vals[0].(int64) == 1
	remaining := int(vals[1].(int64))
	oldest := vals[2].(int64)

	result := &Result{Limited: limited, Remaining: remaining}
	if oldest > 0 {
		resetAt := time.UnixMilli(oldest).Add(l.opts.Duration)
		if d := resetAt.Sub(now); d > 0 {
			result.ResetIn = d
		}
	}
	return result, nil
}

// SetClock swaps in a simulated clock; used in tests only.
func (l *Limiter) SetClock(c timeutil.Clock) { l.clock = c }
