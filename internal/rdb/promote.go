// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/errors"
	"github.com/spf13/cast"
)

// promoteDelayedCmd moves every delayed job with score <= now onto waiting,
// same insertion point as a fresh enqueue (spec.md §4.5).
//
// KEYS[1] -> delayed zset
// KEYS[2] -> waiting list
// ARGV[1] -> now unix ms
// ARGV[2] -> max batch size
var promoteDelayedCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("LPUSH", KEYS[2], id)
end
return #ids
`)

const promoteBatchSize = 1000

// PromoteDelayed moves every ready delayed job into waiting, marking it
// waiting again. Returns the number of jobs promoted.
func (r *RDB) PromoteDelayed(ctx context.Context, qname string) (int, error) {
	var op errors.Op = "rdb.PromoteDelayed"
	keys := []string{base.DelayedKey(qname), base.WaitingKey(qname)}
	n, err := r.runScriptInt(ctx, op, promoteDelayedCmd, keys, r.clock.Now().UnixMilli(), promoteBatchSize)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := r.markWaiting(ctx, qname, int(n)); err != nil {
		return int(n), err
	}
	return int(n), nil
}

// markWaiting flips the state field of the most recently pushed n jobs on
// waiting back to "waiting" (delayed jobs previously read "delayed"). It
// reads the head of the list, which is exactly where promoteDelayedCmd /
// pumpPriorityCmd just LPUSHed.
func (r *RDB) markWaiting(ctx context.Context, qname string, n int) error {
	ids, err := r.client.LRange(ctx, base.WaitingKey(qname), 0, int64(n-1)).Result()
	if err != nil {
		return errors.E(errors.Op("rdb.markWaiting"), errors.Unknown, &errors.RedisCommandError{Command: "lrange", Err: err})
	}
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.HSet(ctx, base.JobKey(qname, id), "state", "waiting")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.E(errors.Op("rdb.markWaiting"), errors.Unknown, &errors.RedisCommandError{Command: "pipeline", Err: err})
	}
	return nil
}

// promoteDependentsCmd clears finishedJobID's dependents set and, for each
// dependent, checks whether every one of ITS remaining dependencies is now
// finished; if so the dependent is moved from dependency-wait to waiting.
//
// KEYS[1] -> dependency-wait set
// KEYS[2] -> waiting list
// ARGV[1] -> dependents set key (job:{finishedJobID}:dependents)
// ARGV[2] -> job key prefix
var promoteDependentsCmd = redis.NewScript(`
local dependents = redis.call("SMEMBERS", ARGV[1])
redis.call("DEL", ARGV[1])
local finishedID = ARGV[3]
local promoted = {}
for _, depID in ipairs(dependents) do
	local depKey = ARGV[2] .. depID
	local msg = redis.call("HGET", depKey, "msg")
	if msg then
		local pendingDepsKey = depKey .. ":pending_deps"
		redis.call("SREM", pendingDepsKey, finishedID)
		if redis.call("SCARD", pendingDepsKey) == 0 then
			redis.call("SREM", KEYS[1], depID)
			redis.call("HSET", depKey, "state", "waiting")
			redis.call("LPUSH", KEYS[2], depID)
			table.insert(promoted, depID)
		end
	end
end
return promoted
`)

// PromoteDependents re-evaluates every job that depended on finishedJobID
// and moves any whose dependencies are now all finished into waiting.
// Returns the IDs of jobs promoted.
func (r *RDB) PromoteDependents(ctx context.Context, qname, finishedJobID string) ([]string, error) {
	var op errors.Op = "rdb.PromoteDependents"
	keys := []string{base.DependencyWaitKey(qname), base.WaitingKey(qname)}
	res, err := promoteDependentsCmd.Run(ctx, r.client, keys, base.DependentsKey(qname, finishedJobID), base.JobKeyPrefix(qname), finishedJobID).Result()
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	ids, err := cast.ToStringSliceE(res)
	if err != nil {
		return nil, errors.E(op, errors.Internal, "cast error")
	}
	return ids, nil
}

// pumpPriorityCmd pops at most one ready job from every priority level and
// pushes each into waiting, highest index first, so that within a single
// pump pass a highest-level job always lands closer to the serve-next end
// (the tail, drained by dequeueCmd's RPOPLPUSH) than a lower-level job
// (spec.md §4.9, §4.12: "higher index = higher priority").
//
// KEYS[1..n] -> priority:0 .. priority:{levels-1}
// KEYS[n+1]  -> waiting list
var pumpPriorityCmd = redis.NewScript(`
local numLevels = #KEYS - 1
local waitingKey = KEYS[#KEYS]
local moved = 0
for level = numLevels, 1, -1 do
	local id = redis.call("RPOP", KEYS[level])
	if id then
		redis.call("LPUSH", waitingKey, id)
		moved = moved + 1
	end
end
return moved
`)

// PumpPriority drains up to one ready job from each priority level (highest
// index is highest priority) into waiting. Returns the number of jobs moved.
func (r *RDB) PumpPriority(ctx context.Context, qname string, levels int) (int, error) {
	var op errors.Op = "rdb.PumpPriority"
	keys := make([]string, 0, levels+1)
	for level := 0; level < levels; level++ {
		keys = append(keys, base.PriorityKey(qname, level))
	}
	keys = append(keys, base.WaitingKey(qname))
	n, err := r.runScriptInt(ctx, op, pumpPriorityCmd, keys)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := r.markWaiting(ctx, qname, int(n)); err != nil {
			return int(n), err
		}
	}
	return int(n), nil
}
