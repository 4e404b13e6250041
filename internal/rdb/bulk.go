// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/errors"
)

// removeJobCmd deletes a job's hash and its dependency bookkeeping keys,
// and removes its ID from whichever container currently holds it.
//
// KEYS[1] -> job:{id} hash
// ARGV[1] -> job ID
// ARGV[2] -> waiting list
// ARGV[3] -> active list
// ARGV[4] -> completed list
// ARGV[5] -> failed list
// ARGV[6] -> delayed zset
// ARGV[7] -> dependency-wait set
// ARGV[8] -> paused list
var removeJobCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("LREM", ARGV[2], 0, ARGV[1])
redis.call("LREM", ARGV[3], 0, ARGV[1])
redis.call("LREM", ARGV[4], 0, ARGV[1])
redis.call("LREM", ARGV[5], 0, ARGV[1])
redis.call("ZREM", ARGV[6], ARGV[1])
redis.call("SREM", ARGV[7], ARGV[1])
redis.call("LREM", ARGV[8], 0, ARGV[1])
redis.call("DEL", KEYS[1] .. ":dependents")
redis.call("DEL", KEYS[1] .. ":pending_deps")
redis.call("DEL", KEYS[1])
return 1
`)

// RemoveJob deletes id from qname entirely, regardless of its current
// state.
func (r *RDB) RemoveJob(ctx context.Context, qname, id string) error {
	var op errors.Op = "rdb.RemoveJob"
	keys := []string{base.JobKey(qname, id)}
	n, err := r.runScriptInt(ctx, op, removeJobCmd, keys, id,
		base.WaitingKey(qname), base.ActiveKey(qname), base.CompletedKey(qname),
		base.FailedKey(qname), base.DelayedKey(qname), base.DependencyWaitKey(qname),
		base.PausedListKey(qname))
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, errors.ErrJobNotFound)
	}
	return nil
}

// EmptyQueue removes every waiting job from qname (active jobs are left to
// finish; delayed/dead-letter/completed/failed are untouched, matching the
// teacher's convention that destructive queue operations act on one
// container at a time).
func (r *RDB) EmptyQueue(ctx context.Context, qname string) error {
	var op errors.Op = "rdb.EmptyQueue"
	ids, err := r.client.LRange(ctx, base.WaitingKey(qname), 0, -1).Result()
	if err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "lrange", Err: err})
	}
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, base.JobKey(qname, id))
	}
	pipe.Del(ctx, base.WaitingKey(qname))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "pipeline", Err: err})
	}
	return nil
}

// BulkPause moves the given waiting job IDs into the queue's paused list.
func (r *RDB) BulkPause(ctx context.Context, qname string, ids []string) (int, error) {
	return r.bulkMove(ctx, "rdb.BulkPause", base.WaitingKey(qname), base.PausedListKey(qname), qname, ids, "paused")
}

// BulkResume moves the given paused job IDs back into waiting.
func (r *RDB) BulkResume(ctx context.Context, qname string, ids []string) (int, error) {
	return r.bulkMove(ctx, "rdb.BulkResume", base.PausedListKey(qname), base.WaitingKey(qname), qname, ids, "waiting")
}

var bulkMoveOneCmd = redis.NewScript(`
local removed = redis.call("LREM", KEYS[1], 0, ARGV[1])
if removed == 0 then
	return 0
end
redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], "state", ARGV[2])
return 1
`)

func (r *RDB) bulkMove(ctx context.Context, opName, srcKey, dstKey, qname string, ids []string, newState string) (int, error) {
	op := errors.Op(opName)
	moved := 0
	for _, id := range ids {
		keys := []string{srcKey, dstKey, base.JobKey(qname, id)}
		n, err := r.runScriptInt(ctx, op, bulkMoveOneCmd, keys, id, newState)
		if err != nil {
			return moved, err
		}
		moved += int(n)
	}
	return moved, nil
}

// BulkRemove deletes every given job ID from qname, returning the number
// actually found and removed.
func (r *RDB) BulkRemove(ctx context.Context, qname string, ids []string) (int, error) {
	removed := 0
	for _, id := range ids {
		if err := r.RemoveJob(ctx, qname, id); err != nil {
			if errors.CanonicalCode(err) == errors.NotFound {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}
