// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates every interaction relayq has with Redis: the
// keyspace layout defined in internal/base, and the Lua scripts that make
// each multi-key state transition atomic.
package rdb

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/errors"
	"github.com/relaytask/relayq/internal/timeutil"
	"github.com/spf13/cast"
)

const statsTTL = 90 * 24 * time.Hour

// RDB is the Broker implementation backed by a real redis.UniversalClient.
type RDB struct {
	client redis.UniversalClient
	clock  timeutil.Clock
}

// NewRDB returns a new RDB wrapping the given client.
func NewRDB(client redis.UniversalClient) *RDB {
	return &RDB{client: client, clock: timeutil.NewRealClock()}
}

func (r *RDB) Close() error { return r.client.Close() }

func (r *RDB) Client() redis.UniversalClient { return r.client }

// SetClock swaps in a simulated clock; used in tests only.
func (r *RDB) SetClock(c timeutil.Clock) { r.clock = c }

func (r *RDB) Ping() error { return r.client.Ping(context.Background()).Err() }

func (r *RDB) runScript(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) error {
	if err := script.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("redis eval error: %v", err))
	}
	return nil
}

func (r *RDB) runScriptInt(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) (int64, error) {
	res, err := script.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return 0, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
	}
	n, err := cast.ToInt64E(res)
	if err != nil {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	return n, nil
}

func pushArg(lifo bool) string {
	if lifo {
		return "1"
	}
	return "0"
}

// ---------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------

// enqueueCmd pushes a ready job straight onto the waiting list.
//
// KEYS[1] -> job:{id} hash
// KEYS[2] -> waiting list
// ARGV[1] -> encoded job message
// ARGV[2] -> job ID
// ARGV[3] -> current unix time in ms
// ARGV[4] -> "1" for LIFO (push to the serve-next end), "0" for FIFO
//
// Returns 1 on success, 0 if the job ID already exists.
var enqueueCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "msg", ARGV[1], "state", "waiting")
if ARGV[4] == "1" then
	redis.call("RPUSH", KEYS[2], ARGV[2])
else
	redis.call("LPUSH", KEYS[2], ARGV[2])
end
return 1
`)

// Enqueue adds msg to the waiting list of its queue.
func (r *RDB) Enqueue(ctx context.Context, msg *base.JobMessage) error {
	var op errors.Op = "rdb.Enqueue"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	if err := r.client.SAdd(ctx, base.AllQueues, msg.Queue).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "sadd", Err: err})
	}
	keys := []string{base.JobKey(msg.Queue, msg.ID), base.WaitingKey(msg.Queue)}
	n, err := r.runScriptInt(ctx, op, enqueueCmd, keys, encoded, msg.ID, r.clock.Now().UnixMilli(), pushArg(msg.Opts.LIFO))
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.AlreadyExists, errors.ErrJobIdConflict)
	}
	return nil
}

// scheduleCmd adds a job to the delayed sorted set, scored by fire time.
//
// KEYS[1] -> job:{id} hash
// KEYS[2] -> delayed zset
// ARGV[1] -> encoded job message
// ARGV[2] -> fire-at unix ms (score)
// ARGV[3] -> job ID
var scheduleCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "msg", ARGV[1], "state", "delayed")
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// EnqueueDelayed schedules msg to become waiting at processAt.
func (r *RDB) EnqueueDelayed(ctx context.Context, msg *base.JobMessage, processAt time.Time) error {
	var op errors.Op = "rdb.EnqueueDelayed"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	if err := r.client.SAdd(ctx, base.AllQueues, msg.Queue).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "sadd", Err: err})
	}
	keys := []string{base.JobKey(msg.Queue, msg.ID), base.DelayedKey(msg.Queue)}
	n, err := r.runScriptInt(ctx, op, scheduleCmd, keys, encoded, processAt.UnixMilli(), msg.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.AlreadyExists, errors.ErrJobIdConflict)
	}
	return nil
}

// enqueuePriorityCmd pushes a job onto a priority level list.
//
// KEYS[1] -> job:{id} hash
// KEYS[2] -> priority:{level} list
// ARGV[1] -> encoded job message
// ARGV[2] -> job ID
// ARGV[3] -> "1" for LIFO, "0" for FIFO
var enqueuePriorityCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "msg", ARGV[1], "state", "waiting")
if ARGV[3] == "1" then
	redis.call("RPUSH", KEYS[2], ARGV[2])
else
	redis.call("LPUSH", KEYS[2], ARGV[2])
end
return 1
`)

// EnqueuePriority pushes msg onto the given priority level; the pump
// (promoter.go) later drains it into the generic waiting list.
func (r *RDB) EnqueuePriority(ctx context.Context, msg *base.JobMessage, level int) error {
	var op errors.Op = "rdb.EnqueuePriority"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	if err := r.client.SAdd(ctx, base.AllQueues, msg.Queue).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "sadd", Err: err})
	}
	keys := []string{base.JobKey(msg.Queue, msg.ID), base.PriorityKey(msg.Queue, level)}
	n, err := r.runScriptInt(ctx, op, enqueuePriorityCmd, keys, encoded, msg.ID, pushArg(msg.Opts.LIFO))
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.AlreadyExists, errors.ErrJobIdConflict)
	}
	return nil
}

// enqueueDependencyWaitCmd records msg as pending on deps and, for every
// not-yet-finished dependency, adds msg's ID to that dependency's
// dependents set and msg's ID to the queue's dependency-wait set.
//
// KEYS[1] -> job:{id} hash
// KEYS[2] -> dependency-wait set
// ARGV[1] -> encoded job message
// ARGV[2] -> job ID
// ARGV[3] -> job key prefix
// ARGV[4:] -> dependency job IDs
//
// Returns 1 if the job was held back (has at least one unfinished dep),
// 0 if every dependency is already finished (caller should place normally).
var enqueueDependencyWaitCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return -1
end
local pending = 0
local pendingDepsKey = ARGV[3] .. ARGV[2] .. ":pending_deps"
for i = 4, #ARGV do
	local depKey = ARGV[3] .. ARGV[i]
	local depState = redis.call("HGET", depKey, "state")
	if depState and depState ~= "completed" and depState ~= "failed" and depState ~= "dead-letter" then
		pending = 1
		redis.call("SADD", depKey .. ":dependents", ARGV[2])
		redis.call("SADD", pendingDepsKey, ARGV[i])
	end
end
if pending == 1 then
	redis.call("HSET", KEYS[1], "msg", ARGV[1], "state", "dependency-wait")
	redis.call("SADD", KEYS[2], ARGV[2])
end
return pending
`)

// EnqueueDependencyWait holds msg in dependency-wait if any of deps has not
// finished. Missing dependencies are treated as already finished (spec.md
// §4.4 step 4: "Missing dependencies are logged but do not block submission").
func (r *RDB) EnqueueDependencyWait(ctx context.Context, msg *base.JobMessage, deps []string) (bool, error) {
	var op errors.Op = "rdb.EnqueueDependencyWait"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return false, errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	if err := r.client.SAdd(ctx, base.AllQueues, msg.Queue).Err(); err != nil {
		return false, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "sadd", Err: err})
	}
	keys := []string{base.JobKey(msg.Queue, msg.ID), base.DependencyWaitKey(msg.Queue)}
	argv := []interface{}{encoded, msg.ID, base.JobKeyPrefix(msg.Queue)}
	for _, d := range deps {
		argv = append(argv, d)
	}
	n, err := r.runScriptInt(ctx, op, enqueueDependencyWaitCmd, keys, argv...)
	if err != nil {
		return false, err
	}
	if n == -1 {
		return false, errors.E(op, errors.AlreadyExists, errors.ErrJobIdConflict)
	}
	return n == 1, nil
}

// ---------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------

// dequeueCmd pops up to ARGV[1] job IDs from the serve-next end of waiting
// into active, stamping each with state=active and processed_on=now.
// Skips the queue entirely if it is paused.
//
// KEYS[1] -> waiting list
// KEYS[2] -> pause flag key
// KEYS[3] -> active list
// ARGV[1] -> max number of jobs to move
// ARGV[2] -> current unix time in ms
// ARGV[3] -> job key prefix
var dequeueCmd = redis.NewScript(`
local ids = {}
if redis.call("EXISTS", KEYS[2]) == 1 then
	return ids
end
for i = 1, tonumber(ARGV[1]) do
	local id = redis.call("RPOPLPUSH", KEYS[1], KEYS[3])
	if not id then
		break
	end
	local key = ARGV[3] .. id
	redis.call("HSET", key, "state", "active", "processed_on", ARGV[2])
	table.insert(ids, id)
end
return ids
`)

// Dequeue moves up to n waiting jobs into active and returns their decoded
// messages. Returns an empty slice (not an error) if the queue is empty or
// paused.
func (r *RDB) Dequeue(ctx context.Context, qname string, n int) ([]*base.JobMessage, error) {
	var op errors.Op = "rdb.Dequeue"
	keys := []string{base.WaitingKey(qname), base.PauseFlagKey(qname), base.ActiveKey(qname)}
	now := r.clock.Now()
	res, err := dequeueCmd.Run(ctx, r.client, keys, n, now.UnixMilli(), base.JobKeyPrefix(qname)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("redis eval error: %v", err))
	}
	ids, err := cast.ToStringSliceE(res)
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cast error: %v", err))
	}
	if len(ids) == 0 {
		return nil, nil
	}
	msgs := make([]*base.JobMessage, 0, len(ids))
	pipe := r.client.Pipeline()
	for _, id := range ids {
		encoded, err := r.client.HGet(ctx, base.JobKey(qname, id), "msg").Result()
		if err != nil {
			continue
		}
		msg, err := base.DecodeMessage([]byte(encoded))
		if err != nil {
			continue
		}
		msg.ProcessedOn = now.UnixMilli()
		// one dequeue is one handler invocation (glossary: "Attempt: one
		// handler invocation"), so attempts_made is bumped here rather than
		// only on the failure branch.
		msg.AttemptsMade++
		reEncoded, err := base.EncodeMessage(msg)
		if err != nil {
			continue
		}
		pipe.HSet(ctx, base.JobKey(qname, id), "msg", reEncoded)
		msgs = append(msgs, msg)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "pipeline", Err: err})
	}
	return msgs, nil
}

// ---------------------------------------------------------------------
// Completion / failure
// ---------------------------------------------------------------------

// completeCmd moves a job from active to completed, recording its result.
//
// KEYS[1] -> active list
// KEYS[2] -> completed list
// KEYS[3] -> job:{id} hash
// KEYS[4] -> processed:{date}
// KEYS[5] -> processed (total)
// ARGV[1] -> job ID
// ARGV[2] -> encoded job message (with finished_on/return_value set)
// ARGV[3] -> stats expiration unix time
// ARGV[4] -> max int64 (wraparound marker, mirrors the teacher's counters)
var completeCmd = redis.NewScript(`
if redis.call("LREM", KEYS[1], 0, ARGV[1]) == 0 then
	return redis.error_reply("NOT FOUND")
end
redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], "msg", ARGV[2], "state", "completed", "finished_on", ARGV[5])
local n = redis.call("INCR", KEYS[4])
if tonumber(n) == 1 then
	redis.call("EXPIREAT", KEYS[4], ARGV[3])
end
local total = redis.call("GET", KEYS[5])
if tonumber(total) == tonumber(ARGV[4]) then
	redis.call("SET", KEYS[5], 1)
else
	redis.call("INCR", KEYS[5])
end
return redis.status_reply("OK")
`)

// Complete marks msg completed with the given result payload.
func (r *RDB) Complete(ctx context.Context, msg *base.JobMessage, result []byte) error {
	var op errors.Op = "rdb.Complete"
	now := r.clock.Now()
	modified := *msg
	modified.FinishedOn = now.UnixMilli()
	modified.ReturnValue = result
	encoded, err := base.EncodeMessage(&modified)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{
		base.ActiveKey(msg.Queue),
		base.CompletedKey(msg.Queue),
		base.JobKey(msg.Queue, msg.ID),
		base.ProcessedKey(msg.Queue, now),
		base.ProcessedTotalKey(msg.Queue),
	}
	return r.runScript(ctx, op, completeCmd, keys, msg.ID, encoded, now.Add(statsTTL).Unix(), int64(math.MaxInt64), modified.FinishedOn)
}

// failCmd moves a job from active to failed, recording the error.
//
// KEYS[1] -> active list
// KEYS[2] -> failed list
// KEYS[3] -> job:{id} hash
// KEYS[4] -> failed:{date}
// KEYS[5] -> failed_total
// ARGV[1] -> job ID
// ARGV[2] -> encoded job message (attempts/failed_reason/stacktrace updated)
// ARGV[3] -> stats expiration unix time
// ARGV[4] -> max int64
var failCmd = redis.NewScript(`
if redis.call("LREM", KEYS[1], 0, ARGV[1]) == 0 then
	return redis.error_reply("NOT FOUND")
end
redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], "msg", ARGV[2], "state", "failed", "finished_on", ARGV[5])
local n = redis.call("INCR", KEYS[4])
if tonumber(n) == 1 then
	redis.call("EXPIREAT", KEYS[4], ARGV[3])
end
local total = redis.call("GET", KEYS[5])
if tonumber(total) == tonumber(ARGV[4]) then
	redis.call("SET", KEYS[5], 1)
else
	redis.call("INCR", KEYS[5])
end
return redis.status_reply("OK")
`)

// Fail moves msg from active to failed, appending errMsg/stackFrame.
// attempts_made was already bumped by Dequeue when this attempt started;
// Fail just records the outcome. Returns the updated message for the
// caller to branch on (dead-letter vs. retry vs. requeue).
func (r *RDB) Fail(ctx context.Context, msg *base.JobMessage, errMsg, stackFrame string) (*base.JobMessage, error) {
	var op errors.Op = "rdb.Fail"
	now := r.clock.Now()
	modified := *msg
	modified.FailedReason = errMsg
	modified.FinishedOn = now.UnixMilli()
	if stackFrame != "" {
		modified.AppendStacktrace(stackFrame)
	}
	encoded, err := base.EncodeMessage(&modified)
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{
		base.ActiveKey(msg.Queue),
		base.FailedKey(msg.Queue),
		base.JobKey(msg.Queue, msg.ID),
		base.FailedDailyKey(msg.Queue, now),
		base.FailedTotalKey(msg.Queue),
	}
	if err := r.runScript(ctx, op, failCmd, keys, msg.ID, encoded, now.Add(statsTTL).Unix(), int64(math.MaxInt64), modified.FinishedOn); err != nil {
		return nil, err
	}
	return &modified, nil
}

// retryAfterCmd moves a job from failed to delayed, to be retried once its
// backoff elapses.
//
// KEYS[1] -> failed list
// KEYS[2] -> delayed zset
// KEYS[3] -> job:{id} hash
// ARGV[1] -> job ID
// ARGV[2] -> retry-at unix ms (score)
var retryAfterCmd = redis.NewScript(`
if redis.call("LREM", KEYS[1], 0, ARGV[1]) == 0 then
	return redis.error_reply("NOT FOUND")
end
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
redis.call("HSET", KEYS[3], "state", "delayed")
return redis.status_reply("OK")
`)

// RetryAfter moves msg from failed to delayed so it becomes waiting at
// processAt (spec.md §4.7 step 5, backoff.delay > 0 path).
func (r *RDB) RetryAfter(ctx context.Context, msg *base.JobMessage, processAt time.Time) error {
	var op errors.Op = "rdb.RetryAfter"
	keys := []string{base.FailedKey(msg.Queue), base.DelayedKey(msg.Queue), base.JobKey(msg.Queue, msg.ID)}
	return r.runScript(ctx, op, retryAfterCmd, keys, msg.ID, processAt.UnixMilli())
}

// requeueImmediateCmd moves a job from failed straight back to the
// serve-next end of waiting (spec.md §4.7 step 5, delay == 0 path).
//
// KEYS[1] -> failed list
// KEYS[2] -> waiting list
// KEYS[3] -> job:{id} hash
// ARGV[1] -> job ID
var requeueImmediateCmd = redis.NewScript(`
if redis.call("LREM", KEYS[1], 0, ARGV[1]) == 0 then
	return redis.error_reply("NOT FOUND")
end
redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], "state", "waiting")
return redis.status_reply("OK")
`)

// RequeueImmediate moves msg from failed directly back into waiting at the
// serve-next end.
func (r *RDB) RequeueImmediate(ctx context.Context, msg *base.JobMessage) error {
	var op errors.Op = "rdb.RequeueImmediate"
	keys := []string{base.FailedKey(msg.Queue), base.WaitingKey(msg.Queue), base.JobKey(msg.Queue, msg.ID)}
	return r.runScript(ctx, op, requeueImmediateCmd, keys, msg.ID)
}

// requeueFromActiveCmd is the stalled-checker's equivalent of
// requeueImmediateCmd: it moves a job directly from active back to waiting
// (spec.md §4.8 step 3), bumping attempts_made.
//
// KEYS[1] -> active list
// KEYS[2] -> waiting list
// KEYS[3] -> job:{id} hash
// ARGV[1] -> job ID
// ARGV[2] -> encoded job message with attempts_made incremented
var requeueFromActiveCmd = redis.NewScript(`
if redis.call("LREM", KEYS[1], 0, ARGV[1]) == 0 then
	return redis.error_reply("NOT FOUND")
end
redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], "msg", ARGV[2], "state", "waiting")
return redis.status_reply("OK")
`)

// RequeueStalled moves msg from active back to waiting, marking one more
// stalled-recovery attempt.
func (r *RDB) RequeueStalled(ctx context.Context, msg *base.JobMessage) error {
	var op errors.Op = "rdb.RequeueStalled"
	modified := *msg
	modified.AttemptsMade++
	encoded, err := base.EncodeMessage(&modified)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{base.ActiveKey(msg.Queue), base.WaitingKey(msg.Queue), base.JobKey(msg.Queue, msg.ID)}
	return r.runScript(ctx, op, requeueFromActiveCmd, keys, msg.ID, encoded)
}

// failFromActiveCmd finalizes a stalled job directly as failed (spec.md
// §4.8 step 4: exceeded maxStalledRetries).
//
// KEYS[1] -> active list
// KEYS[2] -> failed list
// KEYS[3] -> job:{id} hash
// ARGV[1] -> job ID
// ARGV[2] -> encoded job message (failed_reason/finished_on set)
// ARGV[3] -> finished_on unix ms
var failFromActiveCmd = redis.NewScript(`
if redis.call("LREM", KEYS[1], 0, ARGV[1]) == 0 then
	return redis.error_reply("NOT FOUND")
end
redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], "msg", ARGV[2], "state", "failed", "finished_on", ARGV[3])
return redis.status_reply("OK")
`)

// FailStalled finalizes msg as failed with a stalled-exhausted reason.
func (r *RDB) FailStalled(ctx context.Context, msg *base.JobMessage) error {
	var op errors.Op = "rdb.FailStalled"
	now := r.clock.Now()
	modified := *msg
	modified.FailedReason = "stalled and exceeded retries"
	modified.FinishedOn = now.UnixMilli()
	encoded, err := base.EncodeMessage(&modified)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{base.ActiveKey(msg.Queue), base.FailedKey(msg.Queue), base.JobKey(msg.Queue, msg.ID)}
	return r.runScript(ctx, op, failFromActiveCmd, keys, msg.ID, encoded, modified.FinishedOn)
}

// ListActive returns decoded messages for every job currently in active,
// used by the stalled-job checker (spec.md §4.8 step 1).
func (r *RDB) ListActive(ctx context.Context, qname string) ([]*base.JobMessage, error) {
	var op errors.Op = "rdb.ListActive"
	ids, err := r.client.LRange(ctx, base.ActiveKey(qname), 0, -1).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "lrange", Err: err})
	}
	var out []*base.JobMessage
	for _, id := range ids {
		encoded, err := r.client.HGet(ctx, base.JobKey(qname, id), "msg").Result()
		if err != nil {
			continue
		}
		msg, err := base.DecodeMessage([]byte(encoded))
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}
