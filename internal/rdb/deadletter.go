// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/errors"
)

// moveToDeadLetterCmd moves a job into the dead-letter list, storing a
// standalone record so the job's normal hash can be reclaimed by cleanup.
// removeFromFailed (ARGV[3], "1"/"0") selects whether the entry is also
// LREM'd out of failed: spec.md §4.11's removeFromOriginalQueue, "0"
// leaves a stale copy behind in failed for operators who want the audit
// trail, at the cost of double-counting it in GetJobCounts.
//
// KEYS[1] -> failed list
// KEYS[2] -> dead-letter list
// KEYS[3] -> dead-letter:job:{id} hash
// KEYS[4] -> job:{id} hash
// ARGV[1] -> job ID
// ARGV[2] -> encoded DeadLetterRecord
// ARGV[3] -> removeFromFailed, "1" or "0"
var moveToDeadLetterCmd = redis.NewScript(`
if ARGV[3] == "1" then
	redis.call("LREM", KEYS[1], 0, ARGV[1])
end
redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("SET", KEYS[3], ARGV[2])
redis.call("HSET", KEYS[4], "state", "dead-letter")
return redis.status_reply("OK")
`)

// MoveToDeadLetter moves msg into the queue's dead-letter list.
// removeFromFailed controls whether the job's entry in failed is removed
// (spec.md §4.11's removeFromOriginalQueue).
func (r *RDB) MoveToDeadLetter(ctx context.Context, msg *base.JobMessage, reason string, removeFromFailed bool) error {
	var op errors.Op = "rdb.MoveToDeadLetter"
	now := r.clock.Now()
	rec := &base.DeadLetterRecord{
		ID:                msg.ID,
		OriginalQueue:     msg.Queue,
		Data:              msg.Data,
		FailedReason:      reason,
		AttemptsMade:      msg.AttemptsMade,
		Stacktrace:        msg.Stacktrace,
		MovedAt:           now.UnixMilli(),
		OriginalTimestamp: msg.Timestamp,
		Opts:              msg.Opts,
	}
	encoded, err := base.EncodeDeadLetterRecord(rec)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode dead-letter record: %v", err))
	}
	removeFlag := "0"
	if removeFromFailed {
		removeFlag = "1"
	}
	keys := []string{base.FailedKey(msg.Queue), base.DeadLetterKey(msg.Queue), base.DeadLetterJobKey(msg.Queue, msg.ID), base.JobKey(msg.Queue, msg.ID)}
	return r.runScript(ctx, op, moveToDeadLetterCmd, keys, msg.ID, encoded, removeFlag)
}

// republishFromDeadLetterCmd removes a job's dead-letter record and pushes
// it back onto waiting, optionally resetting attempts_made to zero.
//
// KEYS[1] -> dead-letter list
// KEYS[2] -> dead-letter:job:{id} hash
// KEYS[3] -> waiting list
// KEYS[4] -> job:{id} hash
// ARGV[1] -> job ID
// ARGV[2] -> encoded job message to reinstate
var republishFromDeadLetterCmd = redis.NewScript(`
local rec = redis.call("GET", KEYS[2])
if not rec then
	return redis.error_reply("NOT FOUND")
end
redis.call("LREM", KEYS[1], 0, ARGV[1])
redis.call("DEL", KEYS[2])
redis.call("HSET", KEYS[4], "msg", ARGV[2], "state", "waiting")
redis.call("RPUSH", KEYS[3], ARGV[1])
return rec
`)

// RepublishFromDeadLetter moves a dead-lettered job back onto waiting.
func (r *RDB) RepublishFromDeadLetter(ctx context.Context, qname, id string, resetRetries bool) (*base.JobMessage, error) {
	var op errors.Op = "rdb.RepublishFromDeadLetter"
	raw, err := r.client.Get(ctx, base.DeadLetterJobKey(qname, id)).Result()
	if err != nil {
		return nil, errors.E(op, errors.NotFound, errors.ErrJobNotFound)
	}
	rec, err := base.DecodeDeadLetterRecord([]byte(raw))
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode dead-letter record: %v", err))
	}
	msg := &base.JobMessage{
		ID:           id,
		Queue:        qname,
		Data:         rec.Data,
		Opts:         rec.Opts,
		Timestamp:    rec.OriginalTimestamp,
		Stacktrace:   rec.Stacktrace,
		FailedReason: rec.FailedReason,
	}
	if resetRetries {
		msg.AttemptsMade = 0
	} else {
		msg.AttemptsMade = rec.AttemptsMade
	}
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{base.DeadLetterKey(qname), base.DeadLetterJobKey(qname, id), base.WaitingKey(qname), base.JobKey(qname, id)}
	if err := r.runScript(ctx, op, republishFromDeadLetterCmd, keys, id, encoded); err != nil {
		return nil, err
	}
	return msg, nil
}

// DeadLetterJobs returns the dead-letter records between start and stop
// (inclusive, 0-indexed, -1 meaning "to the end" as with Redis LRANGE).
func (r *RDB) DeadLetterJobs(ctx context.Context, qname string, start, stop int64) ([]*base.DeadLetterRecord, error) {
	var op errors.Op = "rdb.DeadLetterJobs"
	ids, err := r.client.LRange(ctx, base.DeadLetterKey(qname), start, stop).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "lrange", Err: err})
	}
	out := make([]*base.DeadLetterRecord, 0, len(ids))
	for _, id := range ids {
		raw, err := r.client.Get(ctx, base.DeadLetterJobKey(qname, id)).Result()
		if err != nil {
			continue
		}
		rec, err := base.DecodeDeadLetterRecord([]byte(raw))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// removeDeadLetterJobCmd deletes one job's dead-letter record and list
// entry.
//
// KEYS[1] -> dead-letter list
// KEYS[2] -> dead-letter:job:{id} hash
// KEYS[3] -> job:{id} hash
// ARGV[1] -> job ID
var removeDeadLetterJobCmd = redis.NewScript(`
redis.call("LREM", KEYS[1], 0, ARGV[1])
redis.call("DEL", KEYS[2])
redis.call("DEL", KEYS[3])
return redis.status_reply("OK")
`)

// RemoveDeadLetterJob permanently deletes a dead-lettered job.
func (r *RDB) RemoveDeadLetterJob(ctx context.Context, qname, id string) error {
	var op errors.Op = "rdb.RemoveDeadLetterJob"
	keys := []string{base.DeadLetterKey(qname), base.DeadLetterJobKey(qname, id), base.JobKey(qname, id)}
	return r.runScript(ctx, op, removeDeadLetterJobCmd, keys, id)
}

// ClearDeadLetter deletes every job record in a queue's dead-letter list.
func (r *RDB) ClearDeadLetter(ctx context.Context, qname string) error {
	var op errors.Op = "rdb.ClearDeadLetter"
	ids, err := r.client.LRange(ctx, base.DeadLetterKey(qname), 0, -1).Result()
	if err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "lrange", Err: err})
	}
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, base.DeadLetterJobKey(qname, id))
		pipe.Del(ctx, base.JobKey(qname, id))
	}
	pipe.Del(ctx, base.DeadLetterKey(qname))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "pipeline", Err: err})
	}
	return nil
}
