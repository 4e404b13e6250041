// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"

	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/errors"
)

// GetJob fetches a single job's message and current state.
func (r *RDB) GetJob(ctx context.Context, qname, id string) (*base.JobMessage, base.JobState, error) {
	var op errors.Op = "rdb.GetJob"
	vals, err := r.client.HMGet(ctx, base.JobKey(qname, id), "msg", "state").Result()
	if err != nil {
		return nil, 0, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "hmget", Err: err})
	}
	if vals[0] == nil {
		return nil, 0, errors.E(op, errors.NotFound, errors.ErrJobNotFound)
	}
	msg, err := base.DecodeMessage([]byte(vals[0].(string)))
	if err != nil {
		return nil, 0, errors.E(op, errors.Internal, err)
	}
	state, err := base.JobStateFromString(vals[1].(string))
	if err != nil {
		return nil, 0, errors.E(op, errors.Internal, err)
	}
	return msg, state, nil
}

// stateKey returns the list or set backing a given JobState, or "" if that
// state isn't backed by a single flat container (waiting/delayed/
// dependency-wait use different access patterns but are still exposed via
// GetJobs for introspection).
func stateKey(qname string, state base.JobState) string {
	switch state {
	case base.JobStateActive:
		return base.ActiveKey(qname)
	case base.JobStateCompleted:
		return base.CompletedKey(qname)
	case base.JobStateFailed:
		return base.FailedKey(qname)
	case base.JobStatePaused:
		return base.PausedListKey(qname)
	}
	return ""
}

// GetJobs returns decoded messages for jobs in the given state, in the
// range [start, stop] (Redis LRANGE / ZRANGE semantics, -1 meaning "to the
// end"). Delayed and dependency-wait are read from their respective
// sorted-set / set containers. In priority mode (priorityLevels > 0),
// JobStateWaiting also unions every priority:{n} list, since a job still
// sitting in a priority level (not yet pumped) is logically waiting too
// (spec.md §4.6).
func (r *RDB) GetJobs(ctx context.Context, qname string, state base.JobState, start, stop int64, priorityLevels int) ([]*base.JobMessage, error) {
	var op errors.Op = "rdb.GetJobs"
	var ids []string
	var err error
	switch state {
	case base.JobStateDelayed:
		ids, err = r.client.ZRange(ctx, base.DelayedKey(qname), start, stop).Result()
	case base.JobStateDependencyWait:
		ids, err = r.client.SMembers(ctx, base.DependencyWaitKey(qname)).Result()
	case base.JobStateWaiting:
		ids, err = r.client.LRange(ctx, base.WaitingKey(qname), start, stop).Result()
		if err == nil && priorityLevels > 0 {
			for level := 0; level < priorityLevels; level++ {
				levelIDs, levelErr := r.client.LRange(ctx, base.PriorityKey(qname, level), 0, -1).Result()
				if levelErr != nil {
					err = levelErr
					break
				}
				ids = append(ids, levelIDs...)
			}
		}
	default:
		key := stateKey(qname, state)
		if key == "" {
			return nil, errors.E(op, errors.FailedPrecondition, "unsupported state for GetJobs")
		}
		ids, err = r.client.LRange(ctx, key, start, stop).Result()
	}
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "range", Err: err})
	}
	out := make([]*base.JobMessage, 0, len(ids))
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

// GetJobCounts returns the number of jobs in each state for qname.
func (r *RDB) GetJobCounts(ctx context.Context, qname string) (*base.JobCounts, error) {
	var op errors.Op = "rdb.GetJobCounts"
	pipe := r.client.Pipeline()
	waiting := pipe.LLen(ctx, base.WaitingKey(qname))
	active := pipe.LLen(ctx, base.ActiveKey(qname))
	completed := pipe.LLen(ctx, base.CompletedKey(qname))
	failed := pipe.LLen(ctx, base.FailedKey(qname))
	delayed := pipe.ZCard(ctx, base.DelayedKey(qname))
	paused := pipe.Exists(ctx, base.PauseFlagKey(qname))
	depWait := pipe.SCard(ctx, base.DependencyWaitKey(qname))
	deadLetter := pipe.LLen(ctx, base.DeadLetterKey(qname))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "pipeline", Err: err})
	}
	return &base.JobCounts{
		Waiting:        waiting.Val(),
		Active:         active.Val(),
		Completed:      completed.Val(),
		Failed:         failed.Val(),
		Delayed:        delayed.Val(),
		Paused:         paused.Val(),
		DependencyWait: depWait.Val(),
		DeadLetter:     deadLetter.Val(),
	}, nil
}
