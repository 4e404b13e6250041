// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"time"

	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/errors"
)

// WriteSchedulerEntries persists the live entry set for schedulerID with a
// TTL, mirroring the teacher's writeSchedulerEntriesCmd: a scheduler that
// crashes without clearing its entries stops advertising them once the TTL
// lapses, rather than leaving stale cron entries visible forever.
func (r *RDB) WriteSchedulerEntries(ctx context.Context, schedulerID string, entries []*base.SchedulerEntry, ttl time.Duration) error {
	var op errors.Op = "rdb.WriteSchedulerEntries"
	key := base.SchedulerEntriesKey(schedulerID)
	pipe := r.client.Pipeline()
	pipe.Del(ctx, key)
	for _, e := range entries {
		encoded, err := base.EncodeSchedulerEntry(e)
		if err != nil {
			return errors.E(op, errors.Internal, err)
		}
		pipe.HSet(ctx, key, e.ID, encoded)
	}
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "pipeline", Err: err})
	}
	return nil
}

// RecordSchedulerEnqueueEvent appends a firing event to entryID's bounded
// history list, trimming to the most recent 1000 events.
func (r *RDB) RecordSchedulerEnqueueEvent(ctx context.Context, entryID string, event *base.SchedulerEnqueueEvent) error {
	var op errors.Op = "rdb.RecordSchedulerEnqueueEvent"
	encoded, err := base.EncodeSchedulerEnqueueEvent(event)
	if err != nil {
		return errors.E(op, errors.Internal, err)
	}
	key := base.SchedulerHistoryKey(entryID)
	pipe := r.client.Pipeline()
	pipe.LPush(ctx, key, encoded)
	pipe.LTrim(ctx, key, 0, 999)
	pipe.Expire(ctx, key, statsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "pipeline", Err: err})
	}
	return nil
}

// Publish broadcasts payload on channel, used by events.go to relay job
// events to other instances (spec.md §5 events, supplemented).
func (r *RDB) Publish(ctx context.Context, channel, payload string) error {
	var op errors.Op = "rdb.Publish"
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "publish", Err: err})
	}
	return nil
}
