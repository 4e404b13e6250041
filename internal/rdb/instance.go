// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/errors"
	"github.com/spf13/cast"
)

// WriteInstanceState upserts info's registration record with a heartbeat
// TTL, and records it in the all-instances index scored by its deadline so
// ReadInstances can cheaply evict stale entries (spec.md §5, work
// coordinator).
func (r *RDB) WriteInstanceState(ctx context.Context, info *base.InstanceInfo, ttl time.Duration) error {
	var op errors.Op = "rdb.WriteInstanceState"
	encoded, err := base.EncodeInstanceInfo(info)
	if err != nil {
		return errors.E(op, errors.Internal, err)
	}
	key := base.InstanceKey(info.ID)
	deadline := r.clock.Now().Add(ttl)
	pipe := r.client.Pipeline()
	pipe.Set(ctx, key, encoded, ttl)
	pipe.ZAdd(ctx, base.AllInstances, redis.Z{Score: float64(deadline.UnixMilli()), Member: info.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "pipeline", Err: err})
	}
	return nil
}

// ReadInstances returns every instance whose registration has not expired,
// evicting stale index entries for instances whose key already expired.
func (r *RDB) ReadInstances(ctx context.Context) ([]*base.InstanceInfo, error) {
	var op errors.Op = "rdb.ReadInstances"
	ids, err := r.client.ZRangeByScore(ctx, base.AllInstances, &redis.ZRangeBy{
		Min: cast.ToString(r.clock.Now().UnixMilli()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "zrangebyscore", Err: err})
	}
	out := make([]*base.InstanceInfo, 0, len(ids))
	var stale []string
	for _, id := range ids {
		raw, err := r.client.Get(ctx, base.InstanceKey(id)).Result()
		if err != nil {
			stale = append(stale, id)
			continue
		}
		info, err := base.DecodeInstanceInfo([]byte(raw))
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	if len(stale) > 0 {
		r.client.ZRem(ctx, base.AllInstances, stale)
	}
	return out, nil
}

// RemoveInstance deletes an instance's registration immediately, used on
// graceful shutdown so the work coordinator redistributes its share of
// workers without waiting for the heartbeat to expire.
func (r *RDB) RemoveInstance(ctx context.Context, instanceID string) error {
	var op errors.Op = "rdb.RemoveInstance"
	pipe := r.client.Pipeline()
	pipe.Del(ctx, base.InstanceKey(instanceID))
	pipe.ZRem(ctx, base.AllInstances, instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "pipeline", Err: err})
	}
	return nil
}
