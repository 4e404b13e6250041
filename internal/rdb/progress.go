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

// UpdateProgress sets a job's progress field (0-100), returning the
// decoded message with the new value applied so callers can emit an event
// without a second round trip. It is not linearized against concurrent
// progress updates of the same job; callers are expected to report
// progress from the single worker goroutine holding the job's lock.
func (r *RDB) UpdateProgress(ctx context.Context, qname, id string, progress int) (*base.JobMessage, error) {
	var op errors.Op = "rdb.UpdateProgress"
	key := base.JobKey(qname, id)
	raw, err := r.client.HGet(ctx, key, "msg").Result()
	if err == redis.Nil {
		return nil, errors.E(op, errors.NotFound, errors.ErrJobNotFound)
	}
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "hget", Err: err})
	}
	msg, err := base.DecodeMessage([]byte(raw))
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	msg.Progress = progress
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	if err := r.client.HSet(ctx, key, "msg", encoded).Err(); err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "hset", Err: err})
	}
	return msg, nil
}
