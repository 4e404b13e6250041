// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"

	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/errors"
)

// Pause sets the pause flag checked by dequeueCmd, so new dequeues stop
// immediately; jobs already active continue to run to completion
// (spec.md §4.10).
func (r *RDB) Pause(ctx context.Context, qname string) error {
	var op errors.Op = "rdb.Pause"
	if err := r.client.Set(ctx, base.PauseFlagKey(qname), "1", 0).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "set", Err: err})
	}
	return nil
}

// Resume clears the pause flag.
func (r *RDB) Resume(ctx context.Context, qname string) error {
	var op errors.Op = "rdb.Resume"
	if err := r.client.Del(ctx, base.PauseFlagKey(qname)).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "del", Err: err})
	}
	return nil
}

// IsPaused reports whether qname is currently paused.
func (r *RDB) IsPaused(ctx context.Context, qname string) (bool, error) {
	var op errors.Op = "rdb.IsPaused"
	n, err := r.client.Exists(ctx, base.PauseFlagKey(qname)).Result()
	if err != nil {
		return false, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "exists", Err: err})
	}
	return n == 1, nil
}
