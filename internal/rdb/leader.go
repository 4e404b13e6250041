// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/errors"
)

func leaderValue(instanceID string, since time.Time) string {
	return instanceID + ":" + strconv.FormatInt(since.UnixMilli(), 10)
}

func parseLeaderValue(v string) (instanceID string, since time.Time, ok bool) {
	idx := strings.LastIndex(v, ":")
	if idx < 0 {
		return "", time.Time{}, false
	}
	ms, err := strconv.ParseInt(v[idx+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return v[:idx], time.UnixMilli(ms), true
}

// AcquireLeader attempts to become leader via SET NX PX. Returns true if
// this instance is now leader.
func (r *RDB) AcquireLeader(ctx context.Context, instanceID string, ttl time.Duration) (bool, error) {
	var op errors.Op = "rdb.AcquireLeader"
	ok, err := r.client.SetNX(ctx, base.LeaderKey, leaderValue(instanceID, r.clock.Now()), ttl).Result()
	if err != nil {
		return false, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "setnx", Err: err})
	}
	return ok, nil
}

// renewLeaderCmd extends the leader key's TTL only if it is currently held
// by instanceID, preventing a stale renewal from resurrecting a lease lost
// to another instance.
//
// KEYS[1] -> leader key
// ARGV[1] -> instance ID
// ARGV[2] -> new value (instanceID:nowMs)
// ARGV[3] -> ttl milliseconds
var renewLeaderCmd = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	return 0
end
local sep = string.find(current, ":[^:]*$")
local holder = string.sub(current, 1, sep - 1)
if holder ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// RenewLeader extends the leadership lease if instanceID is still the
// holder. Returns false if leadership was lost.
func (r *RDB) RenewLeader(ctx context.Context, instanceID string, ttl time.Duration) (bool, error) {
	var op errors.Op = "rdb.RenewLeader"
	n, err := r.runScriptInt(ctx, op, renewLeaderCmd, []string{base.LeaderKey},
		instanceID, leaderValue(instanceID, r.clock.Now()), ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReadLeader returns the current leader's instance ID and the time it
// acquired leadership. Returns an empty instanceID and zero time if there
// is no leader.
func (r *RDB) ReadLeader(ctx context.Context) (string, time.Time, error) {
	var op errors.Op = "rdb.ReadLeader"
	v, err := r.client.Get(ctx, base.LeaderKey).Result()
	if err == redis.Nil {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "get", Err: err})
	}
	id, since, ok := parseLeaderValue(v)
	if !ok {
		return "", time.Time{}, errors.E(op, errors.Internal, fmt.Sprintf("malformed leader value %q", v))
	}
	return id, since, nil
}

// releaseLeaderCmd deletes the leader key only if instanceID currently
// holds it.
//
// KEYS[1] -> leader key
// ARGV[1] -> instance ID
var releaseLeaderCmd = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	return 0
end
local sep = string.find(current, ":[^:]*$")
local holder = string.sub(current, 1, sep - 1)
if holder ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

// ReleaseLeader gives up leadership if instanceID currently holds it.
func (r *RDB) ReleaseLeader(ctx context.Context, instanceID string) error {
	var op errors.Op = "rdb.ReleaseLeader"
	_, err := r.runScriptInt(ctx, op, releaseLeaderCmd, []string{base.LeaderKey}, instanceID)
	return err
}
