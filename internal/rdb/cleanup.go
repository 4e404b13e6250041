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
)

// cleanupCmd trims a finished-job list down to at most cap entries, and
// removes any entry older than maxAgeCutoff (spec.md §4.12: age-based and
// count-based retention, whichever is more restrictive). A job whose
// opts.keep_jobs is true is exempt from both passes (spec.md §4.9, §6):
// it's skipped rather than evicted, so it survives its queue's normal
// retention policy. keep_jobs is read straight out of the "msg" hash field
// rather than a separate flag, since it's already there and every job
// mutation (Dequeue's re-encode, Complete, Fail, ...) keeps "msg" current.
//
// KEYS[1] -> list (completed or failed)
// ARGV[1] -> cap (0 = unbounded)
// ARGV[2] -> max age cutoff, unix ms (0 = unbounded)
// ARGV[3] -> job key prefix
var cleanupCmd = redis.NewScript(`
local function isKept(id)
	local encoded = redis.call("HGET", ARGV[3] .. id, "msg")
	if not encoded then
		return false
	end
	local ok, decoded = pcall(cjson.decode, encoded)
	return ok and decoded and decoded.opts and decoded.opts.keep_jobs == true
end

local cap = tonumber(ARGV[1])
local cutoff = tonumber(ARGV[2])
local removed = 0

if cap > 0 then
	local listLen = redis.call("LLEN", KEYS[1])
	local overflow = listLen - cap
	local scanned = 0
	while overflow > 0 and scanned < listLen do
		local id = redis.call("LINDEX", KEYS[1], 0)
		if not id then break end
		redis.call("LPOP", KEYS[1])
		if isKept(id) then
			-- can't evict; rotate to the tail so LINDEX(0) moves on to
			-- the next-oldest candidate.
			redis.call("RPUSH", KEYS[1], id)
		else
			redis.call("DEL", ARGV[3] .. id)
			removed = removed + 1
			overflow = overflow - 1
		end
		scanned = scanned + 1
	end
end

if cutoff > 0 then
	local listLen = redis.call("LLEN", KEYS[1])
	local idx = 0
	while idx < listLen do
		local id = redis.call("LINDEX", KEYS[1], idx)
		if not id then break end
		local finishedOnStr = redis.call("HGET", ARGV[3] .. id, "finished_on")
		local finishedOn = tonumber(finishedOnStr)
		if not finishedOn or finishedOn >= cutoff then
			break
		end
		if isKept(id) then
			idx = idx + 1
		else
			redis.call("LREM", KEYS[1], 1, id)
			redis.call("DEL", ARGV[3] .. id)
			removed = removed + 1
			listLen = listLen - 1
		end
	end
end

return removed
`)

// CleanupCompleted trims the completed list, removing anything older than
// maxAge and anything beyond cap most-recent entries.
func (r *RDB) CleanupCompleted(ctx context.Context, qname string, maxAge time.Duration, cap int) (int, error) {
	return r.cleanup(ctx, "rdb.CleanupCompleted", base.CompletedKey(qname), qname, maxAge, cap)
}

// CleanupFailed trims the failed list the same way.
func (r *RDB) CleanupFailed(ctx context.Context, qname string, maxAge time.Duration, cap int) (int, error) {
	return r.cleanup(ctx, "rdb.CleanupFailed", base.FailedKey(qname), qname, maxAge, cap)
}

func (r *RDB) cleanup(ctx context.Context, opName, listKey, qname string, maxAge time.Duration, cap int) (int, error) {
	op := errors.Op(opName)
	var cutoff int64
	if maxAge > 0 {
		cutoff = r.clock.Now().Add(-maxAge).UnixMilli()
	}
	n, err := r.runScriptInt(ctx, op, cleanupCmd, []string{listKey}, cap, cutoff, base.JobKeyPrefix(qname))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
