// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package lock implements the distributed lock primitive relayq's worker
// loop uses to guarantee that only one worker transitions a given job out
// of active at a time. It follows the same conditional-set-then-Lua-CAS
// shape internal/rdb uses for every other check-and-act operation.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relaytask/relayq/idgen"
	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/errors"
	"github.com/relaytask/relayq/internal/log"
)

// Options configures a single Acquire call (spec.md §6 distributed-lock
// options).
type Options struct {
	Duration      time.Duration
	Retries       int
	RetryDelay    time.Duration
	AutoExtend    bool
	ExtendInterval time.Duration
}

const defaultDuration = 30 * time.Second

func (o Options) withDefaults() Options {
	if o.Duration <= 0 {
		o.Duration = defaultDuration
	}
	if o.ExtendInterval <= 0 {
		o.ExtendInterval = (o.Duration * 2) / 3
	}
	return o
}

// releaseCmd deletes a lock key iff its value matches token.
var releaseCmd = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendCmd refreshes a lock key's TTL iff its value matches token.
var extendCmd = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Manager acquires and releases locks against a shared Redis client.
type Manager struct {
	client redis.UniversalClient
	logger *log.Logger

	mu       sync.Mutex
	registry map[*Lock]context.CancelFunc
}

// NewManager returns a Manager backed by client.
func NewManager(client redis.UniversalClient, logger *log.Logger) *Manager {
	return &Manager{client: client, logger: logger, registry: make(map[*Lock]context.CancelFunc)}
}

// Lock represents a held lock. Release must be called exactly once.
type Lock struct {
	mgr      *Manager
	resource string
	token    string
}

// Acquire attempts to take the lock on resource, retrying per opts. Returns
// nil, nil if every attempt failed without error (lock busy).
func (m *Manager) Acquire(ctx context.Context, resource string, opts Options) (*Lock, error) {
	var op errors.Op = "lock.Acquire"
	opts = opts.withDefaults()
	key := base.LockKey(resource)
	token := idgen.NewLockToken()

	attempt := func() (bool, error) {
		ok, err := m.client.SetNX(ctx, key, token, opts.Duration).Result()
		if err != nil {
			return false, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "setnx", Err: err})
		}
		return ok, nil
	}

	ok, err := attempt()
	if err != nil {
		return nil, err
	}
	for i := 0; !ok && i < opts.Retries; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryDelay):
		}
		ok, err = attempt()
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, nil
	}

	l := &Lock{mgr: m, resource: resource, token: token}
	if opts.AutoExtend {
		m.startAutoExtend(l, opts)
	}
	return l, nil
}

func (m *Manager) startAutoExtend(l *Lock, opts Options) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.registry[l] = cancel
	m.mu.Unlock()
	go func() {
		ticker := time.NewTicker(opts.ExtendInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := m.extend(context.Background(), l.resource, l.token, opts.Duration)
				if err != nil || !ok {
					if m.logger != nil {
						m.logger.Debugf("lock: auto-extend stopped for %q (lost or errored: %v)", l.resource, err)
					}
					return
				}
			}
		}
	}()
}

func (m *Manager) extend(ctx context.Context, resource, token string, duration time.Duration) (bool, error) {
	var op errors.Op = "lock.extend"
	key := base.LockKey(resource)
	n, err := extendCmd.Run(ctx, m.client, []string{key}, token, duration.Milliseconds()).Int64()
	if err != nil {
		return false, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "eval", Err: err})
	}
	return n == 1, nil
}

// Extend refreshes l's TTL. Returns false if l is no longer held.
func (l *Lock) Extend(ctx context.Context, duration time.Duration) (bool, error) {
	return l.mgr.extend(ctx, l.resource, l.token, duration)
}

// Release gives up l. Safe to call even if the lock already expired; in
// that case it changes nothing in Redis and returns false with an error
// wrapping ErrLockNotHeld.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	var op errors.Op = "lock.Release"
	l.mgr.mu.Lock()
	if cancel, ok := l.mgr.registry[l]; ok {
		cancel()
		delete(l.mgr.registry, l)
	}
	l.mgr.mu.Unlock()

	key := base.LockKey(l.resource)
	n, err := releaseCmd.Run(ctx, l.mgr.client, []string{key}, l.token).Int64()
	if err != nil {
		return false, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "eval", Err: err})
	}
	if n == 0 {
		return false, errors.E(op, errors.FailedPrecondition, errors.ErrLockNotHeld)
	}
	return true, nil
}

// IsLocked reports whether resource is currently held by anyone.
func (m *Manager) IsLocked(ctx context.Context, resource string) (bool, error) {
	var op errors.Op = "lock.IsLocked"
	n, err := m.client.Exists(ctx, base.LockKey(resource)).Result()
	if err != nil {
		return false, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "exists", Err: err})
	}
	return n == 1, nil
}

// WithLock acquires resource, runs fn, and releases the lock on every exit
// path (spec.md §4.2 withLock).
func (m *Manager) WithLock(ctx context.Context, resource string, opts Options, fn func(ctx context.Context) error) error {
	l, err := m.Acquire(ctx, resource, opts)
	if err != nil {
		return err
	}
	if l == nil {
		return errors.E(errors.Op("lock.WithLock"), errors.FailedPrecondition, errors.ErrLockNotHeld)
	}
	defer l.Release(context.Background())
	return fn(ctx)
}
