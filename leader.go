// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"sync"
	"time"

	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/log"
)

// leaderState is the election state of one instance (spec.md §4.13).
type leaderState int

const (
	leaderStateFollower leaderState = iota
	leaderStateCandidate
	leaderStateLeader
)

// leaderElector runs the follower -> candidate -> leader -> follower state
// machine used to pick the single instance that may run cluster-singleton
// tasks such as cleanup and cron advancement.
type leaderElector struct {
	logger     *log.Logger
	broker     base.Broker
	instanceID string

	leaderTimeout     time.Duration
	heartbeatInterval time.Duration

	onBecomeLeader    func()
	onLeadershipLost  func()

	mu    sync.Mutex
	state leaderState

	done chan struct{}
}

type leaderElectorParams struct {
	logger            *log.Logger
	broker            base.Broker
	instanceID        string
	leaderTimeout     time.Duration
	heartbeatInterval time.Duration
	onBecomeLeader    func()
	onLeadershipLost  func()
}

func newLeaderElector(p leaderElectorParams) *leaderElector {
	return &leaderElector{
		logger:            p.logger,
		broker:            p.broker,
		instanceID:        p.instanceID,
		leaderTimeout:     p.leaderTimeout,
		heartbeatInterval: p.heartbeatInterval,
		onBecomeLeader:    p.onBecomeLeader,
		onLeadershipLost:  p.onLeadershipLost,
		state:             leaderStateFollower,
		done:              make(chan struct{}),
	}
}

func (e *leaderElector) isLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == leaderStateLeader
}

func (e *leaderElector) shutdown() {
	e.logger.Debug("Leader elector shutting down...")
	e.done <- struct{}{}
}

// start launches the watchdog timer (always running) and the heartbeat
// timer (only ticks meaningfully while this instance is leader).
func (e *leaderElector) start(wg *sync.WaitGroup) {
	heartbeat := e.heartbeatInterval / 3
	if heartbeat < time.Second {
		heartbeat = time.Second
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		watchdog := time.NewTicker(e.heartbeatInterval)
		hb := time.NewTicker(heartbeat)
		defer watchdog.Stop()
		defer hb.Stop()
		for {
			select {
			case <-e.done:
				e.stepDown(context.Background())
				e.logger.Debug("Leader elector done")
				return
			case <-watchdog.C:
				e.watch(context.Background())
			case <-hb.C:
				e.heartbeatTick(context.Background())
			}
		}
	}()
}

// watch implements the watchdog timer: attempt to become leader if the
// leader key is absent or expired.
func (e *leaderElector) watch(ctx context.Context) {
	e.mu.Lock()
	wasLeader := e.state == leaderStateLeader
	e.mu.Unlock()

	if wasLeader {
		// Confirm we still own the key; a failed heartbeat may have let
		// someone else take over between ticks.
		id, since, err := e.broker.ReadLeader(ctx)
		if err != nil {
			e.logger.Errorf("leader: failed to read leader key: %v", err)
			return
		}
		if id != e.instanceID || time.Since(since) > e.leaderTimeout {
			e.transitionToFollower()
		}
		return
	}

	id, since, err := e.broker.ReadLeader(ctx)
	if err != nil {
		e.logger.Errorf("leader: failed to read leader key: %v", err)
		return
	}
	if id != "" && time.Since(since) <= e.leaderTimeout {
		return // someone else holds a live lease
	}

	e.mu.Lock()
	e.state = leaderStateCandidate
	e.mu.Unlock()

	acquired, err := e.broker.AcquireLeader(ctx, e.instanceID, e.leaderTimeout)
	if err != nil {
		e.logger.Errorf("leader: failed to acquire leadership: %v", err)
		e.transitionToFollower()
		return
	}
	if !acquired {
		e.transitionToFollower()
		return
	}
	e.transitionToLeader()
}

func (e *leaderElector) heartbeatTick(ctx context.Context) {
	e.mu.Lock()
	isLeader := e.state == leaderStateLeader
	e.mu.Unlock()
	if !isLeader {
		return
	}
	renewed, err := e.broker.RenewLeader(ctx, e.instanceID, e.leaderTimeout)
	if err != nil || !renewed {
		if err != nil {
			e.logger.Errorf("leader: failed to renew leadership: %v", err)
		}
		e.transitionToFollower()
	}
}

func (e *leaderElector) transitionToLeader() {
	e.mu.Lock()
	already := e.state == leaderStateLeader
	e.state = leaderStateLeader
	e.mu.Unlock()
	if !already {
		e.logger.Infof("leader: %s became leader", e.instanceID)
		if e.onBecomeLeader != nil {
			e.onBecomeLeader()
		}
	}
}

func (e *leaderElector) transitionToFollower() {
	e.mu.Lock()
	was := e.state
	e.state = leaderStateFollower
	e.mu.Unlock()
	if was == leaderStateLeader {
		e.logger.Infof("leader: %s lost leadership", e.instanceID)
		if e.onLeadershipLost != nil {
			e.onLeadershipLost()
		}
	}
}

// stepDown releases leadership, if held, and returns to follower.
func (e *leaderElector) stepDown(ctx context.Context) {
	e.mu.Lock()
	was := e.state
	e.mu.Unlock()
	if was != leaderStateLeader {
		return
	}
	if err := e.broker.ReleaseLeader(ctx, e.instanceID); err != nil {
		e.logger.Errorf("leader: failed to release leadership: %v", err)
	}
	e.transitionToFollower()
}
