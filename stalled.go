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
	"github.com/relaytask/relayq/internal/timeutil"
	"github.com/relaytask/relayq/lock"
)

// stalledChecker recovers jobs whose worker crashed or hung mid-handler
// (spec.md §4.8). A job is stalled if it has sat in active longer than
// stalledThreshold; the checker only acts on jobs it can momentarily lock,
// so it never races a worker that is still finalizing the same job.
type stalledChecker struct {
	logger *log.Logger
	broker base.Broker
	locks  *lock.Manager
	clock  timeutil.Clock
	events *Emitter

	done chan struct{}

	queues             []string
	interval           time.Duration
	stalledThreshold   time.Duration
	maxStalledRetries  int
}

type stalledCheckerParams struct {
	logger            *log.Logger
	broker            base.Broker
	locks             *lock.Manager
	clock             timeutil.Clock
	events            *Emitter
	queues            []string
	interval          time.Duration
	stalledThreshold  time.Duration
	maxStalledRetries int
}

func newStalledChecker(params stalledCheckerParams) *stalledChecker {
	return &stalledChecker{
		logger:            params.logger,
		broker:            params.broker,
		locks:             params.locks,
		clock:             params.clock,
		events:            params.events,
		done:              make(chan struct{}),
		queues:            params.queues,
		interval:          params.interval,
		stalledThreshold:  params.stalledThreshold,
		maxStalledRetries: params.maxStalledRetries,
	}
}

func (c *stalledChecker) shutdown() {
	c.logger.Debug("Stalled checker shutting down...")
	c.done <- struct{}{}
}

func (c *stalledChecker) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(c.interval)
		for {
			select {
			case <-c.done:
				c.logger.Debug("Stalled checker done")
				timer.Stop()
				return
			case <-timer.C:
				c.exec()
				timer.Reset(c.interval)
			}
		}
	}()
}

func (c *stalledChecker) exec() {
	ctx := context.Background()
	now := c.clock.Now()
	for _, qname := range c.queues {
		active, err := c.broker.ListActive(ctx, qname)
		if err != nil {
			c.logger.Errorf("Failed to list active jobs in queue %q: %v", qname, err)
			continue
		}
		for _, msg := range active {
			if msg.ProcessedOn == 0 {
				continue
			}
			age := now.Sub(time.UnixMilli(msg.ProcessedOn))
			if age <= c.stalledThreshold {
				continue
			}
			c.recover(ctx, msg)
		}
	}
}

func (c *stalledChecker) recover(ctx context.Context, msg *base.JobMessage) {
	// A worker still finalizing this job holds its lock; skip rather than
	// race it for ownership of the active -> {waiting,failed} transition.
	held, err := c.locks.IsLocked(ctx, msg.ID)
	if err != nil {
		c.logger.Errorf("Failed to check lock for stalled job %q: %v", msg.ID, err)
		return
	}
	if held {
		return
	}

	if msg.AttemptsMade < c.maxStalledRetries {
		if err := c.broker.RequeueStalled(ctx, msg); err != nil {
			c.logger.Errorf("Failed to requeue stalled job %q: %v", msg.ID, err)
			return
		}
		c.events.emit(EventJobStalled, jobFromMessage(msg))
		return
	}
	if err := c.broker.FailStalled(ctx, msg); err != nil {
		c.logger.Errorf("Failed to fail stalled job %q: %v", msg.ID, err)
	}
}
