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

// cleaner is responsible for periodically trimming completed and failed
// jobs by age and count (spec.md §4.9). It is only run by the instance
// currently holding leadership (see leader.go), since trimming is a
// cluster-singleton concern.
type cleaner struct {
	logger *log.Logger
	broker base.Broker

	done chan struct{}

	queues []string

	interval time.Duration

	completedMaxAge time.Duration
	completedCap    int
	failedMaxAge    time.Duration
	failedCap       int
}

type cleanerParams struct {
	logger          *log.Logger
	broker          base.Broker
	queues          []string
	interval        time.Duration
	completedMaxAge time.Duration
	completedCap    int
	failedMaxAge    time.Duration
	failedCap       int
}

func newCleaner(params cleanerParams) *cleaner {
	return &cleaner{
		logger:          params.logger,
		broker:          params.broker,
		done:            make(chan struct{}),
		queues:          params.queues,
		interval:        params.interval,
		completedMaxAge: params.completedMaxAge,
		completedCap:    params.completedCap,
		failedMaxAge:    params.failedMaxAge,
		failedCap:       params.failedCap,
	}
}

func (c *cleaner) shutdown() {
	c.logger.Debug("Cleaner shutting down...")
	c.done <- struct{}{}
}

func (c *cleaner) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(c.interval)
		for {
			select {
			case <-c.done:
				c.logger.Debug("Cleaner done")
				timer.Stop()
				return
			case <-timer.C:
				c.exec()
				timer.Reset(c.interval)
			}
		}
	}()
}

func (c *cleaner) exec() {
	ctx := context.Background()
	for _, qname := range c.queues {
		if n, err := c.broker.CleanupCompleted(ctx, qname, c.completedMaxAge, c.completedCap); err != nil {
			c.logger.Errorf("Failed to clean up completed jobs in queue %q: %v", qname, err)
		} else if n > 0 {
			c.logger.Debugf("Removed %d completed job(s) from queue %q", n, qname)
		}
		if n, err := c.broker.CleanupFailed(ctx, qname, c.failedMaxAge, c.failedCap); err != nil {
			c.logger.Errorf("Failed to clean up failed jobs in queue %q: %v", qname, err)
		} else if n > 0 {
			c.logger.Debugf("Removed %d failed job(s) from queue %q", n, qname)
		}
	}
}
