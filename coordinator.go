// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/log"
	"github.com/relaytask/relayq/internal/timeutil"
)

// coordinator implements the cluster-wide fair worker-count distribution
// described in spec.md §4.14. Every instance runs one; each independently
// recomputes the same distribution from the same instance snapshot and
// adopts only its own share, so no cross-instance coordination beyond
// reading the shared instance records is required.
type coordinator struct {
	logger     *log.Logger
	broker     base.Broker
	clock      timeutil.Clock
	instanceID string

	maxWorkers    int
	jobsPerWorker int
	pollInterval  time.Duration
	startedAt     time.Time

	onAdjust func(workers int)

	done chan struct{}
}

type coordinatorParams struct {
	logger        *log.Logger
	broker        base.Broker
	clock         timeutil.Clock
	instanceID    string
	maxWorkers    int
	jobsPerWorker int
	pollInterval  time.Duration
	onAdjust      func(workers int)
}

func newCoordinator(p coordinatorParams) *coordinator {
	return &coordinator{
		logger:        p.logger,
		broker:        p.broker,
		clock:         p.clock,
		instanceID:    p.instanceID,
		maxWorkers:    p.maxWorkers,
		jobsPerWorker: p.jobsPerWorker,
		pollInterval:  p.pollInterval,
		startedAt:     p.clock.Now(),
		onAdjust:      p.onAdjust,
		done:          make(chan struct{}),
	}
}

func (c *coordinator) shutdown(ctx context.Context) {
	c.logger.Debug("Coordinator shutting down...")
	c.done <- struct{}{}
	if err := c.broker.RemoveInstance(ctx, c.instanceID); err != nil {
		c.logger.Errorf("coordinator: failed to deregister instance %q: %v", c.instanceID, err)
	}
}

func (c *coordinator) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(c.pollInterval)
		for {
			select {
			case <-c.done:
				c.logger.Debug("Coordinator done")
				timer.Stop()
				return
			case <-timer.C:
				c.exec()
				timer.Reset(c.pollInterval)
			}
		}
	}()
}

func (c *coordinator) exec() {
	ctx := context.Background()

	ttl := c.pollInterval * 3

	// This write happens before distributeWorkers runs, so it must not
	// blindly zero WorkersAssigned: that would erase the share this
	// instance earned on its previous poll, every single cycle, before
	// ReadInstances below ever sees it. Carry the prior share forward
	// (or maxWorkers if this instance has never published one) instead,
	// otherwise sumAssigned collapses to 0 forever and onAdjust(0) latches
	// the dispatcher shut permanently.
	initialAssigned := c.maxWorkers
	if existing, err := c.broker.ReadInstances(ctx); err == nil {
		for _, inst := range existing {
			if inst.ID == c.instanceID {
				initialAssigned = inst.WorkersAssigned
				break
			}
		}
	}

	if err := c.broker.WriteInstanceState(ctx, &base.InstanceInfo{
		ID:              c.instanceID,
		MaxWorkers:      c.maxWorkers,
		JobsPerWorker:   c.jobsPerWorker,
		StartedAt:       c.startedAt,
		LastHeartbeat:   c.clock.Now(),
		WorkersAssigned: initialAssigned,
	}, ttl); err != nil {
		c.logger.Errorf("coordinator: failed to write instance state: %v", err)
		return
	}

	instances, err := c.broker.ReadInstances(ctx)
	if err != nil {
		c.logger.Errorf("coordinator: failed to read instances: %v", err)
		return
	}
	if len(instances) == 0 {
		return
	}

	shares := distributeWorkers(instances)
	share, ok := shares[c.instanceID]
	if !ok {
		return
	}

	if err := c.broker.WriteInstanceState(ctx, &base.InstanceInfo{
		ID:              c.instanceID,
		MaxWorkers:      c.maxWorkers,
		JobsPerWorker:   c.jobsPerWorker,
		StartedAt:       c.startedAt,
		LastHeartbeat:   c.clock.Now(),
		WorkersAssigned: share,
	}, ttl); err != nil {
		c.logger.Errorf("coordinator: failed to write assigned worker count: %v", err)
	}

	if c.onAdjust != nil {
		c.onAdjust(share)
	}
}

// distributeWorkers implements the two-pass fair distribution of
// spec.md §4.14 and returns each instance's new worker share keyed by
// instance ID.
func distributeWorkers(instances []*base.InstanceInfo) map[string]int {
	var sumAssigned, sumMax int
	for _, inst := range instances {
		sumAssigned += inst.WorkersAssigned
		sumMax += inst.MaxWorkers
	}
	totalTarget := sumAssigned
	if sumMax < totalTarget {
		totalTarget = sumMax
	}

	shares := make(map[string]int, len(instances))
	remainingTarget := totalTarget
	remainingCapacity := sumMax

	// First pass: proportional allocation in discovery order.
	for _, inst := range instances {
		if remainingCapacity <= 0 || remainingTarget <= 0 {
			shares[inst.ID] = 0
			continue
		}
		share := (inst.MaxWorkers * remainingTarget) / remainingCapacity
		if share > inst.MaxWorkers {
			share = inst.MaxWorkers
		}
		shares[inst.ID] = share
		remainingTarget -= share
		remainingCapacity -= inst.MaxWorkers
	}

	// Second pass: distribute the remainder one worker at a time to
	// whichever instance with spare capacity is currently least-loaded.
	for remainingTarget > 0 {
		candidates := make([]*base.InstanceInfo, 0, len(instances))
		for _, inst := range instances {
			if shares[inst.ID] < inst.MaxWorkers {
				candidates = append(candidates, inst)
			}
		}
		if len(candidates) == 0 {
			break
		}
		sort.Slice(candidates, func(i, j int) bool {
			ri := float64(shares[candidates[i].ID]) / float64(candidates[i].MaxWorkers)
			rj := float64(shares[candidates[j].ID]) / float64(candidates[j].MaxWorkers)
			if ri != rj {
				return ri < rj
			}
			return candidates[i].ID < candidates[j].ID
		})
		for _, inst := range candidates {
			if remainingTarget <= 0 {
				break
			}
			shares[inst.ID]++
			remainingTarget--
		}
	}

	return shares
}
