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

// promoter periodically moves ready delayed jobs into waiting and drains
// priority levels into waiting (spec.md §4.5, §4.12). Priority pumping runs
// on its own, much faster, timer than delayed-job promotion, since it sits
// directly in the critical path of the worker loop's dispatch order.
type promoter struct {
	logger *log.Logger
	broker base.Broker

	done         chan struct{}
	pumpDone     chan struct{}

	queues         []string
	priorityLevels map[string]int // queue name -> levels, 0 if not a priority queue

	interval     time.Duration
	pumpInterval time.Duration
}

type promoterParams struct {
	logger         *log.Logger
	broker         base.Broker
	queues         []string
	priorityLevels map[string]int
	interval       time.Duration
	pumpInterval   time.Duration
}

const defaultPumpInterval = 25 * time.Millisecond

func newPromoter(params promoterParams) *promoter {
	pumpInterval := params.pumpInterval
	if pumpInterval <= 0 {
		pumpInterval = defaultPumpInterval
	}
	return &promoter{
		logger:         params.logger,
		broker:         params.broker,
		done:           make(chan struct{}),
		pumpDone:       make(chan struct{}),
		queues:         params.queues,
		priorityLevels: params.priorityLevels,
		interval:       params.interval,
		pumpInterval:   pumpInterval,
	}
}

func (p *promoter) shutdown() {
	p.logger.Debug("Promoter shutting down...")
	p.done <- struct{}{}
	if p.hasPriorityQueues() {
		p.pumpDone <- struct{}{}
	}
}

func (p *promoter) hasPriorityQueues() bool {
	for _, qname := range p.queues {
		if p.priorityLevels[qname] > 0 {
			return true
		}
	}
	return false
}

func (p *promoter) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(p.interval)
		for {
			select {
			case <-p.done:
				p.logger.Debug("Promoter done")
				timer.Stop()
				return
			case <-timer.C:
				p.promoteDelayed()
				timer.Reset(p.interval)
			}
		}
	}()

	if !p.hasPriorityQueues() {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(p.pumpInterval)
		for {
			select {
			case <-p.pumpDone:
				p.logger.Debug("Priority pump done")
				timer.Stop()
				return
			case <-timer.C:
				p.pumpPriority()
				timer.Reset(p.pumpInterval)
			}
		}
	}()
}

func (p *promoter) exec() {
	p.promoteDelayed()
	p.pumpPriority()
}

func (p *promoter) promoteDelayed() {
	for _, qname := range p.queues {
		if n, err := p.broker.PromoteDelayed(context.Background(), qname); err != nil {
			p.logger.Errorf("Failed to promote delayed jobs in queue %q: %v", qname, err)
		} else if n > 0 {
			p.logger.Debugf("Promoted %d delayed job(s) in queue %q", n, qname)
		}
	}
}

func (p *promoter) pumpPriority() {
	for _, qname := range p.queues {
		levels := p.priorityLevels[qname]
		if levels <= 0 {
			continue
		}
		if _, err := p.broker.PumpPriority(context.Background(), qname, levels); err != nil {
			p.logger.Errorf("Failed to pump priority levels in queue %q: %v", qname, err)
		}
	}
}
