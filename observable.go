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
)

// ObservableSnapshot is one poll's aggregate stats over an Observable's
// queue set (spec.md §3's Observable data model: "last snapshot").
type ObservableSnapshot struct {
	At     time.Time
	Queues map[string]*base.JobCounts
}

// Observable periodically polls a fixed set of queues and keeps the most
// recent aggregate snapshot, for dashboards or health checks that want a
// single cross-queue view instead of querying each Queue individually.
type Observable struct {
	id           string
	queues       []string
	broker       base.Broker
	events       *Emitter
	logger       *log.Logger
	clock        timeutil.Clock
	pollInterval time.Duration

	mu      sync.Mutex
	running bool
	last    *ObservableSnapshot
	done    chan struct{}
}

// NewObservable returns an Observable over the given queues. id identifies
// it in observableStarted/observableStopped events.
func NewObservable(id string, queues []string, broker base.Broker, events *Emitter, pollInterval time.Duration, logger *log.Logger) *Observable {
	if pollInterval <= 0 {
		pollInterval = defaultMetricsInterval
	}
	if logger == nil {
		logger = log.NewLogger(nil)
	}
	return &Observable{
		id:           id,
		queues:       queues,
		broker:       broker,
		events:       events,
		logger:       logger,
		clock:        timeutil.NewRealClock(),
		pollInterval: pollInterval,
	}
}

// ID returns the observable's identifier.
func (o *Observable) ID() string { return o.id }

// IsRunning reports whether the observable is currently polling.
func (o *Observable) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// LastSnapshot returns the most recent poll result, or nil before the
// first poll completes.
func (o *Observable) LastSnapshot() *ObservableSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Start begins polling on pollInterval and emits EventObservableStarted.
// Calling Start on an already-running Observable is a no-op.
func (o *Observable) Start(wg *sync.WaitGroup) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.done = make(chan struct{})
	done := o.done
	o.mu.Unlock()

	o.events.emit(EventObservableStarted, o.id)

	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(o.pollInterval)
		for {
			select {
			case <-done:
				timer.Stop()
				return
			case <-timer.C:
				o.poll()
				timer.Reset(o.pollInterval)
			}
		}
	}()
}

// Stop halts polling and emits EventObservableStopped. It is a no-op if
// the Observable isn't running.
func (o *Observable) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	done := o.done
	o.mu.Unlock()

	done <- struct{}{}
	o.events.emit(EventObservableStopped, o.id)
}

func (o *Observable) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap := &ObservableSnapshot{At: o.clock.Now(), Queues: make(map[string]*base.JobCounts, len(o.queues))}
	for _, qname := range o.queues {
		counts, err := o.broker.GetJobCounts(ctx, qname)
		if err != nil {
			o.logger.Errorf("observable %q: failed to poll queue %q: %v", o.id, qname, err)
			continue
		}
		snap.Queues[qname] = counts
	}

	o.mu.Lock()
	o.last = snap
	o.mu.Unlock()
}
