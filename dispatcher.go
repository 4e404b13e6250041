// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/log"
	"github.com/relaytask/relayq/internal/timeutil"
	"github.com/relaytask/relayq/lock"
)

// queueSelector picks which queue to poll next using weighted round-robin,
// so that given weights {critical:6, default:3, low:1} and all queues
// non-empty, critical is served roughly 6x as often as low.
type queueSelector struct {
	names    []string
	weights  []int
	counters []int
	total    int
}

func newQueueSelector(weights map[string]int) *queueSelector {
	s := &queueSelector{}
	for name, w := range weights {
		if w <= 0 {
			w = 1
		}
		s.names = append(s.names, name)
		s.weights = append(s.weights, w)
		s.counters = append(s.counters, 0)
		s.total += w
	}
	return s
}

// shares distributes n dispatch slots across the selector's queues
// proportional to weight: each queue first gets its whole-number share,
// then the leftover slots are handed out one at a time by smooth weighted
// round-robin, whose counters carry over between calls. Without this, a
// single saturated high-weight queue would claim every slot in a tick and
// starve its lower-weight siblings outright instead of merely outpacing
// them, even when a tick has fewer slots than there are queues.
func (s *queueSelector) shares(n int) map[string]int {
	shares := make(map[string]int, len(s.names))
	if n <= 0 || s.total <= 0 {
		return shares
	}
	remaining := n
	for i, name := range s.names {
		share := s.weights[i] * n / s.total
		shares[name] = share
		remaining -= share
	}
	for ; remaining > 0; remaining-- {
		best := 0
		for i := range s.names {
			s.counters[i] += s.weights[i]
			if s.counters[i] > s.counters[best] {
				best = i
			}
		}
		s.counters[best] -= s.total
		shares[s.names[best]]++
	}
	return shares
}

// order returns every queue name once, highest round-robin counter plus
// weight first (highest-weight first while the counters are equal), used
// to decide which queue's dequeue is attempted first within its share.
func (s *queueSelector) order() []string {
	type scored struct {
		name  string
		score int
	}
	scratch := make([]scored, len(s.names))
	counters := make([]int, len(s.counters))
	copy(counters, s.counters)
	for i := range s.names {
		counters[i] += s.weights[i]
		scratch[i] = scored{s.names[i], counters[i]}
	}
	out := make([]string, len(scratch))
	for i := range out {
		best := 0
		for j := 1; j < len(scratch); j++ {
			if scratch[j].score > scratch[best].score {
				best = j
			}
		}
		out[i] = scratch[best].name
		scratch[best].score = math.MinInt
	}
	return out
}

// dispatcher pulls jobs off waiting and runs them through Handler, bounded
// by concurrency (spec.md §4.7).
type dispatcher struct {
	logger  *log.Logger
	broker  base.Broker
	locks   *lock.Manager
	clock   timeutil.Clock
	events  *Emitter
	handler Handler
	sync    *syncer

	selector *queueSelector

	tickInterval    time.Duration
	shutdownTimeout time.Duration
	lockOpts        lock.Options
	disableLocks    bool

	concurrency int32 // current target, adjustable at runtime
	inFlight    int32

	done      chan struct{}
	quit      chan struct{}
	jobsWg    sync.WaitGroup
	baseCtxFn func() context.Context
}

type dispatcherParams struct {
	logger          *log.Logger
	broker          base.Broker
	locks           *lock.Manager
	clock           timeutil.Clock
	events          *Emitter
	handler         Handler
	sync            *syncer
	queueWeights    map[string]int
	concurrency     int
	tickInterval    time.Duration
	shutdownTimeout time.Duration
	disableLocks    bool
	baseCtxFn       func() context.Context
}

func newDispatcher(p dispatcherParams) *dispatcher {
	baseCtxFn := p.baseCtxFn
	if baseCtxFn == nil {
		baseCtxFn = context.Background
	}
	return &dispatcher{
		logger:          p.logger,
		broker:          p.broker,
		locks:           p.locks,
		clock:           p.clock,
		events:          p.events,
		handler:         p.handler,
		sync:            p.sync,
		selector:        newQueueSelector(p.queueWeights),
		tickInterval:    p.tickInterval,
		shutdownTimeout: p.shutdownTimeout,
		disableLocks:    p.disableLocks,
		lockOpts:        lock.Options{Duration: 30 * time.Second, Retries: 3, RetryDelay: 200 * time.Millisecond, AutoExtend: true},
		concurrency:     int32(p.concurrency),
		done:            make(chan struct{}),
		quit:            make(chan struct{}),
		baseCtxFn:       baseCtxFn,
	}
}

// adjustConcurrency updates the dispatch target without interrupting
// in-flight jobs (spec.md §4.7 "Concurrency adjustment").
func (d *dispatcher) adjustConcurrency(n int) {
	atomic.StoreInt32(&d.concurrency, int32(n))
}

func (d *dispatcher) shutdown(timeout time.Duration) {
	d.logger.Debug("Dispatcher shutting down...")
	d.done <- struct{}{}

	finished := make(chan struct{})
	go func() {
		d.jobsWg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(timeout):
		d.logger.Warnf("Dispatcher shutdown timed out after %s with jobs still in flight", timeout)
		close(d.quit)
	}
}

func (d *dispatcher) start(wg *sync.WaitGroup, paused func(qname string) bool) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.done:
				d.logger.Debug("Dispatcher done")
				return
			case <-ticker.C:
				d.tick(paused)
			}
		}
	}()
}

func (d *dispatcher) tick(paused func(qname string) bool) {
	slots := int(atomic.LoadInt32(&d.concurrency)) - int(atomic.LoadInt32(&d.inFlight))
	if slots <= 0 {
		return
	}
	shares := d.selector.shares(slots)
	for _, qname := range d.selector.order() {
		if slots <= 0 {
			return
		}
		n := shares[qname]
		if n > slots {
			n = slots
		}
		if n <= 0 {
			continue
		}
		if paused != nil && paused(qname) {
			continue
		}
		msgs, err := d.broker.Dequeue(context.Background(), qname, n)
		if err != nil {
			d.logger.Errorf("Failed to dequeue from %q: %v", qname, err)
			continue
		}
		for _, msg := range msgs {
			atomic.AddInt32(&d.inFlight, 1)
			slots--
			d.events.emit(EventJobActive, jobFromMessage(msg))
			d.jobsWg.Add(1)
			go d.run(msg)
		}
	}
}

func (d *dispatcher) run(msg *base.JobMessage) {
	defer d.jobsWg.Done()
	defer atomic.AddInt32(&d.inFlight, -1)

	ctx := d.baseCtxFn()
	if msg.Opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(msg.Opts.Timeout)*time.Millisecond)
		defer cancel()
	}

	var l *lock.Lock
	if !d.disableLocks {
		var err error
		l, err = d.locks.Acquire(ctx, msg.ID, d.lockOpts)
		if err != nil {
			d.logger.Errorf("Failed to acquire lock for job %q: %v", msg.ID, err)
			return
		}
		if l == nil {
			d.logger.Warnf("Could not acquire lock for job %q, skipping this cycle", msg.ID)
			return
		}
		defer l.Release(context.Background())
	}

	result, err := d.invokeHandler(ctx, msg)
	if err == nil {
		d.onSuccess(msg, result)
		return
	}
	d.onFailure(msg, err)
}

func (d *dispatcher) invokeHandler(ctx context.Context, msg *base.JobMessage) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic recovered in handler: %v\n%s", r, debug.Stack())
		}
	}()
	return d.handler.ProcessJob(ctx, jobFromMessage(msg))
}

func (d *dispatcher) onSuccess(msg *base.JobMessage, result []byte) {
	if err := d.broker.Complete(context.Background(), msg, result); err != nil {
		d.logger.Errorf("Failed to mark job %q completed: %v", msg.ID, err)
		if d.sync != nil {
			d.sync.sync(func() error { return d.broker.Complete(context.Background(), msg, result) },
				fmt.Sprintf("mark job %q completed", msg.ID))
		}
		return
	}
	job := jobFromMessage(msg)
	job.ReturnValue = result
	d.events.emit(EventJobCompleted, job)

	ids, err := d.broker.PromoteDependents(context.Background(), msg.Queue, msg.ID)
	if err != nil {
		d.logger.Errorf("Failed to promote dependents of job %q: %v", msg.ID, err)
		return
	}
	for _, id := range ids {
		d.logger.Debugf("Promoted dependent job %q after %q completed", id, msg.ID)
	}

	if msg.Opts.RemoveOnComplete {
		if err := d.broker.RemoveJob(context.Background(), msg.Queue, msg.ID); err != nil {
			d.logger.Errorf("Failed to remove completed job %q: %v", msg.ID, err)
		}
	}
}

func (d *dispatcher) onFailure(msg *base.JobMessage, handlerErr error) {
	ctx := context.Background()
	stackFrame := fmt.Sprintf("%v", handlerErr)
	updated, err := d.broker.Fail(ctx, msg, handlerErr.Error(), stackFrame)
	if err != nil {
		d.logger.Errorf("Failed to mark job %q failed: %v", msg.ID, err)
		if d.sync != nil {
			d.sync.sync(func() error {
				_, err := d.broker.Fail(context.Background(), msg, handlerErr.Error(), stackFrame)
				return err
			}, fmt.Sprintf("mark job %q failed", msg.ID))
		}
		return
	}
	d.events.emit(EventJobFailed, jobFromMessage(updated))

	maxRetries := updated.Opts.Attempts
	if updated.Opts.DeadLetter != nil && updated.Opts.DeadLetter.Enabled {
		dlMax := updated.Opts.DeadLetter.MaxRetries
		if dlMax == 0 {
			dlMax = maxRetries
		}
		if updated.AttemptsMade >= dlMax {
			removeFromFailed := !updated.Opts.DeadLetter.KeepInFailedQueue
			if err := d.broker.MoveToDeadLetter(ctx, updated, updated.FailedReason, removeFromFailed); err != nil {
				d.logger.Errorf("Failed to move job %q to dead-letter: %v", msg.ID, err)
				return
			}
			d.events.emit(EventJobMovedToDeadLetter, jobFromMessage(updated))
			return
		}
	}

	if updated.AttemptsMade >= maxRetries {
		if updated.Opts.RemoveOnFail {
			if err := d.broker.RemoveJob(ctx, msg.Queue, msg.ID); err != nil {
				d.logger.Errorf("Failed to remove exhausted job %q: %v", msg.ID, err)
			}
		}
		return
	}

	delay := computeBackoff(updated.Opts.Backoff, updated.AttemptsMade)
	if delay > 0 {
		if err := d.broker.RetryAfter(ctx, updated, d.clock.Now().Add(delay)); err != nil {
			d.logger.Errorf("Failed to schedule retry for job %q: %v", msg.ID, err)
			return
		}
		d.events.emit(EventJobDelayed, jobFromMessage(updated))
		return
	}
	if err := d.broker.RequeueImmediate(ctx, updated); err != nil {
		d.logger.Errorf("Failed to requeue job %q: %v", msg.ID, err)
	}
}

// computeBackoff implements spec.md §4.7 step 5's retry-delay formula.
func computeBackoff(b base.Backoff, attemptsMade int) time.Duration {
	delay := time.Duration(b.Delay) * time.Millisecond
	if delay <= 0 {
		return 0
	}
	if b.Type == base.BackoffExponential {
		return delay * time.Duration(math.Pow(2, float64(attemptsMade-1)))
	}
	return delay
}
