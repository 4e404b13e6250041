// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"sync"
	"time"

	"github.com/relaytask/relayq/idgen"
)

// BatchStatus is a batch's aggregate lifecycle state (spec.md §3's Batch
// data model).
type BatchStatus int

const (
	BatchWaiting BatchStatus = iota
	BatchActive
	BatchCompleted
	BatchFailed
)

func (s BatchStatus) String() string {
	switch s {
	case BatchWaiting:
		return "waiting"
	case BatchActive:
		return "active"
	case BatchCompleted:
		return "completed"
	case BatchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BatchItem is one job to submit as part of a fan-out AddBatch call.
type BatchItem struct {
	Data []byte
	Opts Options
}

// Batch tracks the aggregate status of a set of jobs submitted together
// via Group.AddBatch.
type Batch struct {
	ID        string
	CreatedAt time.Time

	mu       sync.Mutex
	jobIDs   map[string]struct{}
	done     map[string]struct{}
	status   BatchStatus
	progress int
	err      error
}

// JobIDs returns the batch's member job IDs.
func (b *Batch) JobIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.jobIDs))
	for id := range b.jobIDs {
		ids = append(ids, id)
	}
	return ids
}

// Status returns the batch's current aggregate status, progress (0-100,
// the fraction of member jobs that have finished), and the first error
// seen from any member job's failure, if any.
func (b *Batch) Status() (BatchStatus, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, b.progress, b.err
}

func (b *Batch) recompute() {
	total := len(b.jobIDs)
	finished := len(b.done)
	if total == 0 {
		b.progress = 100
		return
	}
	b.progress = finished * 100 / total
	if finished < total {
		b.status = BatchActive
		return
	}
	if b.err != nil {
		b.status = BatchFailed
	} else {
		b.status = BatchCompleted
	}
}

// Group is a named collection of jobs submitted to one Queue together,
// tracked as Batches (spec.md §2's "Observable/group: ... fan-out
// submission", §4.15's batch* and group* events).
type Group struct {
	id     string
	queue  *Queue
	events *Emitter

	mu      sync.Mutex
	batches map[string]*Batch
	subs    []*Subscriber
}

// NewGroup creates a Group bound to queue and emits EventGroupCreated. id
// identifies the group in groupCreated/groupRemoved events.
func NewGroup(id string, queue *Queue, events *Emitter) *Group {
	g := &Group{
		id:      id,
		queue:   queue,
		events:  events,
		batches: make(map[string]*Batch),
	}
	g.trackJobEvents()
	g.events.emit(EventGroupCreated, id)
	return g
}

// ID returns the group's identifier.
func (g *Group) ID() string { return g.id }

// AddBatch submits every item to the group's queue as one fan-out call and
// returns a Batch tracking their combined progress. Emits EventBatchAdded
// once all items have been submitted.
func (g *Group) AddBatch(ctx context.Context, items []BatchItem) (*Batch, error) {
	batch := &Batch{
		ID:        idgen.NewBatchID(),
		CreatedAt: time.Now(),
		jobIDs:    make(map[string]struct{}, len(items)),
		done:      make(map[string]struct{}, len(items)),
		status:    BatchWaiting,
	}

	for _, item := range items {
		job, err := g.queue.Add(ctx, item.Data, item.Opts)
		if err != nil {
			return nil, err
		}
		batch.jobIDs[job.ID] = struct{}{}
	}
	batch.recompute()

	g.mu.Lock()
	g.batches[batch.ID] = batch
	g.mu.Unlock()

	g.events.emit(EventBatchAdded, batch)
	return batch, nil
}

// Remove stops tracking every batch and emits EventGroupRemoved.
func (g *Group) Remove() {
	g.mu.Lock()
	for _, s := range g.subs {
		s.Unsubscribe()
	}
	g.subs = nil
	g.batches = make(map[string]*Batch)
	g.mu.Unlock()
	g.events.emit(EventGroupRemoved, g.id)
}

// trackJobEvents subscribes to per-job lifecycle events and folds them
// into whichever batch the job belongs to. EventJobFailed fires on every
// failed attempt, including ones with retries remaining, so a batch member
// is only considered done on EventJobCompleted or EventJobMovedToDeadLetter
// (permanent failure); EventJobFailed only drives EventBatchProgress.
func (g *Group) trackJobEvents() {
	completed := g.events.On(EventJobCompleted)
	deadLettered := g.events.On(EventJobMovedToDeadLetter)
	failed := g.events.On(EventJobFailed)
	progress := g.events.On(EventJobProgress)

	g.mu.Lock()
	g.subs = []*Subscriber{completed, deadLettered, failed, progress}
	g.mu.Unlock()

	go g.drain(completed, g.onJobCompleted)
	go g.drain(deadLettered, g.onJobDeadLettered)
	go g.drain(failed, g.onJobRetrying)
	go g.drain(progress, g.onJobProgress)
}

func (g *Group) drain(sub *Subscriber, handle func(*Job)) {
	for payload := range sub.C() {
		if job, ok := payload.(*Job); ok {
			handle(job)
		}
	}
}

func (g *Group) findBatch(jobID string) *Batch {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, b := range g.batches {
		b.mu.Lock()
		_, member := b.jobIDs[jobID]
		b.mu.Unlock()
		if member {
			return b
		}
	}
	return nil
}

func (g *Group) onJobCompleted(job *Job) {
	b := g.findBatch(job.ID)
	if b == nil {
		return
	}
	b.mu.Lock()
	b.done[job.ID] = struct{}{}
	b.recompute()
	status := b.status
	b.mu.Unlock()
	if status == BatchCompleted {
		g.events.emit(EventBatchCompleted, b)
	}
}

func (g *Group) onJobDeadLettered(job *Job) {
	b := g.findBatch(job.ID)
	if b == nil {
		return
	}
	b.mu.Lock()
	b.done[job.ID] = struct{}{}
	if b.err == nil {
		b.err = &JobFailedError{JobID: job.ID, Reason: job.FailedReason}
	}
	b.recompute()
	b.mu.Unlock()
	g.events.emit(EventBatchFailed, b)
}

// onJobRetrying handles a failed attempt that still has retries left: it
// doesn't mark the batch member done, but still surfaces as progress since
// an observer may want per-attempt visibility.
func (g *Group) onJobRetrying(job *Job) {
	if b := g.findBatch(job.ID); b != nil {
		g.events.emit(EventBatchProgress, b)
	}
}

func (g *Group) onJobProgress(job *Job) {
	if b := g.findBatch(job.ID); b != nil {
		g.events.emit(EventBatchProgress, b)
	}
}

// JobFailedError reports that a batch member job finished in the failed
// state.
type JobFailedError struct {
	JobID  string
	Reason string
}

func (e *JobFailedError) Error() string { return "relayq: job " + e.JobID + " failed: " + e.Reason }
