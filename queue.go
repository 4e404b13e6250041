// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/relaytask/relayq/idgen"
	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/errors"
	"github.com/relaytask/relayq/internal/log"
	"github.com/relaytask/relayq/internal/rdb"
	"github.com/relaytask/relayq/internal/timeutil"
	"github.com/relaytask/relayq/ratelimiter"
)

// Broker mirrors base.Broker so callers can hold a reference to one
// without importing relayq's internal package tree.
type Broker = base.Broker

// NewBroker returns a Broker backed by client, suitable for passing to
// NewQueue. A Worker constructs its own broker internally from the client
// passed to NewWorker.
func NewBroker(client redis.UniversalClient) Broker { return rdb.NewRDB(client) }

// JobState mirrors base.JobState for callers that don't need the internal
// package.
type JobState = base.JobState

const (
	StateWaiting        = base.JobStateWaiting
	StateActive          = base.JobStateActive
	StateCompleted       = base.JobStateCompleted
	StateFailed          = base.JobStateFailed
	StateDelayed         = base.JobStateDelayed
	StatePaused          = base.JobStatePaused
	StateDependencyWait  = base.JobStateDependencyWait
	StateDeadLetter      = base.JobStateDeadLetter
)

// JobCounts is a snapshot of per-state job counts for a queue.
type JobCounts = base.JobCounts

// QueueConfig configures a Queue at construction time.
type QueueConfig struct {
	// PriorityLevels, if > 0, makes this a priority queue: submissions with
	// Options.Priority in [0, PriorityLevels) are placed in a dedicated
	// priority level instead of directly onto waiting (spec.md §4.12).
	PriorityLevels int

	// Limiter, if set, gates every Add call through a sliding-window check
	// (spec.md §4.3); jobs that would exceed the limit are delayed instead
	// of rejected.
	Limiter *ratelimiter.Limiter

	Logger *log.Logger
}

// Queue is the producer- and introspection-facing handle for one named
// queue. A Worker drains the same underlying Redis structures; Queue and
// Worker share a Broker but have independent lifecycles so a process can
// submit jobs without running a worker loop, or vice versa.
type Queue struct {
	name    string
	broker  base.Broker
	cfg     QueueConfig
	clock   timeutil.Clock
	logger  *log.Logger
	events  *Emitter
}

// NewQueue returns a Queue bound to name, using broker for all Redis
// interaction. If events is nil, emissions are silently dropped.
func NewQueue(name string, broker base.Broker, cfg QueueConfig, events *Emitter) (*Queue, error) {
	if err := base.ValidateQueueName(name); err != nil {
		return nil, errors.E(errors.Op("NewQueue"), errors.FailedPrecondition, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewLogger(nil)
	}
	return &Queue{
		name:   name,
		broker: broker,
		cfg:    cfg,
		clock:  timeutil.NewRealClock(),
		logger: logger,
		events: events,
	}, nil
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Add submits a new job (spec.md §4.4).
func (q *Queue) Add(ctx context.Context, data []byte, opts Options) (*Job, error) {
	var op errors.Op = "Queue.Add"

	if q.cfg.Limiter != nil {
		result, err := q.cfg.Limiter.Check(ctx, q.name, data)
		if err != nil {
			return nil, errors.E(op, errors.Unknown, err)
		}
		if result.Limited {
			if result.ResetIn > opts.Delay {
				opts.Delay = result.ResetIn
			}
		}
	}

	id := opts.JobID
	if id == "" {
		id = idgen.NewJobID()
	}
	opts.JobID = id

	msg := &base.JobMessage{
		ID:          id,
		Queue:       q.name,
		Data:        data,
		Opts:        opts.toBase(),
		Timestamp:   q.clock.Now().UnixMilli(),
		Dependencies: opts.DependsOn,
	}

	if len(opts.DependsOn) > 0 {
		pending, err := q.broker.EnqueueDependencyWait(ctx, msg, opts.DependsOn)
		if err != nil {
			return nil, errors.E(op, errors.Unknown, err)
		}
		if pending {
			q.events.emit(EventJobAdded, jobFromMessage(msg))
			return jobFromMessage(msg), nil
		}
		// every dependency already finished: fall through to normal placement
	}

	switch {
	case opts.Delay > 0:
		if err := q.broker.EnqueueDelayed(ctx, msg, q.clock.Now().Add(opts.Delay)); err != nil {
			return nil, errors.E(op, errors.Unknown, err)
		}
	case q.cfg.PriorityLevels > 0:
		level := opts.Priority
		if level < 0 || level >= q.cfg.PriorityLevels {
			return nil, errors.E(op, errors.FailedPrecondition, "priority level out of range")
		}
		if err := q.broker.EnqueuePriority(ctx, msg, level); err != nil {
			return nil, errors.E(op, errors.Unknown, err)
		}
	default:
		if err := q.broker.Enqueue(ctx, msg); err != nil {
			return nil, errors.E(op, errors.Unknown, err)
		}
	}

	job := jobFromMessage(msg)
	q.events.emit(EventJobAdded, job)
	return job, nil
}

// GetJob fetches job id, or a NotFound error if it does not exist.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, JobState, error) {
	msg, state, err := q.broker.GetJob(ctx, q.name, id)
	if err != nil {
		return nil, 0, err
	}
	return jobFromMessage(msg), state, nil
}

// GetJobs returns jobs in the given state within [start, stop].
func (q *Queue) GetJobs(ctx context.Context, state JobState, start, stop int64) ([]*Job, error) {
	msgs, err := q.broker.GetJobs(ctx, q.name, state, start, stop, q.cfg.PriorityLevels)
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(msgs))
	for _, m := range msgs {
		jobs = append(jobs, jobFromMessage(m))
	}
	return jobs, nil
}

// GetJobCounts returns the number of jobs in each state.
func (q *Queue) GetJobCounts(ctx context.Context) (*JobCounts, error) {
	return q.broker.GetJobCounts(ctx, q.name)
}

// Pause stops new dispatches from this queue; in-flight jobs finish
// normally.
func (q *Queue) Pause(ctx context.Context) error { return q.broker.Pause(ctx, q.name) }

// Resume undoes Pause.
func (q *Queue) Resume(ctx context.Context) error { return q.broker.Resume(ctx, q.name) }

// IsPaused reports whether the queue is paused.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) { return q.broker.IsPaused(ctx, q.name) }

// UpdateProgress sets a job's progress (0-100) and emits EventJobProgress.
// Handlers call this from inside ProcessJob to report partial progress.
func (q *Queue) UpdateProgress(ctx context.Context, id string, progress int) error {
	msg, err := q.broker.UpdateProgress(ctx, q.name, id, progress)
	if err != nil {
		return err
	}
	q.events.emit(EventJobProgress, jobFromMessage(msg))
	return nil
}

// RemoveJob deletes id regardless of its current state.
func (q *Queue) RemoveJob(ctx context.Context, id string) error {
	if err := q.broker.RemoveJob(ctx, q.name, id); err != nil {
		return err
	}
	q.events.emit(EventJobRemoved, id)
	return nil
}

// Empty removes every waiting job from the queue.
func (q *Queue) Empty(ctx context.Context) error { return q.broker.EmptyQueue(ctx, q.name) }

// BulkPause moves the given waiting job IDs into the queue's paused list.
func (q *Queue) BulkPause(ctx context.Context, ids []string) (int, error) {
	return q.broker.BulkPause(ctx, q.name, ids)
}

// BulkResume moves the given paused job IDs back into waiting.
func (q *Queue) BulkResume(ctx context.Context, ids []string) (int, error) {
	return q.broker.BulkResume(ctx, q.name, ids)
}

// BulkRemove deletes every given job ID, skipping any not found.
func (q *Queue) BulkRemove(ctx context.Context, ids []string) (int, error) {
	return q.broker.BulkRemove(ctx, q.name, ids)
}
