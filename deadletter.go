// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"time"

	"github.com/relaytask/relayq/internal/base"
)

// DeadLetterJob is a job record preserved after it exhausted its retries
// with dead-letter handling enabled (spec.md §4.11).
type DeadLetterJob struct {
	ID                string
	OriginalQueue     string
	Data              []byte
	FailedReason      string
	AttemptsMade      int
	Stacktrace        []string
	MovedAt           time.Time
	OriginalTimestamp time.Time
	Opts              Options
}

func deadLetterJobFromRecord(r *base.DeadLetterRecord) *DeadLetterJob {
	dl := &DeadLetterJob{
		ID:            r.ID,
		OriginalQueue: r.OriginalQueue,
		Data:          r.Data,
		FailedReason:  r.FailedReason,
		AttemptsMade:  r.AttemptsMade,
		Stacktrace:    r.Stacktrace,
		Opts:          fromBaseOptions(r.Opts),
	}
	if r.MovedAt != 0 {
		dl.MovedAt = time.UnixMilli(r.MovedAt)
	}
	if r.OriginalTimestamp != 0 {
		dl.OriginalTimestamp = time.UnixMilli(r.OriginalTimestamp)
	}
	return dl
}

// DeadLetterQueue is the producer-facing handle for a queue's dead-letter
// list: jobs that exhausted their retries with Options.DeadLetter.Enabled
// set land here instead of being discarded (spec.md §4.11).
type DeadLetterQueue struct {
	qname  string
	broker base.Broker
	events *Emitter
}

// DeadLetter returns the handle for q's dead-letter list.
func (q *Queue) DeadLetter() *DeadLetterQueue {
	return &DeadLetterQueue{qname: q.name, broker: q.broker, events: q.events}
}

// GetJobs returns dead-lettered jobs in [start, stop] (0-indexed, -1 meaning
// "to the end", as with a Redis LRANGE).
func (dlq *DeadLetterQueue) GetJobs(ctx context.Context, start, stop int64) ([]*DeadLetterJob, error) {
	recs, err := dlq.broker.DeadLetterJobs(ctx, dlq.qname, start, stop)
	if err != nil {
		return nil, err
	}
	jobs := make([]*DeadLetterJob, 0, len(recs))
	for _, r := range recs {
		jobs = append(jobs, deadLetterJobFromRecord(r))
	}
	return jobs, nil
}

// RepublishJob re-adds a dead-lettered job to its original queue and
// deletes the dead-letter record. If resetRetries is true, attemptsMade is
// reset to zero so the job gets a full fresh set of retries.
func (dlq *DeadLetterQueue) RepublishJob(ctx context.Context, id string, resetRetries bool) (*Job, error) {
	msg, err := dlq.broker.RepublishFromDeadLetter(ctx, dlq.qname, id, resetRetries)
	if err != nil {
		return nil, err
	}
	job := jobFromMessage(msg)
	dlq.events.emit(EventJobRepublishedFromDeadLetter, job)
	return job, nil
}

// RemoveJob permanently deletes one dead-lettered job.
func (dlq *DeadLetterQueue) RemoveJob(ctx context.Context, id string) error {
	return dlq.broker.RemoveDeadLetterJob(ctx, dlq.qname, id)
}

// Clear permanently deletes every job in the dead-letter list.
func (dlq *DeadLetterQueue) Clear(ctx context.Context) error {
	return dlq.broker.ClearDeadLetter(ctx, dlq.qname)
}
