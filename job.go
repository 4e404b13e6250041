// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"time"

	"github.com/relaytask/relayq/internal/base"
)

// BackoffType selects the retry-delay policy for a job (spec.md §6).
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff is the retry-delay policy attached to a job's Options.
type Backoff struct {
	Type  BackoffType
	Delay time.Duration
}

// Repeat describes a cron recurrence attached to a job's Options.
type Repeat struct {
	Cron      string
	TZ        string
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}

// DeadLetterOpt configures dead-letter behavior for a single job.
type DeadLetterOpt struct {
	Enabled    bool
	MaxRetries int // 0 means "use Options.Attempts"
	// KeepInFailedQueue leaves a copy of the job in the failed list when
	// it's moved to dead-letter, instead of removing it.
	KeepInFailedQueue bool
}

// Options are the submission-time options recognized when adding a job to
// a Queue (spec.md §6).
type Options struct {
	Delay            time.Duration
	Attempts         int
	Backoff          Backoff
	Priority         int
	LIFO             bool
	JobID            string
	DependsOn        []string
	KeepJobs         bool
	RemoveOnComplete bool
	RemoveOnFail     bool
	DeadLetter       *DeadLetterOpt
	Repeat           *Repeat
	Timeout          time.Duration
}

func (o Options) toBase() base.Options {
	bo := base.Options{
		Delay:            o.Delay.Milliseconds(),
		Attempts:         o.Attempts,
		Backoff:          base.Backoff{Type: base.BackoffType(o.Backoff.Type), Delay: o.Backoff.Delay.Milliseconds()},
		Priority:         o.Priority,
		LIFO:             o.LIFO,
		JobID:            o.JobID,
		DependsOn:        o.DependsOn,
		KeepJobs:         o.KeepJobs,
		RemoveOnComplete: o.RemoveOnComplete,
		RemoveOnFail:     o.RemoveOnFail,
		Timeout:          o.Timeout.Milliseconds(),
	}
	if o.DeadLetter != nil {
		bo.DeadLetter = &base.DeadLetterOpt{
			Enabled:           o.DeadLetter.Enabled,
			MaxRetries:        o.DeadLetter.MaxRetries,
			KeepInFailedQueue: o.DeadLetter.KeepInFailedQueue,
		}
	}
	if o.Repeat != nil {
		bo.Repeat = &base.Repeat{
			Cron:      o.Repeat.Cron,
			TZ:        o.Repeat.TZ,
			Limit:     o.Repeat.Limit,
		}
		if !o.Repeat.StartDate.IsZero() {
			bo.Repeat.StartDate = o.Repeat.StartDate.UnixMilli()
		}
		if !o.Repeat.EndDate.IsZero() {
			bo.Repeat.EndDate = o.Repeat.EndDate.UnixMilli()
		}
	}
	return bo
}

func fromBaseOptions(bo base.Options) Options {
	o := Options{
		Delay:            time.Duration(bo.Delay) * time.Millisecond,
		Attempts:         bo.Attempts,
		Backoff:          Backoff{Type: BackoffType(bo.Backoff.Type), Delay: time.Duration(bo.Backoff.Delay) * time.Millisecond},
		Priority:         bo.Priority,
		LIFO:             bo.LIFO,
		JobID:            bo.JobID,
		DependsOn:        bo.DependsOn,
		KeepJobs:         bo.KeepJobs,
		RemoveOnComplete: bo.RemoveOnComplete,
		RemoveOnFail:     bo.RemoveOnFail,
		Timeout:          time.Duration(bo.Timeout) * time.Millisecond,
	}
	if bo.DeadLetter != nil {
		o.DeadLetter = &DeadLetterOpt{
			Enabled:           bo.DeadLetter.Enabled,
			MaxRetries:        bo.DeadLetter.MaxRetries,
			KeepInFailedQueue: bo.DeadLetter.KeepInFailedQueue,
		}
	}
	if bo.Repeat != nil {
		o.Repeat = &Repeat{Cron: bo.Repeat.Cron, TZ: bo.Repeat.TZ, Limit: bo.Repeat.Limit}
		if bo.Repeat.StartDate != 0 {
			o.Repeat.StartDate = time.UnixMilli(bo.Repeat.StartDate)
		}
		if bo.Repeat.EndDate != 0 {
			o.Repeat.EndDate = time.UnixMilli(bo.Repeat.EndDate)
		}
	}
	return o
}

// Job is the public view of one unit of work. Job values returned from
// Queue methods are snapshots; they do not observe later mutations made by
// a worker processing the same job.
type Job struct {
	ID           string
	Queue        string
	Data         []byte
	Opts         Options
	SubmittedAt  time.Time
	AttemptsMade int
	Progress     int
	ProcessedOn  time.Time
	FinishedOn   time.Time
	ReturnValue  []byte
	FailedReason string
	Stacktrace   []string
	Dependencies []string
}

func jobFromMessage(msg *base.JobMessage) *Job {
	j := &Job{
		ID:           msg.ID,
		Queue:        msg.Queue,
		Data:         msg.Data,
		Opts:         fromBaseOptions(msg.Opts),
		AttemptsMade: msg.AttemptsMade,
		Progress:     msg.Progress,
		FailedReason: msg.FailedReason,
		Stacktrace:   msg.Stacktrace,
		Dependencies: msg.Dependencies,
		ReturnValue:  msg.ReturnValue,
	}
	if msg.Timestamp != 0 {
		j.SubmittedAt = time.UnixMilli(msg.Timestamp)
	}
	if msg.ProcessedOn != 0 {
		j.ProcessedOn = time.UnixMilli(msg.ProcessedOn)
	}
	if msg.FinishedOn != 0 {
		j.FinishedOn = time.UnixMilli(msg.FinishedOn)
	}
	return j
}

func (j *Job) toMessage() *base.JobMessage {
	msg := &base.JobMessage{
		ID:           j.ID,
		Queue:        j.Queue,
		Data:         j.Data,
		Opts:         j.Opts.toBase(),
		AttemptsMade: j.AttemptsMade,
		Progress:     j.Progress,
		Dependencies: j.Dependencies,
	}
	if !j.SubmittedAt.IsZero() {
		msg.Timestamp = j.SubmittedAt.UnixMilli()
	}
	return msg
}

// A Handler processes jobs.
//
// ProcessJob should return nil if the job was processed successfully. If it
// returns a non-nil error or panics, the job is retried per its backoff
// policy; once retries are exhausted it is moved to the dead-letter queue
// if Options.DeadLetter is enabled, and otherwise stays failed.
type Handler interface {
	ProcessJob(ctx context.Context, job *Job) ([]byte, error)
}

// The HandlerFunc type is an adapter to allow the use of ordinary functions
// as a Handler.
type HandlerFunc func(ctx context.Context, job *Job) ([]byte, error)

// ProcessJob calls fn(ctx, job).
func (fn HandlerFunc) ProcessJob(ctx context.Context, job *Job) ([]byte, error) {
	return fn(ctx, job)
}
