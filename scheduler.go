// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaytask/relayq/cron"
	"github.com/relaytask/relayq/idgen"
	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/errors"
	"github.com/relaytask/relayq/internal/log"
	"github.com/relaytask/relayq/internal/timeutil"
)

// ScheduleOptions configures one cron recurrence passed to
// Scheduler.Schedule (spec.md §4.10).
type ScheduleOptions struct {
	Cron      string
	Timezone  string
	Data      []byte
	Opts      Options
	StartDate time.Time
	EndDate   time.Time
	Limit     int
	ID        string // optional; generated if empty
}

type schedulerEntry struct {
	id       string
	queue    string
	cron     string
	schedule *cron.Schedule
	loc      *time.Location
	data     []byte
	opts     Options
	endDate  time.Time
	limit    int

	mu           sync.Mutex
	fireCount    int
	pendingJobID string
}

// Scheduler parses cron expressions and submits their jobs on schedule,
// re-submitting after each run completes (spec.md §4.10). Cron advancement
// is a cluster-singleton task: a Scheduler only acts while isLeader
// reports true, so exactly one instance drives each entry (spec.md §4.13).
type Scheduler struct {
	id     string
	queue  *Queue
	broker base.Broker
	logger *log.Logger
	clock  timeutil.Clock

	isLeader func() bool

	mu       sync.Mutex
	entries  map[string]*schedulerEntry
	interval time.Duration
	done     chan struct{}
}

const defaultSchedulerPollInterval = 5 * time.Second

// NewScheduler returns a Scheduler that submits jobs to queue. isLeader is
// polled before every advancement so only the elected leader instance
// drives cron firing; pass a func always returning true for a single-
// instance deployment.
func NewScheduler(id string, queue *Queue, isLeader func() bool, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.NewLogger(nil)
	}
	return &Scheduler{
		id:       id,
		queue:    queue,
		broker:   queue.broker,
		logger:   logger,
		clock:    timeutil.NewRealClock(),
		isLeader: isLeader,
		entries:  make(map[string]*schedulerEntry),
		interval: defaultSchedulerPollInterval,
		done:     make(chan struct{}),
	}
}

// Schedule registers a new cron recurrence and submits its first
// occurrence. Returns the entry ID (opts.ID if supplied).
func (s *Scheduler) Schedule(ctx context.Context, opts ScheduleOptions) (string, error) {
	schedule, err := cron.Parse(opts.Cron)
	if err != nil {
		return "", fmt.Errorf("relayq: invalid cron expression %q: %w", opts.Cron, err)
	}
	loc := time.UTC
	if opts.Timezone != "" {
		loc, err = time.LoadLocation(opts.Timezone)
		if err != nil {
			return "", fmt.Errorf("relayq: invalid timezone %q: %w", opts.Timezone, err)
		}
	}

	id := opts.ID
	if id == "" {
		id = idgen.NewSchedulerID()
	}

	entry := &schedulerEntry{
		id:       id,
		queue:    s.queue.name,
		cron:     opts.Cron,
		schedule: schedule,
		loc:      loc,
		data:     opts.Data,
		opts:     opts.Opts,
		endDate:  opts.EndDate,
		limit:    opts.Limit,
	}

	from := s.clock.Now()
	if opts.StartDate.After(from) {
		from = opts.StartDate
	}
	if err := s.fire(ctx, entry, from); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.entries[id] = entry
	s.mu.Unlock()
	s.persist(ctx)
	return id, nil
}

// Unschedule removes id's recurrence; its already-submitted pending job
// (if any) still runs to completion but will not be re-submitted.
func (s *Scheduler) Unschedule(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	s.persist(ctx)
	return nil
}

// fire computes the next occurrence at or after from, submits its job with
// the matching delay, and records it as the entry's pending job.
func (s *Scheduler) fire(ctx context.Context, entry *schedulerEntry, from time.Time) error {
	next, err := entry.schedule.Next(from.In(entry.loc))
	if err != nil {
		return fmt.Errorf("relayq: cron entry %q: %w", entry.id, err)
	}
	if !entry.endDate.IsZero() && next.After(entry.endDate) {
		return nil // recurrence has run its course; nothing more to submit
	}

	opts := entry.opts
	opts.Repeat = &Repeat{Cron: entry.cron, TZ: entry.loc.String(), EndDate: entry.endDate, Limit: entry.limit}
	opts.Delay = next.Sub(s.clock.Now())
	if opts.Delay < 0 {
		opts.Delay = 0
	}

	job, err := s.queue.Add(ctx, entry.data, opts)
	if err != nil {
		return fmt.Errorf("relayq: cron entry %q: submit failed: %w", entry.id, err)
	}

	entry.mu.Lock()
	entry.pendingJobID = job.ID
	entry.fireCount++
	entry.mu.Unlock()

	_ = s.broker.RecordSchedulerEnqueueEvent(ctx, entry.id, &base.SchedulerEnqueueEvent{
		JobID:      job.ID,
		EnqueuedAt: s.clock.Now(),
	})
	return nil
}

func (s *Scheduler) persist(ctx context.Context) {
	s.mu.Lock()
	entries := make([]*base.SchedulerEntry, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		entries = append(entries, &base.SchedulerEntry{
			ID:        e.id,
			Queue:     e.queue,
			Cron:      e.cron,
			TZ:        e.loc.String(),
			Data:      e.data,
			Opts:      e.opts.toBase(),
			FireCount: e.fireCount,
		})
		e.mu.Unlock()
	}
	s.mu.Unlock()

	if err := s.broker.WriteSchedulerEntries(ctx, s.id, entries, s.interval*3); err != nil {
		s.logger.Errorf("scheduler %q: failed to persist entries: %v", s.id, err)
	}
}

// Start begins the poll loop that advances entries whose pending job has
// finished (spec.md §1: poll-based, not push-based).
func (s *Scheduler) Start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(s.interval)
		for {
			select {
			case <-s.done:
				timer.Stop()
				return
			case <-timer.C:
				s.tick()
				timer.Reset(s.interval)
			}
		}
	}()
}

// Shutdown stops the poll loop.
func (s *Scheduler) Shutdown() { s.done <- struct{}{} }

func (s *Scheduler) tick() {
	if !s.isLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.mu.Lock()
	entries := make([]*schedulerEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	advanced := false
	for _, entry := range entries {
		if s.advanceIfFinished(ctx, entry) {
			advanced = true
		}
	}
	if advanced {
		s.persist(ctx)
	}
}

func (s *Scheduler) advanceIfFinished(ctx context.Context, entry *schedulerEntry) bool {
	entry.mu.Lock()
	pending := entry.pendingJobID
	limit := entry.limit
	fireCount := entry.fireCount
	entry.mu.Unlock()

	if pending == "" {
		return false
	}
	if limit > 0 && fireCount >= limit {
		return false
	}

	_, state, err := s.broker.GetJob(ctx, entry.queue, pending)
	if err != nil {
		if errors.CanonicalCode(err) != errors.NotFound {
			s.logger.Errorf("scheduler %q: failed to check entry %q's pending job: %v", s.id, entry.id, err)
			return false
		}
		// removed (e.g. removeOnComplete): treat as finished and re-arm.
	} else if state != base.JobStateCompleted && state != base.JobStateFailed && state != base.JobStateDeadLetter {
		return false
	}

	if err := s.fire(ctx, entry, s.clock.Now()); err != nil {
		s.logger.Errorf("scheduler %q: %v", s.id, err)
		return false
	}
	return true
}
