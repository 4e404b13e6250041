package relayq

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/errors"
)

// fakeBroker is an in-memory base.Broker used by this package's tests, in
// place of a real Redis connection. base.go's own doc comment on Broker
// anticipates exactly this: "tests may swap in a fake."
type fakeBroker struct {
	mu sync.Mutex

	jobs   map[string]map[string]*base.JobMessage
	states map[string]map[string]base.JobState
	paused map[string]bool

	instances map[string]*base.InstanceInfo
	leaderID  string
	leaderAt  time.Time

	schedulerEntries map[string][]*base.SchedulerEntry
	enqueueEvents    map[string][]*base.SchedulerEnqueueEvent

	published []publishedMsg

	lastMoveToDeadLetterRemoveFromFailed bool
}

type publishedMsg struct {
	channel string
	payload string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		jobs:             make(map[string]map[string]*base.JobMessage),
		states:           make(map[string]map[string]base.JobState),
		paused:           make(map[string]bool),
		instances:        make(map[string]*base.InstanceInfo),
		schedulerEntries: make(map[string][]*base.SchedulerEntry),
		enqueueEvents:    make(map[string][]*base.SchedulerEnqueueEvent),
	}
}

func (b *fakeBroker) put(qname string, msg *base.JobMessage, state base.JobState) {
	if b.jobs[qname] == nil {
		b.jobs[qname] = make(map[string]*base.JobMessage)
		b.states[qname] = make(map[string]base.JobState)
	}
	b.jobs[qname][msg.ID] = msg
	b.states[qname][msg.ID] = state
}

func (b *fakeBroker) Ping() error  { return nil }
func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) Enqueue(ctx context.Context, msg *base.JobMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.put(msg.Queue, msg, base.JobStateWaiting)
	return nil
}

func (b *fakeBroker) EnqueueDelayed(ctx context.Context, msg *base.JobMessage, processAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.put(msg.Queue, msg, base.JobStateDelayed)
	return nil
}

func (b *fakeBroker) EnqueuePriority(ctx context.Context, msg *base.JobMessage, level int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.put(msg.Queue, msg, base.JobStateWaiting)
	return nil
}

func (b *fakeBroker) EnqueueDependencyWait(ctx context.Context, msg *base.JobMessage, deps []string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.put(msg.Queue, msg, base.JobStateDependencyWait)
	return true, nil
}

func (b *fakeBroker) Dequeue(ctx context.Context, qname string, n int) ([]*base.JobMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*base.JobMessage
	for id, st := range b.states[qname] {
		if st != base.JobStateWaiting || len(out) >= n {
			continue
		}
		out = append(out, b.jobs[qname][id])
	}
	for _, msg := range out {
		b.states[qname][msg.ID] = base.JobStateActive
		// each dequeue is one handler invocation.
		msg.AttemptsMade++
	}
	return out, nil
}

func (b *fakeBroker) Complete(ctx context.Context, msg *base.JobMessage, result []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.jobs[msg.Queue][msg.ID]
	if m == nil {
		return errors.E(errors.NotFound, errors.ErrJobNotFound)
	}
	m.ReturnValue = result
	b.states[msg.Queue][msg.ID] = base.JobStateCompleted
	return nil
}

func (b *fakeBroker) Fail(ctx context.Context, msg *base.JobMessage, errMsg, stackFrame string) (*base.JobMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.jobs[msg.Queue][msg.ID]
	if m == nil {
		return nil, errors.E(errors.NotFound, errors.ErrJobNotFound)
	}
	m.FailedReason = errMsg
	m.AppendStacktrace(stackFrame)
	b.states[msg.Queue][msg.ID] = base.JobStateFailed
	return m, nil
}

func (b *fakeBroker) RetryAfter(ctx context.Context, msg *base.JobMessage, processAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[msg.Queue][msg.ID] = base.JobStateDelayed
	return nil
}

func (b *fakeBroker) RequeueImmediate(ctx context.Context, msg *base.JobMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[msg.Queue][msg.ID] = base.JobStateWaiting
	return nil
}

func (b *fakeBroker) RequeueStalled(ctx context.Context, msg *base.JobMessage) error {
	return b.RequeueImmediate(ctx, msg)
}

func (b *fakeBroker) FailStalled(ctx context.Context, msg *base.JobMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[msg.Queue][msg.ID] = base.JobStateFailed
	return nil
}

func (b *fakeBroker) MoveToDeadLetter(ctx context.Context, msg *base.JobMessage, reason string, removeFromFailed bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	// states only tracks one state per id, so a removeFromFailed=false
	// "leave a stale copy in failed" can't be modeled faithfully here; the
	// id simply becomes dead-letter either way.
	b.states[msg.Queue][msg.ID] = base.JobStateDeadLetter
	b.lastMoveToDeadLetterRemoveFromFailed = removeFromFailed
	return nil
}

func (b *fakeBroker) RepublishFromDeadLetter(ctx context.Context, qname, id string, resetRetries bool) (*base.JobMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.jobs[qname][id]
	if m == nil {
		return nil, errors.E(errors.NotFound, errors.ErrJobNotFound)
	}
	if resetRetries {
		m.AttemptsMade = 0
	}
	b.states[qname][id] = base.JobStateWaiting
	return m, nil
}

func (b *fakeBroker) DeadLetterJobs(ctx context.Context, qname string, start, stop int64) ([]*base.DeadLetterRecord, error) {
	return nil, nil
}

func (b *fakeBroker) RemoveDeadLetterJob(ctx context.Context, qname, id string) error { return nil }
func (b *fakeBroker) ClearDeadLetter(ctx context.Context, qname string) error         { return nil }

func (b *fakeBroker) PromoteDelayed(ctx context.Context, qname string) (int, error) { return 0, nil }

func (b *fakeBroker) PromoteDependents(ctx context.Context, qname, finishedJobID string) ([]string, error) {
	return nil, nil
}

func (b *fakeBroker) PumpPriority(ctx context.Context, qname string, levels int) (int, error) {
	return 0, nil
}

func (b *fakeBroker) GetJob(ctx context.Context, qname, id string) (*base.JobMessage, base.JobState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.jobs[qname][id]
	if !ok {
		return nil, 0, errors.E(errors.Op("fakeBroker.GetJob"), errors.NotFound, errors.ErrJobNotFound)
	}
	return m, b.states[qname][id], nil
}

func (b *fakeBroker) GetJobs(ctx context.Context, qname string, state base.JobState, start, stop int64, priorityLevels int) ([]*base.JobMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*base.JobMessage
	for id, st := range b.states[qname] {
		if st == state {
			out = append(out, b.jobs[qname][id])
		}
	}
	return out, nil
}

func (b *fakeBroker) GetJobCounts(ctx context.Context, qname string) (*base.JobCounts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := &base.JobCounts{}
	for _, st := range b.states[qname] {
		switch st {
		case base.JobStateWaiting:
			counts.Waiting++
		case base.JobStateActive:
			counts.Active++
		case base.JobStateCompleted:
			counts.Completed++
		case base.JobStateFailed:
			counts.Failed++
		case base.JobStateDelayed:
			counts.Delayed++
		case base.JobStatePaused:
			counts.Paused++
		case base.JobStateDependencyWait:
			counts.DependencyWait++
		case base.JobStateDeadLetter:
			counts.DeadLetter++
		}
	}
	return counts, nil
}

func (b *fakeBroker) UpdateProgress(ctx context.Context, qname, id string, progress int) (*base.JobMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.jobs[qname][id]
	if !ok {
		return nil, errors.E(errors.NotFound, errors.ErrJobNotFound)
	}
	m.Progress = progress
	return m, nil
}

func (b *fakeBroker) Pause(ctx context.Context, qname string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused[qname] = true
	return nil
}

func (b *fakeBroker) Resume(ctx context.Context, qname string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused[qname] = false
	return nil
}

func (b *fakeBroker) IsPaused(ctx context.Context, qname string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused[qname], nil
}

func (b *fakeBroker) RemoveJob(ctx context.Context, qname, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.jobs[qname], id)
	delete(b.states[qname], id)
	return nil
}

func (b *fakeBroker) EmptyQueue(ctx context.Context, qname string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, st := range b.states[qname] {
		if st == base.JobStateWaiting {
			delete(b.jobs[qname], id)
			delete(b.states[qname], id)
		}
	}
	return nil
}

func (b *fakeBroker) BulkPause(ctx context.Context, qname string, ids []string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := b.states[qname][id]; ok {
			b.states[qname][id] = base.JobStatePaused
			n++
		}
	}
	return n, nil
}

func (b *fakeBroker) BulkResume(ctx context.Context, qname string, ids []string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, id := range ids {
		if b.states[qname][id] == base.JobStatePaused {
			b.states[qname][id] = base.JobStateWaiting
			n++
		}
	}
	return n, nil
}

func (b *fakeBroker) BulkRemove(ctx context.Context, qname string, ids []string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := b.jobs[qname][id]; ok {
			delete(b.jobs[qname], id)
			delete(b.states[qname], id)
			n++
		}
	}
	return n, nil
}

func (b *fakeBroker) ListActive(ctx context.Context, qname string) ([]*base.JobMessage, error) {
	return b.GetJobs(ctx, qname, base.JobStateActive, 0, -1, 0)
}

func (b *fakeBroker) CleanupCompleted(ctx context.Context, qname string, maxAge time.Duration, cap int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cleanup(qname, base.JobStateCompleted, maxAge, cap)
}

func (b *fakeBroker) CleanupFailed(ctx context.Context, qname string, maxAge time.Duration, cap int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cleanup(qname, base.JobStateFailed, maxAge, cap)
}

// cleanup mirrors cleanupCmd's real-Redis semantics: a job whose
// Opts.KeepJobs is true is exempt from both the age cutoff and the cap,
// oldest (by FinishedOn) evicted first when over cap.
func (b *fakeBroker) cleanup(qname string, state base.JobState, maxAge time.Duration, cap int) (int, error) {
	var candidates []*base.JobMessage
	for id, st := range b.states[qname] {
		if st == state {
			candidates = append(candidates, b.jobs[qname][id])
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].FinishedOn < candidates[j].FinishedOn
	})

	removed := 0
	remove := func(msg *base.JobMessage) {
		delete(b.jobs[qname], msg.ID)
		delete(b.states[qname], msg.ID)
		removed++
	}

	if cap > 0 {
		overflow := len(candidates) - cap
		for _, msg := range candidates {
			if overflow <= 0 {
				break
			}
			if msg.Opts.KeepJobs {
				continue
			}
			remove(msg)
			overflow--
		}
	}

	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge).UnixMilli()
		for _, msg := range candidates {
			if msg.Opts.KeepJobs || msg.FinishedOn >= cutoff {
				continue
			}
			if _, ok := b.states[qname][msg.ID]; !ok {
				continue // already removed by the cap pass above
			}
			remove(msg)
		}
	}

	return removed, nil
}

func (b *fakeBroker) WriteInstanceState(ctx context.Context, info *base.InstanceInfo, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instances[info.ID] = info
	return nil
}

func (b *fakeBroker) ReadInstances(ctx context.Context) ([]*base.InstanceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*base.InstanceInfo, 0, len(b.instances))
	for _, inst := range b.instances {
		out = append(out, inst)
	}
	return out, nil
}

func (b *fakeBroker) RemoveInstance(ctx context.Context, instanceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.instances, instanceID)
	return nil
}

func (b *fakeBroker) AcquireLeader(ctx context.Context, instanceID string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// mirrors the real SET NX PX: a held key only blocks acquisition while
	// its TTL hasn't lapsed, same as Redis would auto-expire it.
	if b.leaderID != "" && b.leaderID != instanceID && time.Since(b.leaderAt) <= ttl {
		return false, nil
	}
	b.leaderID = instanceID
	b.leaderAt = time.Now()
	return true, nil
}

func (b *fakeBroker) RenewLeader(ctx context.Context, instanceID string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.leaderID != instanceID {
		return false, nil
	}
	b.leaderAt = time.Now()
	return true, nil
}

func (b *fakeBroker) ReadLeader(ctx context.Context) (string, time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leaderID, b.leaderAt, nil
}

func (b *fakeBroker) ReleaseLeader(ctx context.Context, instanceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.leaderID == instanceID {
		b.leaderID = ""
	}
	return nil
}

func (b *fakeBroker) WriteSchedulerEntries(ctx context.Context, schedulerID string, entries []*base.SchedulerEntry, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.schedulerEntries[schedulerID] = entries
	return nil
}

func (b *fakeBroker) RecordSchedulerEnqueueEvent(ctx context.Context, entryID string, event *base.SchedulerEnqueueEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueueEvents[entryID] = append(b.enqueueEvents[entryID], event)
	return nil
}

func (b *fakeBroker) Publish(ctx context.Context, channel, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedMsg{channel, payload})
	return nil
}

var _ base.Broker = (*fakeBroker)(nil)
