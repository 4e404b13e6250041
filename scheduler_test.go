package relayq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, isLeader func() bool) (*Scheduler, *Queue, *fakeBroker) {
	broker := newFakeBroker()
	q, err := NewQueue("default", broker, QueueConfig{}, nil)
	require.NoError(t, err)
	s := NewScheduler("sched-1", q, isLeader, nil)
	return s, q, broker
}

func TestScheduleSubmitsFirstOccurrence(t *testing.T) {
	s, q, broker := newTestScheduler(t, func() bool { return true })

	id, err := s.Schedule(context.Background(), ScheduleOptions{Cron: "* * * * *"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := q.GetJobs(context.Background(), StateDelayed, 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotNil(t, entries[0].Opts.Repeat)
	assert.Equal(t, "* * * * *", entries[0].Opts.Repeat.Cron)

	require.Len(t, broker.schedulerEntries["sched-1"], 1)
}

func TestScheduleRejectsInvalidCron(t *testing.T) {
	s, _, _ := newTestScheduler(t, func() bool { return true })
	_, err := s.Schedule(context.Background(), ScheduleOptions{Cron: "not a cron"})
	assert.Error(t, err)
}

func TestScheduleRejectsInvalidTimezone(t *testing.T) {
	s, _, _ := newTestScheduler(t, func() bool { return true })
	_, err := s.Schedule(context.Background(), ScheduleOptions{Cron: "* * * * *", Timezone: "Nowhere/Fake"})
	assert.Error(t, err)
}

func TestUnscheduleStopsFutureAdvancement(t *testing.T) {
	s, _, broker := newTestScheduler(t, func() bool { return true })
	id, err := s.Schedule(context.Background(), ScheduleOptions{Cron: "* * * * *"})
	require.NoError(t, err)

	require.NoError(t, s.Unschedule(context.Background(), id))
	assert.Empty(t, broker.schedulerEntries["sched-1"])

	s.mu.Lock()
	_, stillPresent := s.entries[id]
	s.mu.Unlock()
	assert.False(t, stillPresent)
}

func TestTickSkipsAdvancementWhenNotLeader(t *testing.T) {
	isLeader := false
	s, q, _ := newTestScheduler(t, func() bool { return isLeader })

	id, err := s.Schedule(context.Background(), ScheduleOptions{Cron: "* * * * *"})
	require.NoError(t, err)

	s.entries[id].mu.Lock()
	pendingID := s.entries[id].pendingJobID
	s.entries[id].mu.Unlock()

	// complete the pending job directly via the broker, as if some instance
	// finished it, then tick while not leader: advancement must not happen.
	msg, _, err := q.GetJob(context.Background(), pendingID)
	require.NoError(t, err)
	require.NoError(t, q.broker.Complete(context.Background(), msg.toMessage(), nil))

	s.tick()

	s.entries[id].mu.Lock()
	fireCountAfter := s.entries[id].fireCount
	s.entries[id].mu.Unlock()
	assert.Equal(t, 1, fireCountAfter, "non-leader tick must not advance cron entries")
}

func TestAdvanceIfFinishedFiresAgainAfterCompletion(t *testing.T) {
	s, q, _ := newTestScheduler(t, func() bool { return true })

	id, err := s.Schedule(context.Background(), ScheduleOptions{Cron: "* * * * *"})
	require.NoError(t, err)

	entry := s.entries[id]
	entry.mu.Lock()
	pendingID := entry.pendingJobID
	entry.mu.Unlock()

	msg, _, err := q.GetJob(context.Background(), pendingID)
	require.NoError(t, err)
	require.NoError(t, q.broker.Complete(context.Background(), msg.toMessage(), nil))

	advanced := s.advanceIfFinished(context.Background(), entry)
	assert.True(t, advanced)

	entry.mu.Lock()
	newPending := entry.pendingJobID
	fireCount := entry.fireCount
	entry.mu.Unlock()
	assert.NotEqual(t, pendingID, newPending)
	assert.Equal(t, 2, fireCount)
}

func TestAdvanceIfFinishedRespectsLimit(t *testing.T) {
	s, q, _ := newTestScheduler(t, func() bool { return true })

	id, err := s.Schedule(context.Background(), ScheduleOptions{Cron: "* * * * *", Limit: 1})
	require.NoError(t, err)

	entry := s.entries[id]
	entry.mu.Lock()
	pendingID := entry.pendingJobID
	entry.mu.Unlock()

	msg, _, err := q.GetJob(context.Background(), pendingID)
	require.NoError(t, err)
	require.NoError(t, q.broker.Complete(context.Background(), msg.toMessage(), nil))

	advanced := s.advanceIfFinished(context.Background(), entry)
	assert.False(t, advanced, "an entry that already reached its fire limit must not advance again")
}

func TestAdvanceIfFinishedTreatsRemovedJobAsFinished(t *testing.T) {
	s, q, _ := newTestScheduler(t, func() bool { return true })

	id, err := s.Schedule(context.Background(), ScheduleOptions{Cron: "* * * * *"})
	require.NoError(t, err)

	entry := s.entries[id]
	entry.mu.Lock()
	pendingID := entry.pendingJobID
	entry.mu.Unlock()

	require.NoError(t, q.RemoveJob(context.Background(), pendingID))

	advanced := s.advanceIfFinished(context.Background(), entry)
	assert.True(t, advanced)
}
