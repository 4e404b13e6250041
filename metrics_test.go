package relayq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/timeutil"
)

func TestRingEvictsOldestPastCapacity(t *testing.T) {
	r := &ring{}
	for i := 0; i < metricsWindowSize+5; i++ {
		r.push(StateCounts{JobCounts: base.JobCounts{Completed: int64(i)}})
	}
	assert.Len(t, r.items(), metricsWindowSize)

	oldest, ok := r.oldest()
	require.True(t, ok)
	assert.Equal(t, int64(5), oldest.JobCounts.Completed)

	newest, ok := r.newest()
	require.True(t, ok)
	assert.Equal(t, int64(metricsWindowSize+4), newest.JobCounts.Completed)
}

func TestRingEmptyHasNoOldestOrNewest(t *testing.T) {
	r := &ring{}
	_, ok := r.oldest()
	assert.False(t, ok)
	_, ok = r.newest()
	assert.False(t, ok)
}

func TestMetricsSnapshotComputesProcessedRate(t *testing.T) {
	broker := newFakeBroker()
	m := NewMetrics(broker, nil, MetricsConfig{Queues: []string{"default"}})
	clock := timeutil.NewSimulatedClock(time.Now())
	m.clock = clock

	m.sample() // 0 completed at t0

	q, err := NewQueue("default", broker, QueueConfig{}, nil)
	require.NoError(t, err)
	job, err := q.Add(context.Background(), nil, Options{})
	require.NoError(t, err)
	require.NoError(t, broker.Complete(context.Background(), job.toMessage(), nil))

	clock.AdvanceTime(time.Minute)
	m.sample() // 1 completed at t0+1m

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.InDelta(t, 1.0, snap[0].ProcessedRate, 0.001)
}
