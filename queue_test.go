package relayq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, name string, cfg QueueConfig) (*Queue, *fakeBroker) {
	broker := newFakeBroker()
	q, err := NewQueue(name, broker, cfg, nil)
	require.NoError(t, err)
	return q, broker
}

func TestNewQueueRejectsBlankName(t *testing.T) {
	_, err := NewQueue("   ", newFakeBroker(), QueueConfig{}, nil)
	assert.Error(t, err)
}

func TestQueueAddAssignsIDAndEmitsAdded(t *testing.T) {
	broker := newFakeBroker()
	events := NewEmitter(nil, nil)
	q, err := NewQueue("default", broker, QueueConfig{}, events)
	require.NoError(t, err)

	sub := events.On(EventJobAdded)
	defer sub.Unsubscribe()

	job, err := q.Add(context.Background(), []byte("payload"), Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)

	select {
	case payload := <-sub.C():
		got, ok := payload.(*Job)
		require.True(t, ok)
		assert.Equal(t, job.ID, got.ID)
	default:
		t.Fatal("expected EventJobAdded to have been emitted synchronously")
	}
}

func TestQueueAddHonorsExplicitJobID(t *testing.T) {
	q, _ := newTestQueue(t, "default", QueueConfig{})
	job, err := q.Add(context.Background(), nil, Options{JobID: "fixed-id"})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", job.ID)
}

func TestQueueAddRejectsOutOfRangePriority(t *testing.T) {
	q, _ := newTestQueue(t, "default", QueueConfig{PriorityLevels: 3})
	_, err := q.Add(context.Background(), nil, Options{Priority: 5})
	assert.Error(t, err)
}

func TestQueueGetJobRoundTrips(t *testing.T) {
	q, _ := newTestQueue(t, "default", QueueConfig{})
	added, err := q.Add(context.Background(), []byte("hello"), Options{})
	require.NoError(t, err)

	got, state, err := q.GetJob(context.Background(), added.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)
	assert.Equal(t, []byte("hello"), got.Data)
}

func TestQueueGetJobNotFound(t *testing.T) {
	q, _ := newTestQueue(t, "default", QueueConfig{})
	_, _, err := q.GetJob(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestQueueUpdateProgressEmitsEvent(t *testing.T) {
	broker := newFakeBroker()
	events := NewEmitter(nil, nil)
	q, err := NewQueue("default", broker, QueueConfig{}, events)
	require.NoError(t, err)

	job, err := q.Add(context.Background(), nil, Options{})
	require.NoError(t, err)

	sub := events.On(EventJobProgress)
	defer sub.Unsubscribe()

	require.NoError(t, q.UpdateProgress(context.Background(), job.ID, 42))

	select {
	case payload := <-sub.C():
		got := payload.(*Job)
		assert.Equal(t, 42, got.Progress)
	default:
		t.Fatal("expected EventJobProgress to have been emitted")
	}
}

func TestQueueRemoveJob(t *testing.T) {
	q, _ := newTestQueue(t, "default", QueueConfig{})
	job, err := q.Add(context.Background(), nil, Options{})
	require.NoError(t, err)

	require.NoError(t, q.RemoveJob(context.Background(), job.ID))
	_, _, err = q.GetJob(context.Background(), job.ID)
	assert.Error(t, err)
}

func TestQueuePauseResume(t *testing.T) {
	q, _ := newTestQueue(t, "default", QueueConfig{})
	paused, err := q.IsPaused(context.Background())
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, q.Pause(context.Background()))
	paused, err = q.IsPaused(context.Background())
	require.NoError(t, err)
	assert.True(t, paused)

	require.NoError(t, q.Resume(context.Background()))
	paused, err = q.IsPaused(context.Background())
	require.NoError(t, err)
	assert.False(t, paused)
}
