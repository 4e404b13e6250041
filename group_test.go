package relayq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGroup(t *testing.T) (*Group, *Queue, *Emitter) {
	broker := newFakeBroker()
	events := NewEmitter(nil, nil)
	q, err := NewQueue("default", broker, QueueConfig{}, events)
	require.NoError(t, err)
	g := NewGroup("g1", q, events)
	return g, q, events
}

func TestBatchRecomputeAllPending(t *testing.T) {
	b := &Batch{jobIDs: map[string]struct{}{"a": {}, "b": {}}, done: map[string]struct{}{}}
	b.recompute()
	status, progress, err := b.status, b.progress, b.err
	assert.Equal(t, BatchActive, status)
	assert.Equal(t, 0, progress)
	assert.NoError(t, err)
}

func TestBatchRecomputeAllCompleted(t *testing.T) {
	b := &Batch{
		jobIDs: map[string]struct{}{"a": {}, "b": {}},
		done:   map[string]struct{}{"a": {}, "b": {}},
	}
	b.recompute()
	assert.Equal(t, BatchCompleted, b.status)
	assert.Equal(t, 100, b.progress)
}

func TestBatchRecomputeFailedMember(t *testing.T) {
	b := &Batch{
		jobIDs: map[string]struct{}{"a": {}, "b": {}},
		done:   map[string]struct{}{"a": {}, "b": {}},
		err:    &JobFailedError{JobID: "a", Reason: "boom"},
	}
	b.recompute()
	assert.Equal(t, BatchFailed, b.status)
}

func TestGroupAddBatchSubmitsEveryItem(t *testing.T) {
	g, _, _ := newTestGroup(t)
	batch, err := g.AddBatch(context.Background(), []BatchItem{
		{Data: []byte("one")},
		{Data: []byte("two")},
	})
	require.NoError(t, err)
	assert.Len(t, batch.JobIDs(), 2)

	status, progress, _ := batch.Status()
	assert.Equal(t, BatchActive, status)
	assert.Equal(t, 0, progress)
}

func TestGroupMarksBatchCompletedOnAllJobsCompleted(t *testing.T) {
	g, q, events := newTestGroup(t)
	batch, err := g.AddBatch(context.Background(), []BatchItem{{Data: []byte("one")}})
	require.NoError(t, err)

	completedSub := events.On(EventBatchCompleted)
	defer completedSub.Unsubscribe()

	ids := batch.JobIDs()
	require.Len(t, ids, 1)
	job, _, err := q.GetJob(context.Background(), ids[0])
	require.NoError(t, err)

	events.emit(EventJobCompleted, job)

	select {
	case <-completedSub.C():
	case <-time.After(time.Second):
		t.Fatal("expected EventBatchCompleted after the only member job completed")
	}

	status, progress, batchErr := batch.Status()
	assert.Equal(t, BatchCompleted, status)
	assert.Equal(t, 100, progress)
	assert.NoError(t, batchErr)
}

func TestGroupRetryableFailureDoesNotMarkBatchDone(t *testing.T) {
	g, q, events := newTestGroup(t)
	batch, err := g.AddBatch(context.Background(), []BatchItem{{Data: []byte("one")}})
	require.NoError(t, err)

	progressSub := events.On(EventBatchProgress)
	defer progressSub.Unsubscribe()

	ids := batch.JobIDs()
	job, _, err := q.GetJob(context.Background(), ids[0])
	require.NoError(t, err)

	// EventJobFailed fires on every failed attempt, including ones with
	// retries remaining; it must not mark the batch member done.
	events.emit(EventJobFailed, job)

	select {
	case <-progressSub.C():
	case <-time.After(time.Second):
		t.Fatal("expected EventBatchProgress on a retryable failure")
	}

	status, _, _ := batch.Status()
	assert.Equal(t, BatchActive, status)
}

func TestGroupDeadLetteredJobMarksBatchFailed(t *testing.T) {
	g, q, events := newTestGroup(t)
	batch, err := g.AddBatch(context.Background(), []BatchItem{{Data: []byte("one")}})
	require.NoError(t, err)

	failedSub := events.On(EventBatchFailed)
	defer failedSub.Unsubscribe()

	ids := batch.JobIDs()
	job, _, err := q.GetJob(context.Background(), ids[0])
	require.NoError(t, err)
	job.FailedReason = "exhausted retries"

	events.emit(EventJobMovedToDeadLetter, job)

	select {
	case <-failedSub.C():
	case <-time.After(time.Second):
		t.Fatal("expected EventBatchFailed after dead-lettering the only member")
	}

	status, _, batchErr := batch.Status()
	assert.Equal(t, BatchFailed, status)
	assert.Error(t, batchErr)
}
