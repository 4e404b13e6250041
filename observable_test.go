package relayq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservablePollPopulatesSnapshot(t *testing.T) {
	broker := newFakeBroker()
	q, err := NewQueue("default", broker, QueueConfig{}, nil)
	require.NoError(t, err)
	_, err = q.Add(context.Background(), nil, Options{})
	require.NoError(t, err)

	events := NewEmitter(nil, nil)
	obs := NewObservable("obs-1", []string{"default"}, broker, events, time.Hour, nil)

	obs.poll()

	snap := obs.LastSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.Queues["default"].Waiting)
}

func TestObservableStartStopAreIdempotentAndEmitEvents(t *testing.T) {
	broker := newFakeBroker()
	events := NewEmitter(nil, nil)
	obs := NewObservable("obs-2", []string{"default"}, broker, events, time.Hour, nil)

	startedSub := events.On(EventObservableStarted)
	stoppedSub := events.On(EventObservableStopped)
	defer startedSub.Unsubscribe()
	defer stoppedSub.Unsubscribe()

	var wg sync.WaitGroup
	obs.Start(&wg)
	assert.True(t, obs.IsRunning())

	select {
	case <-startedSub.C():
	case <-time.After(time.Second):
		t.Fatal("expected EventObservableStarted")
	}

	// starting again while already running must not emit a second time.
	obs.Start(&wg)
	select {
	case <-startedSub.C():
		t.Fatal("did not expect a second EventObservableStarted")
	case <-time.After(50 * time.Millisecond):
	}

	obs.Stop()
	assert.False(t, obs.IsRunning())
	select {
	case <-stoppedSub.C():
	case <-time.After(time.Second):
		t.Fatal("expected EventObservableStopped")
	}

	wg.Wait()
}
