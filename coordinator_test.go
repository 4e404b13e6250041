package relayq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/log"
	"github.com/relaytask/relayq/internal/timeutil"
)

func TestDistributeWorkersSingleInstanceGetsItsOwnTarget(t *testing.T) {
	shares := distributeWorkers([]*base.InstanceInfo{
		{ID: "a", MaxWorkers: 10, WorkersAssigned: 4},
	})
	assert.Equal(t, 4, shares["a"])
}

func TestDistributeWorkersSplitsProportionally(t *testing.T) {
	shares := distributeWorkers([]*base.InstanceInfo{
		{ID: "a", MaxWorkers: 10, WorkersAssigned: 10},
		{ID: "b", MaxWorkers: 10, WorkersAssigned: 0},
	})
	total := shares["a"] + shares["b"]
	assert.Equal(t, 10, total)
	assert.Equal(t, 5, shares["a"])
	assert.Equal(t, 5, shares["b"])
}

func TestDistributeWorkersNeverExceedsMaxWorkers(t *testing.T) {
	shares := distributeWorkers([]*base.InstanceInfo{
		{ID: "a", MaxWorkers: 2, WorkersAssigned: 2},
		{ID: "b", MaxWorkers: 20, WorkersAssigned: 20},
	})
	assert.LessOrEqual(t, shares["a"], 2)
	assert.LessOrEqual(t, shares["b"], 20)
}

func TestDistributeWorkersCapsTotalAtSumOfMax(t *testing.T) {
	shares := distributeWorkers([]*base.InstanceInfo{
		{ID: "a", MaxWorkers: 3, WorkersAssigned: 100},
	})
	assert.Equal(t, 3, shares["a"])
}

func TestDistributeWorkersHandlesZeroInstances(t *testing.T) {
	shares := distributeWorkers(nil)
	assert.Empty(t, shares)
}

// TestCoordinatorExecBootstrapsNonZeroShareOnFirstPoll guards against a
// freshly-registered instance advertising WorkersAssigned=0 on its first
// publish: if that were left at the zero value, the very first exec would
// compute totalTarget=0 and hand onAdjust a permanent 0, which the next
// cycle would read back and perpetuate.
func TestCoordinatorExecBootstrapsNonZeroShareOnFirstPoll(t *testing.T) {
	broker := newFakeBroker()
	var got int
	var mu sync.Mutex
	c := newCoordinator(coordinatorParams{
		logger:        log.NewLogger(nil),
		broker:        broker,
		clock:         timeutil.NewRealClock(),
		instanceID:    "inst-1",
		maxWorkers:    5,
		jobsPerWorker: 1,
		pollInterval:  time.Second,
		onAdjust: func(workers int) {
			mu.Lock()
			got = workers
			mu.Unlock()
		},
	})

	c.exec()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, got)

	instances, err := broker.ReadInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, 5, instances[0].WorkersAssigned)
}

// TestCoordinatorExecDoesNotResetShareEachPoll guards against exec's
// pre-distributeWorkers write zeroing WorkersAssigned every cycle: if it
// did, sumAssigned would read back 0 on every single poll (not just the
// first), and the cluster-wide target would never recover.
func TestCoordinatorExecDoesNotResetShareEachPoll(t *testing.T) {
	broker := newFakeBroker()
	var last int
	c := newCoordinator(coordinatorParams{
		logger:        log.NewLogger(nil),
		broker:        broker,
		clock:         timeutil.NewRealClock(),
		instanceID:    "inst-1",
		maxWorkers:    5,
		jobsPerWorker: 1,
		pollInterval:  time.Second,
		onAdjust:      func(workers int) { last = workers },
	})

	c.exec()
	require.Equal(t, 5, last)

	c.exec()
	assert.Equal(t, 5, last, "share must not collapse to 0 on a steady-state second poll")
}
