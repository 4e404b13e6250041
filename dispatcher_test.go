package relayq

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/log"
	"github.com/relaytask/relayq/internal/timeutil"
)

func TestQueueSelectorOrderRespectsWeights(t *testing.T) {
	s := newQueueSelector(map[string]int{"critical": 6, "default": 3, "low": 1})
	order := s.order()
	assert.Len(t, order, 3)

	counts := make(map[string]int)
	for i := 0; i < 100; i++ {
		for _, name := range s.order() {
			counts[name]++
		}
	}
	// critical should be visited at least as often as default, which in
	// turn should be visited at least as often as low, over many rounds.
	assert.GreaterOrEqual(t, counts["critical"], counts["default"])
	assert.GreaterOrEqual(t, counts["default"], counts["low"])
}

func TestQueueSelectorNonPositiveWeightDefaultsToOne(t *testing.T) {
	s := newQueueSelector(map[string]int{"only": 0})
	assert.Equal(t, 1, s.weights[0])
}

func TestQueueSelectorSharesDoesNotStarveLowWeightQueue(t *testing.T) {
	s := newQueueSelector(map[string]int{"critical": 6, "default": 3, "low": 1})
	shares := s.shares(10)
	assert.Equal(t, 10, shares["critical"]+shares["default"]+shares["low"])
	assert.Greater(t, shares["low"], 0)
	assert.GreaterOrEqual(t, shares["critical"], shares["default"])
	assert.GreaterOrEqual(t, shares["default"], shares["low"])
}

func TestQueueSelectorSharesOfZeroSlots(t *testing.T) {
	s := newQueueSelector(map[string]int{"only": 1})
	assert.Empty(t, s.shares(0))
}

func TestComputeBackoffFixed(t *testing.T) {
	b := base.Backoff{Type: base.BackoffFixed, Delay: 1000}
	assert.Equal(t, time.Second, computeBackoff(b, 1))
	assert.Equal(t, time.Second, computeBackoff(b, 5))
}

func TestComputeBackoffExponential(t *testing.T) {
	b := base.Backoff{Type: base.BackoffExponential, Delay: 1000}
	assert.Equal(t, time.Second, computeBackoff(b, 1))
	assert.Equal(t, 2*time.Second, computeBackoff(b, 2))
	assert.Equal(t, 4*time.Second, computeBackoff(b, 3))
}

func newTestDispatcherWithBroker(broker *fakeBroker) *dispatcher {
	return newDispatcher(dispatcherParams{
		logger:      log.NewLogger(nil),
		broker:      broker,
		clock:       timeutil.NewRealClock(),
		concurrency: 1,
	})
}

func TestOnFailureMovesToDeadLetterAndRemovesFromFailedByDefault(t *testing.T) {
	broker := newFakeBroker()
	msg := &base.JobMessage{
		ID: "j1", Queue: "q", AttemptsMade: 2,
		Opts: base.Options{Attempts: 2, DeadLetter: &base.DeadLetterOpt{Enabled: true, MaxRetries: 2}},
	}
	broker.put("q", msg, base.JobStateActive)
	d := newTestDispatcherWithBroker(broker)

	d.onFailure(msg, fmt.Errorf("handler failed"))

	assert.True(t, broker.lastMoveToDeadLetterRemoveFromFailed)
	assert.Equal(t, base.JobStateDeadLetter, broker.states["q"]["j1"])
}

func TestOnFailureKeepsFailedEntryWhenConfigured(t *testing.T) {
	broker := newFakeBroker()
	msg := &base.JobMessage{
		ID: "j1", Queue: "q", AttemptsMade: 2,
		Opts: base.Options{
			Attempts:   2,
			DeadLetter: &base.DeadLetterOpt{Enabled: true, MaxRetries: 2, KeepInFailedQueue: true},
		},
	}
	broker.put("q", msg, base.JobStateActive)
	d := newTestDispatcherWithBroker(broker)

	d.onFailure(msg, fmt.Errorf("handler failed"))

	assert.False(t, broker.lastMoveToDeadLetterRemoveFromFailed)
}

func TestComputeBackoffZeroDelayMeansNoRetryDelay(t *testing.T) {
	b := base.Backoff{Type: base.BackoffFixed, Delay: 0}
	assert.Equal(t, time.Duration(0), computeBackoff(b, 1))
}
