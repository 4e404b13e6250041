package relayq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaytask/relayq/internal/log"
)

func newTestLeaderElector(broker *fakeBroker, instanceID string, onBecomeLeader, onLeadershipLost func()) *leaderElector {
	return newLeaderElector(leaderElectorParams{
		logger:            log.NewLogger(nil),
		broker:            broker,
		instanceID:        instanceID,
		leaderTimeout:     time.Minute,
		heartbeatInterval: 20 * time.Second,
		onBecomeLeader:    onBecomeLeader,
		onLeadershipLost:  onLeadershipLost,
	})
}

func TestWatchClaimsVacantLeadership(t *testing.T) {
	broker := newFakeBroker()
	var becameLeader bool
	e := newTestLeaderElector(broker, "inst-1", func() { becameLeader = true }, nil)

	e.watch(context.Background())

	assert.True(t, e.isLeader())
	assert.True(t, becameLeader)
	id, _, _ := broker.ReadLeader(context.Background())
	assert.Equal(t, "inst-1", id)
}

func TestWatchDoesNotChallengeLiveLease(t *testing.T) {
	broker := newFakeBroker()
	_, err := broker.AcquireLeader(context.Background(), "inst-1", time.Minute)
	require.NoError(t, err)

	e := newTestLeaderElector(broker, "inst-2", func() { t.Fatal("inst-2 must not become leader") }, nil)
	e.watch(context.Background())

	assert.False(t, e.isLeader())
	id, _, _ := broker.ReadLeader(context.Background())
	assert.Equal(t, "inst-1", id)
}

func TestWatchTakesOverAfterLeaseExpires(t *testing.T) {
	broker := newFakeBroker()
	_, err := broker.AcquireLeader(context.Background(), "inst-1", time.Millisecond)
	require.NoError(t, err)
	broker.leaderAt = time.Now().Add(-time.Hour)

	e := newTestLeaderElector(broker, "inst-2", nil, nil)
	e.watch(context.Background())

	assert.True(t, e.isLeader())
	id, _, _ := broker.ReadLeader(context.Background())
	assert.Equal(t, "inst-2", id)
}

func TestWatchStepsDownWhenLeaseWasStolenBetweenTicks(t *testing.T) {
	broker := newFakeBroker()
	e := newTestLeaderElector(broker, "inst-1", nil, nil)
	e.watch(context.Background())
	require.True(t, e.isLeader())

	// simulate another instance somehow taking the lease (e.g. after a
	// missed heartbeat elsewhere) without going through inst-1's elector.
	broker.leaderID = "inst-2"
	broker.leaderAt = time.Now()

	var lostLeadership bool
	e.onLeadershipLost = func() { lostLeadership = true }
	e.watch(context.Background())

	assert.False(t, e.isLeader())
	assert.True(t, lostLeadership)
}

func TestHeartbeatTickRenewsWhileLeader(t *testing.T) {
	broker := newFakeBroker()
	e := newTestLeaderElector(broker, "inst-1", nil, nil)
	e.watch(context.Background())
	require.True(t, e.isLeader())

	before := broker.leaderAt
	time.Sleep(time.Millisecond)
	e.heartbeatTick(context.Background())

	assert.True(t, e.isLeader())
	assert.True(t, broker.leaderAt.After(before))
}

func TestHeartbeatTickIsNoopForFollower(t *testing.T) {
	broker := newFakeBroker()
	_, err := broker.AcquireLeader(context.Background(), "inst-1", time.Minute)
	require.NoError(t, err)

	e := newTestLeaderElector(broker, "inst-2", nil, nil)
	e.heartbeatTick(context.Background())

	assert.False(t, e.isLeader())
	id, _, _ := broker.ReadLeader(context.Background())
	assert.Equal(t, "inst-1", id)
}

func TestStepDownReleasesLeadershipAndFiresCallback(t *testing.T) {
	broker := newFakeBroker()
	var lostLeadership bool
	e := newTestLeaderElector(broker, "inst-1", nil, func() { lostLeadership = true })
	e.watch(context.Background())
	require.True(t, e.isLeader())

	e.stepDown(context.Background())

	assert.False(t, e.isLeader())
	assert.True(t, lostLeadership)
	id, _, _ := broker.ReadLeader(context.Background())
	assert.Empty(t, id)
}

func TestStepDownIsNoopForFollower(t *testing.T) {
	broker := newFakeBroker()
	e := newTestLeaderElector(broker, "inst-1", nil, func() { t.Fatal("follower stepping down must not fire the lost-leadership callback") })
	e.stepDown(context.Background())
	assert.False(t, e.isLeader())
}
