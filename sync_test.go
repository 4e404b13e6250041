package relayq

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relaytask/relayq/internal/log"
)

func TestSyncerRetryDropsSucceedingRequests(t *testing.T) {
	s := newSyncer(syncerParams{logger: log.NewLogger(nil)})

	var calls int
	buffer := []*syncRequest{
		{fn: func() error { calls++; return nil }, errMsg: "ok"},
		{fn: func() error { calls++; return errors.New("still failing") }, errMsg: "still broken"},
	}

	remaining := s.retry(buffer)
	assert.Equal(t, 2, calls)
	assert.Len(t, remaining, 1)
	assert.Equal(t, "still broken", remaining[0].errMsg)
}

func TestSyncerRetryKeepsOrderOfRemaining(t *testing.T) {
	s := newSyncer(syncerParams{logger: log.NewLogger(nil)})

	buffer := []*syncRequest{
		{fn: func() error { return errors.New("a") }, errMsg: "a"},
		{fn: func() error { return nil }, errMsg: "b"},
		{fn: func() error { return errors.New("c") }, errMsg: "c"},
	}

	remaining := s.retry(buffer)
	assert.Len(t, remaining, 2)
	assert.Equal(t, "a", remaining[0].errMsg)
	assert.Equal(t, "c", remaining[1].errMsg)
}

func TestSyncerFlushCallsEveryRequestOnce(t *testing.T) {
	s := newSyncer(syncerParams{logger: log.NewLogger(nil)})

	var calls int
	buffer := []*syncRequest{
		{fn: func() error { calls++; return errors.New("still broken") }, errMsg: "a"},
		{fn: func() error { calls++; return nil }, errMsg: "b"},
	}
	s.flush(buffer)
	assert.Equal(t, 2, calls)
}

func TestSyncerSyncDropsRequestWhenBufferFull(t *testing.T) {
	s := newSyncer(syncerParams{logger: log.NewLogger(nil)})
	s.requestsCh = make(chan *syncRequest, 1)

	s.sync(func() error { return nil }, "first")
	// buffer is now full; this second call must not block.
	done := make(chan struct{})
	go func() {
		s.sync(func() error { return nil }, "second, dropped")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sync blocked instead of dropping when the buffer was full")
	}
	assert.Len(t, s.requestsCh, 1)
}

func TestSyncerStartRetriesBufferedRequestUntilItSucceeds(t *testing.T) {
	s := newSyncer(syncerParams{logger: log.NewLogger(nil), interval: 20 * time.Millisecond})

	var mu sync.Mutex
	attempts := 0
	succeeded := make(chan struct{})
	s.sync(func() error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return errors.New("not yet")
		}
		close(succeeded)
		return nil
	}, "flaky commit")

	var wg sync.WaitGroup
	s.start(&wg)
	defer func() {
		s.shutdown()
		wg.Wait()
	}()

	select {
	case <-succeeded:
	case <-time.After(2 * time.Second):
		t.Fatal("syncer never retried its buffered request to success")
	}
}
