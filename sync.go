// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"sync"
	"time"

	"github.com/relaytask/relayq/internal/log"
)

// syncRequest is a previously-failed broker commit, retried until it
// succeeds or the syncer is shut down.
type syncRequest struct {
	fn     func() error
	errMsg string
}

// syncer buffers failed state-commits (a completion or failure report that
// couldn't reach Redis) and retries them on an interval, so a transient
// Redis blip doesn't silently drop a job's terminal state. It does not
// retry indefinitely within one process lifetime in any stronger sense
// than "until shutdown" — a crash loses the buffer, same as any other
// in-memory retry queue.
type syncer struct {
	logger     *log.Logger
	requestsCh chan *syncRequest
	interval   time.Duration
	done       chan struct{}
}

type syncerParams struct {
	logger   *log.Logger
	interval time.Duration
}

const defaultSyncInterval = 5 * time.Second

func newSyncer(params syncerParams) *syncer {
	interval := params.interval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	return &syncer{
		logger:     params.logger,
		requestsCh: make(chan *syncRequest, 64),
		interval:   interval,
		done:       make(chan struct{}),
	}
}

// sync enqueues fn for retry. If the buffer is full, the request is
// dropped and logged rather than blocking the caller (the buffer is sized
// generously for transient blips, not a durable queue).
func (s *syncer) sync(fn func() error, errMsg string) {
	select {
	case s.requestsCh <- &syncRequest{fn: fn, errMsg: errMsg}:
	default:
		s.logger.Errorf("syncer: buffer full, dropping retry for: %s", errMsg)
	}
}

func (s *syncer) shutdown() {
	s.logger.Debug("Syncer shutting down...")
	s.done <- struct{}{}
}

func (s *syncer) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		var buffer []*syncRequest
		timer := time.NewTimer(s.interval)
		for {
			select {
			case <-s.done:
				timer.Stop()
				s.flush(buffer)
				return
			case req := <-s.requestsCh:
				buffer = append(buffer, req)
			case <-timer.C:
				buffer = s.retry(buffer)
				timer.Reset(s.interval)
			}
		}
	}()
}

func (s *syncer) flush(buffer []*syncRequest) {
	for _, req := range buffer {
		if err := req.fn(); err != nil {
			s.logger.Errorf("syncer: final retry failed for: %s: %v", req.errMsg, err)
		}
	}
}

func (s *syncer) retry(buffer []*syncRequest) []*syncRequest {
	remaining := buffer[:0]
	for _, req := range buffer {
		if err := req.fn(); err != nil {
			s.logger.Warnf("syncer: retry failed, will retry again: %s: %v", req.errMsg, err)
			remaining = append(remaining, req)
		}
	}
	return remaining
}
