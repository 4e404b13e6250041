// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"sync"
	"time"

	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/log"
	"github.com/relaytask/relayq/internal/timeutil"
)

// metricsWindowSize is the number of samples kept per rolling window
// (spec.md §4.15: "last 100 points").
const metricsWindowSize = 100

// StateCounts is one sampled snapshot of a queue's per-state job counts.
type StateCounts struct {
	At        time.Time
	JobCounts base.JobCounts
}

// QueueMetrics is a point-in-time snapshot returned by Metrics.Snapshot for
// one queue: the rolling window of state counts, the total number of jobs
// added since the collector started, and the completed-jobs-per-minute
// rate computed from the window's oldest and newest samples.
type QueueMetrics struct {
	Queue         string
	Counts        []StateCounts
	TotalAdded    int64
	ProcessedRate float64 // completed jobs per minute
}

// ring is a fixed-capacity circular buffer of StateCounts.
type ring struct {
	buf   [metricsWindowSize]StateCounts
	len   int
	start int
}

func (r *ring) push(v StateCounts) {
	idx := (r.start + r.len) % metricsWindowSize
	r.buf[idx] = v
	if r.len < metricsWindowSize {
		r.len++
	} else {
		r.start = (r.start + 1) % metricsWindowSize
	}
}

func (r *ring) items() []StateCounts {
	out := make([]StateCounts, r.len)
	for i := 0; i < r.len; i++ {
		out[i] = r.buf[(r.start+i)%metricsWindowSize]
	}
	return out
}

func (r *ring) oldest() (StateCounts, bool) {
	if r.len == 0 {
		return StateCounts{}, false
	}
	return r.buf[r.start], true
}

func (r *ring) newest() (StateCounts, bool) {
	if r.len == 0 {
		return StateCounts{}, false
	}
	return r.buf[(r.start+r.len-1)%metricsWindowSize], true
}

// Metrics periodically samples GetJobCounts for a fixed set of queues and
// keeps a rolling window per queue (spec.md §4.15). It also subscribes to
// EventJobAdded to maintain each queue's running added-counter, since
// GetJobCounts alone can't distinguish "added then already completed" from
// "never added".
type Metrics struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock
	queues []string
	sub    *Subscriber

	mu      sync.Mutex
	windows map[string]*ring
	added   map[string]int64

	interval time.Duration
	done     chan struct{}
}

type MetricsConfig struct {
	Queues   []string
	Interval time.Duration
	Logger   *log.Logger
}

const defaultMetricsInterval = 10 * time.Second

// NewMetrics returns a Metrics collector for the given queues. If events is
// non-nil, EventJobAdded is observed to maintain the added-counter; start
// the returned collector with Start before reading Snapshot.
func NewMetrics(broker base.Broker, events *Emitter, cfg MetricsConfig) *Metrics {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultMetricsInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewLogger(nil)
	}
	windows := make(map[string]*ring, len(cfg.Queues))
	added := make(map[string]int64, len(cfg.Queues))
	for _, q := range cfg.Queues {
		windows[q] = &ring{}
		added[q] = 0
	}
	m := &Metrics{
		logger:   logger,
		broker:   broker,
		clock:    timeutil.NewRealClock(),
		queues:   cfg.Queues,
		windows:  windows,
		added:    added,
		interval: interval,
		done:     make(chan struct{}),
	}
	if events != nil {
		m.sub = events.On(EventJobAdded)
	}
	return m
}

// Start begins sampling. Call Shutdown to stop.
func (m *Metrics) Start(wg *sync.WaitGroup) {
	if m.sub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for payload := range m.sub.C() {
				job, ok := payload.(*Job)
				if !ok {
					continue
				}
				m.mu.Lock()
				if _, tracked := m.added[job.Queue]; tracked {
					m.added[job.Queue]++
				}
				m.mu.Unlock()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(m.interval)
		for {
			select {
			case <-m.done:
				timer.Stop()
				return
			case <-timer.C:
				m.sample()
				timer.Reset(m.interval)
			}
		}
	}()
}

// Shutdown stops sampling and, if subscribed, unsubscribes from events.
func (m *Metrics) Shutdown() {
	m.done <- struct{}{}
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
}

func (m *Metrics) sample() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, qname := range m.queues {
		counts, err := m.broker.GetJobCounts(ctx, qname)
		if err != nil {
			m.logger.Errorf("metrics: failed to sample queue %q: %v", qname, err)
			continue
		}
		m.mu.Lock()
		w := m.windows[qname]
		if w == nil {
			w = &ring{}
			m.windows[qname] = w
		}
		w.push(StateCounts{At: m.clock.Now(), JobCounts: *counts})
		m.mu.Unlock()
	}
}

// Snapshot returns the current rolling-window state for every tracked
// queue (spec.md §4.15's getMetrics()).
func (m *Metrics) Snapshot() []*QueueMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*QueueMetrics, 0, len(m.queues))
	for _, qname := range m.queues {
		w := m.windows[qname]
		if w == nil {
			continue
		}
		qm := &QueueMetrics{
			Queue:      qname,
			Counts:     w.items(),
			TotalAdded: m.added[qname],
		}
		oldest, hasOldest := w.oldest()
		newest, hasNewest := w.newest()
		if hasOldest && hasNewest && newest.At.After(oldest.At) {
			minutes := newest.At.Sub(oldest.At).Minutes()
			if minutes > 0 {
				qm.ProcessedRate = float64(newest.JobCounts.Completed-oldest.JobCounts.Completed) / minutes
			}
		}
		out = append(out, qm)
	}
	return out
}
