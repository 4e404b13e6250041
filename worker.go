// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relaytask/relayq/idgen"
	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/log"
	"github.com/relaytask/relayq/internal/rdb"
	"github.com/relaytask/relayq/internal/timeutil"
	"github.com/relaytask/relayq/lock"
)

// Worker pulls jobs off queues and runs them through a Handler, and hosts
// every background task relayq needs to keep a queue healthy: promotion of
// delayed/dependent jobs, stalled-job recovery, cleanup, leader election,
// and multi-instance work coordination.
//
// A Worker and the Queues submitting to the same names share a Broker but
// have independent lifecycles: a process may submit jobs without running a
// Worker, or run a Worker with no local Queue at all.
type Worker struct {
	logger *log.Logger

	broker base.Broker
	// When a Worker has been created with an existing Redis connection, we
	// do not want to close it on Shutdown.
	sharedConnection bool

	state *workerState

	instanceID string
	events     *Emitter
	locks      *lock.Manager

	wg sync.WaitGroup

	dispatcher    *dispatcher
	promoter      *promoter
	stalled       *stalledChecker
	cleaner       *cleaner
	healthchecker *healthchecker
	leader        *leaderElector
	coordinator   *coordinator
	syncer        *syncer
}

type workerState struct {
	mu    sync.Mutex
	value workerStateValue
}

type workerStateValue int

const (
	workerStateNew workerStateValue = iota
	workerStateActive
	workerStateStopped
	workerStateClosed
)

var workerStates = []string{"new", "active", "stopped", "closed"}

func (s workerStateValue) String() string {
	if workerStateNew <= s && s <= workerStateClosed {
		return workerStates[s]
	}
	return "unknown status"
}

// Config specifies a Worker's background-processing behavior (spec.md §4.7
// through §4.14).
type Config struct {
	// Concurrency is the maximum number of jobs processed at once by this
	// instance. If zero or negative, it defaults to the number of usable
	// CPUs.
	Concurrency int

	// Queues lists the queues this worker drains, each with a relative
	// weight used to divide dispatch slots fairly. Keys are queue names;
	// values are weights.
	//
	// Example:
	//
	//     Queues: map[string]int{
	//         "critical": 6,
	//         "default":  3,
	//         "low":      1,
	//     }
	//
	// Given all queues non-empty, jobs in "critical", "default", and "low"
	// are processed roughly 60%, 30%, and 10% of the time respectively.
	//
	// If unset, the worker processes only the "default" queue.
	Queues map[string]int

	// PriorityLevels configures, per queue name, how many priority levels
	// that queue's promoter should pump (spec.md §4.12). Queues absent
	// from this map are treated as non-priority.
	PriorityLevels map[string]int

	// BaseContext optionally returns the base context for Handler
	// invocations. Defaults to context.Background.
	BaseContext func() context.Context

	// DisableLocks skips the per-job distributed lock around dispatch.
	// Only safe with a single worker instance per queue.
	DisableLocks bool

	// TickInterval is the worker loop's poll interval (spec.md §4.7,
	// default ≈ 50ms).
	TickInterval time.Duration

	// ShutdownTimeout bounds how long Shutdown waits for in-flight jobs
	// before returning; remaining jobs are left for the stalled checker.
	// Defaults to 8s.
	ShutdownTimeout time.Duration

	// StalledCheckInterval is how often the stalled-job checker runs
	// (spec.md §4.8, default ≈ 30s).
	StalledCheckInterval time.Duration
	// StalledThreshold is how long a job may sit in active, unclaimed by
	// its lock, before being considered stalled (default ≈ 10s).
	StalledThreshold time.Duration
	// MaxStalledRetries bounds stalled recovery: a stalled job is put back
	// into waiting only while its attempts_made (which counts every
	// dequeue) is below this value, and is failed outright otherwise
	// (default 1).
	MaxStalledRetries int

	// PromoteInterval is how often delayed jobs are checked for
	// readiness and priority levels are pumped (spec.md §4.5, default
	// ≈ 5s for delayed promotion; priority pumping always runs at a
	// faster fixed ≈25ms cadence regardless of this value).
	PromoteInterval time.Duration

	// CleanupInterval, CompletedMaxAge/Cap, FailedMaxAge/Cap configure
	// the cluster-singleton cleanup task (spec.md §4.9).
	CleanupInterval  time.Duration
	CompletedMaxAge  time.Duration
	CompletedCap     int
	FailedMaxAge     time.Duration
	FailedCap        int

	// HealthCheckFunc, if set, is called with the result of periodically
	// pinging Redis.
	HealthCheckFunc     func(error)
	HealthCheckInterval time.Duration

	// LeaderTimeout and HeartbeatInterval configure leader election
	// (spec.md §4.13).
	LeaderTimeout     time.Duration
	HeartbeatInterval time.Duration

	// MaxWorkers and JobsPerWorker advertise this instance's capacity to
	// the work coordinator (spec.md §4.14). If MaxWorkers is zero, the
	// coordinator is disabled and Concurrency is used unconditionally.
	MaxWorkers      int
	JobsPerWorker   int
	CoordinatorPollInterval time.Duration

	// Logger specifies the logger used by the worker instance. If unset,
	// a default logger writing to stderr is used.
	Logger log.Base

	// LogLevel specifies the minimum log level to enable. Defaults to
	// InfoLevel.
	LogLevel log.Level
}

const (
	defaultTickInterval            = 50 * time.Millisecond
	defaultShutdownTimeout         = 8 * time.Second
	defaultStalledCheckInterval    = 30 * time.Second
	defaultStalledThreshold        = 10 * time.Second
	defaultMaxStalledRetries       = 1
	defaultPromoteInterval         = 5 * time.Second
	defaultCleanupInterval         = 1 * time.Hour
	defaultCompletedMaxAge         = 24 * time.Hour
	defaultCompletedCap            = 1000
	defaultFailedMaxAge            = 7 * 24 * time.Hour
	defaultFailedCap               = 1000
	defaultHealthCheckInterval     = 15 * time.Second
	defaultLeaderTimeout           = 30 * time.Second
	defaultHeartbeatInterval       = 10 * time.Second
	defaultCoordinatorPollInterval = 5 * time.Second
)

var defaultQueueWeights = map[string]int{base.DefaultQueueName: 1}

// NewWorker returns a new Worker backed by the given Redis client.
func NewWorker(client redis.UniversalClient, cfg Config) *Worker {
	return newWorker(client, cfg, true)
}

func newWorker(client redis.UniversalClient, cfg Config, sharedConnection bool) *Worker {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = runtime.NumCPU()
	}
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = defaultQueueWeights
	}
	qnames := make([]string, 0, len(queues))
	for q := range queues {
		qnames = append(qnames, q)
	}

	logger := log.NewLogger(cfg.Logger)
	level := cfg.LogLevel
	if level == 0 && cfg.Logger == nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)

	broker := rdb.NewRDB(client)
	clock := timeutil.NewRealClock()
	instanceID := idgen.NewInstanceID()
	events := NewEmitter(logger, broker)
	locks := lock.NewManager(client, logger)

	tickInterval := orDefault(cfg.TickInterval, defaultTickInterval)
	shutdownTimeout := orDefault(cfg.ShutdownTimeout, defaultShutdownTimeout)

	syncr := newSyncer(syncerParams{logger: logger})

	disp := newDispatcher(dispatcherParams{
		logger:          logger,
		broker:          broker,
		locks:           locks,
		clock:           clock,
		events:          events,
		sync:            syncr,
		queueWeights:    queues,
		concurrency:     concurrency,
		tickInterval:    tickInterval,
		shutdownTimeout: shutdownTimeout,
		disableLocks:    cfg.DisableLocks,
		baseCtxFn:       cfg.BaseContext,
	})

	prom := newPromoter(promoterParams{
		logger:         logger,
		broker:         broker,
		queues:         qnames,
		priorityLevels: cfg.PriorityLevels,
		interval:       orDefault(cfg.PromoteInterval, defaultPromoteInterval),
	})

	stalled := newStalledChecker(stalledCheckerParams{
		logger:            logger,
		broker:            broker,
		locks:             locks,
		clock:             clock,
		events:            events,
		queues:            qnames,
		interval:          orDefault(cfg.StalledCheckInterval, defaultStalledCheckInterval),
		stalledThreshold:  orDefault(cfg.StalledThreshold, defaultStalledThreshold),
		maxStalledRetries: orDefaultInt(cfg.MaxStalledRetries, defaultMaxStalledRetries),
	})

	clean := newCleaner(cleanerParams{
		logger:          logger,
		broker:          broker,
		queues:          qnames,
		interval:        orDefault(cfg.CleanupInterval, defaultCleanupInterval),
		completedMaxAge: orDefault(cfg.CompletedMaxAge, defaultCompletedMaxAge),
		completedCap:    orDefaultInt(cfg.CompletedCap, defaultCompletedCap),
		failedMaxAge:    orDefault(cfg.FailedMaxAge, defaultFailedMaxAge),
		failedCap:       orDefaultInt(cfg.FailedCap, defaultFailedCap),
	})

	hc := newHealthChecker(healthcheckerParams{
		logger:          logger,
		broker:          broker,
		interval:        orDefault(cfg.HealthCheckInterval, defaultHealthCheckInterval),
		healthcheckFunc: cfg.HealthCheckFunc,
	})

	var coord *coordinator
	if cfg.MaxWorkers > 0 {
		coord = newCoordinator(coordinatorParams{
			logger:        logger,
			broker:        broker,
			clock:         clock,
			instanceID:    instanceID,
			maxWorkers:    cfg.MaxWorkers,
			jobsPerWorker: cfg.JobsPerWorker,
			pollInterval:  orDefault(cfg.CoordinatorPollInterval, defaultCoordinatorPollInterval),
			onAdjust:      disp.adjustConcurrency,
		})
	}

	w := &Worker{
		logger:           logger,
		broker:           broker,
		sharedConnection: sharedConnection,
		state:            &workerState{value: workerStateNew},
		instanceID:       instanceID,
		events:           events,
		locks:            locks,
		dispatcher:       disp,
		promoter:         prom,
		stalled:          stalled,
		cleaner:          clean,
		healthchecker:    hc,
		coordinator:      coord,
		syncer:           syncr,
	}

	// Cleanup is a cluster-singleton task: only the currently-elected
	// leader runs it (spec.md §4.13).
	w.leader = newLeaderElector(leaderElectorParams{
		logger:            logger,
		broker:            broker,
		instanceID:        instanceID,
		leaderTimeout:     orDefault(cfg.LeaderTimeout, defaultLeaderTimeout),
		heartbeatInterval: orDefault(cfg.HeartbeatInterval, defaultHeartbeatInterval),
		onBecomeLeader:    func() { w.cleaner.start(&w.wg) },
		onLeadershipLost:  func() { w.cleaner.shutdown() },
	})

	return w
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Events returns the Worker's event emitter, for subscribing to job
// lifecycle notifications (spec.md §4.15).
func (w *Worker) Events() *Emitter { return w.events }

// IsLeader reports whether this Worker currently holds cluster leadership,
// suitable as the isLeader callback passed to NewScheduler so cron
// advancement runs on exactly one instance (spec.md §4.13).
func (w *Worker) IsLeader() bool { return w.leader.isLeader() }

// ErrWorkerClosed indicates an operation is illegal because the worker has
// already been shut down.
var ErrWorkerClosed = errors.New("relayq: worker closed")

// Run starts job processing and blocks until an OS signal requests
// shutdown, at which point it gracefully winds down every background task.
func (w *Worker) Run(handler Handler) error {
	if err := w.Start(handler); err != nil {
		return err
	}
	w.waitForSignals()
	w.Shutdown()
	return nil
}

// Start begins job processing: it starts the dispatcher and every
// background task (promotion, stalled-job recovery, healthcheck, leader
// election, and, if configured, work coordination). Cleanup only actually
// runs once this instance wins leadership.
func (w *Worker) Start(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("relayq: worker cannot run with a nil handler")
	}
	w.dispatcher.handler = handler

	if err := w.start(); err != nil {
		return err
	}
	w.logger.Info("Starting processing")

	w.syncer.start(&w.wg)
	w.healthchecker.start(&w.wg)
	w.promoter.start(&w.wg)
	w.stalled.start(&w.wg)
	w.leader.start(&w.wg)
	if w.coordinator != nil {
		w.coordinator.start(&w.wg)
	}
	w.dispatcher.start(&w.wg, w.isPaused)
	return nil
}

func (w *Worker) isPaused(qname string) bool {
	paused, err := w.broker.IsPaused(context.Background(), qname)
	if err != nil {
		w.logger.Errorf("Failed to check pause state for queue %q: %v", qname, err)
		return false
	}
	return paused
}

// start checks worker state and returns an error if the pre-condition is
// not met. Otherwise it sets the worker state to active.
func (w *Worker) start() error {
	w.state.mu.Lock()
	defer w.state.mu.Unlock()
	switch w.state.value {
	case workerStateActive:
		return fmt.Errorf("relayq: the worker is already running")
	case workerStateStopped:
		return fmt.Errorf("relayq: the worker is in the stopped state, waiting for shutdown")
	case workerStateClosed:
		return ErrWorkerClosed
	}
	w.state.value = workerStateActive
	return nil
}

// Shutdown gracefully shuts the worker down: it stops accepting new jobs,
// waits (bounded by ShutdownTimeout) for in-flight jobs to finish, and
// stops every background task.
func (w *Worker) Shutdown() {
	w.state.mu.Lock()
	if w.state.value == workerStateNew || w.state.value == workerStateClosed {
		w.state.mu.Unlock()
		return
	}
	w.state.value = workerStateClosed
	w.state.mu.Unlock()

	w.logger.Info("Starting graceful shutdown")
	w.dispatcher.shutdown(w.dispatcher.shutdownTimeout)
	w.syncer.shutdown()
	w.promoter.shutdown()
	w.stalled.shutdown()
	w.healthchecker.shutdown()
	w.leader.shutdown()
	if w.coordinator != nil {
		w.coordinator.shutdown(context.Background())
	}
	w.wg.Wait()

	if !w.sharedConnection {
		w.broker.Close()
	}
	w.logger.Info("Exiting")
}

// Stop signals the worker to stop dispatching new jobs without waiting for
// in-flight jobs or stopping background tasks; call Shutdown afterward to
// fully wind down.
func (w *Worker) Stop() {
	w.state.mu.Lock()
	if w.state.value != workerStateActive {
		w.state.mu.Unlock()
		return
	}
	w.state.value = workerStateStopped
	w.state.mu.Unlock()

	w.logger.Info("Stopping dispatcher")
	atomic.StoreInt32(&w.dispatcher.concurrency, 0)
	w.logger.Info("Dispatcher stopped")
}

// Ping performs a ping against the Redis connection.
func (w *Worker) Ping() error {
	w.state.mu.Lock()
	defer w.state.mu.Unlock()
	if w.state.value == workerStateClosed {
		return nil
	}
	return w.broker.Ping()
}
