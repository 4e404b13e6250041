// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines the foundational types, the Redis keyspace layout,
// and the job-record codec shared by every relayq package.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relaytask/relayq/internal/errors"
)

// Version of the relayq library.
const Version = "1.0.0"

// DefaultQueueName is the queue name used if none is specified by the caller.
const DefaultQueueName = "default"

// Global (cluster-wide) Redis keys.
const (
	AllQueues     = "relayq:queues"         // SET of every queue name ever seen
	AllInstances  = "relayq:instances"       // ZSET of instance keys, scored by heartbeat deadline
	AllSchedulers = "relayq:schedulers"      // ZSET of scheduler-entry keys
	LeaderKey     = "relayq:leader:current"  // STRING "{instanceId}:{unixMillis}"
	EventChannel  = "relayq:events"          // PubSub channel carrying cross-instance event relay
)

// JobState denotes the state of a job.
type JobState int

const (
	JobStateWaiting JobState = iota + 1
	JobStateActive
	JobStateCompleted
	JobStateFailed
	JobStateDelayed
	JobStatePaused
	JobStateDependencyWait
	JobStateDeadLetter
)

func (s JobState) String() string {
	switch s {
	case JobStateWaiting:
		return "waiting"
	case JobStateActive:
		return "active"
	case JobStateCompleted:
		return "completed"
	case JobStateFailed:
		return "failed"
	case JobStateDelayed:
		return "delayed"
	case JobStatePaused:
		return "paused"
	case JobStateDependencyWait:
		return "dependency-wait"
	case JobStateDeadLetter:
		return "dead-letter"
	}
	panic(fmt.Sprintf("internal error: unknown job state %d", s))
}

// JobStateFromString parses the string form of a JobState.
func JobStateFromString(s string) (JobState, error) {
	switch s {
	case "waiting":
		return JobStateWaiting, nil
	case "active":
		return JobStateActive, nil
	case "completed":
		return JobStateCompleted, nil
	case "failed":
		return JobStateFailed, nil
	case "delayed":
		return JobStateDelayed, nil
	case "paused":
		return JobStatePaused, nil
	case "dependency-wait":
		return JobStateDependencyWait, nil
	case "dead-letter":
		return JobStateDeadLetter, nil
	}
	return 0, errors.E(errors.FailedPrecondition, fmt.Sprintf("%q is not a supported job state", s))
}

// ValidateQueueName validates a given qname to be used as a queue name.
func ValidateQueueName(qname string) error {
	if len(strings.TrimSpace(qname)) == 0 {
		return fmt.Errorf("queue name must contain one or more characters")
	}
	return nil
}

// QueueKeyPrefix returns the key prefix shared by every key belonging to
// the given queue, e.g. "relayq:{<qname>}:". The hash-tag braces keep all
// of a queue's keys on the same Redis Cluster slot.
func QueueKeyPrefix(qname string) string {
	return "relayq:{" + qname + "}:"
}

func JobKeyPrefix(qname string) string { return QueueKeyPrefix(qname) + "job:" }

// JobKey returns the Redis key for the given job's hash.
func JobKey(qname, id string) string { return JobKeyPrefix(qname) + id }

// DependentsKey returns the Redis key for a job's reverse dependency index.
func DependentsKey(qname, id string) string { return JobKey(qname, id) + ":dependents" }

func WaitingKey(qname string) string         { return QueueKeyPrefix(qname) + "waiting" }
func ActiveKey(qname string) string          { return QueueKeyPrefix(qname) + "active" }
func CompletedKey(qname string) string       { return QueueKeyPrefix(qname) + "completed" }
func FailedKey(qname string) string          { return QueueKeyPrefix(qname) + "failed" }
func DelayedKey(qname string) string         { return QueueKeyPrefix(qname) + "delayed" }
func PauseFlagKey(qname string) string       { return QueueKeyPrefix(qname) + "paused:flag" }
func PausedListKey(qname string) string      { return QueueKeyPrefix(qname) + "paused" }
func DependencyWaitKey(qname string) string  { return QueueKeyPrefix(qname) + "dependency-wait" }
func PriorityKey(qname string, level int) string {
	return fmt.Sprintf("%spriority:%d", QueueKeyPrefix(qname), level)
}
func DeadLetterKey(qname string) string { return qname + "-dead-letter" }
func DeadLetterJobKey(qname, id string) string {
	return QueueKeyPrefix(qname) + "dead-letter:job:" + id
}
func LimitKey(identifier string) string    { return "relayq:limit:{" + identifier + "}" }
func LockKey(resource string) string       { return "relayq:lock:{" + resource + "}" }
func ProcessedTotalKey(qname string) string { return QueueKeyPrefix(qname) + "processed" }
func FailedTotalKey(qname string) string    { return QueueKeyPrefix(qname) + "failed_total" }
func ProcessedKey(qname string, t time.Time) string {
	return QueueKeyPrefix(qname) + "processed:" + t.UTC().Format("2006-01-02")
}
func FailedDailyKey(qname string, t time.Time) string {
	return QueueKeyPrefix(qname) + "failed:" + t.UTC().Format("2006-01-02")
}

// InstanceKey returns the Redis key for an instance's registration record.
func InstanceKey(instanceID string) string { return "relayq:instance:{" + instanceID + "}" }

// SchedulerEntriesKey returns the Redis key for a scheduler's live entries.
func SchedulerEntriesKey(schedulerID string) string {
	return "relayq:scheduler:{" + schedulerID + "}:entries"
}

// SchedulerHistoryKey returns the Redis key for an entry's firing history.
func SchedulerHistoryKey(entryID string) string {
	return "relayq:scheduler_history:{" + entryID + "}"
}

// BackoffType names the retry delay policy for a job.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff holds the retry-delay policy.
type Backoff struct {
	Type  BackoffType `json:"type,omitempty"`
	Delay int64       `json:"delay,omitempty"` // milliseconds
}

// Repeat describes a cron recurrence attached to a job's submission options.
type Repeat struct {
	Cron      string `json:"cron,omitempty"`
	TZ        string `json:"tz,omitempty"`
	StartDate int64  `json:"start_date,omitempty"` // unix ms, 0 = unset
	EndDate   int64  `json:"end_date,omitempty"`   // unix ms, 0 = unset
	Limit     int    `json:"limit,omitempty"`      // 0 = unbounded
}

// DeadLetterOpt configures dead-letter behavior for a single job.
type DeadLetterOpt struct {
	Enabled    bool `json:"enabled,omitempty"`
	MaxRetries int  `json:"max_retries,omitempty"` // 0 = use opts.Attempts
	// KeepInFailedQueue leaves a copy of the job in the failed list when it
	// is moved to dead-letter, instead of removing it (spec.md §4.11's
	// removeFromOriginalQueue, inverted so the zero value keeps today's
	// remove-by-default behavior).
	KeepInFailedQueue bool `json:"keep_in_failed_queue,omitempty"`
}

// Options are the closed set of submission-time job options (spec.md §6).
type Options struct {
	Delay            int64          `json:"delay,omitempty"` // ms
	Attempts         int            `json:"attempts,omitempty"`
	Backoff          Backoff        `json:"backoff,omitempty"`
	Priority         int            `json:"priority,omitempty"`
	LIFO             bool           `json:"lifo,omitempty"`
	JobID            string         `json:"job_id,omitempty"`
	DependsOn        []string       `json:"depends_on,omitempty"`
	KeepJobs         bool           `json:"keep_jobs,omitempty"`
	RemoveOnComplete bool           `json:"remove_on_complete,omitempty"`
	RemoveOnFail     bool           `json:"remove_on_fail,omitempty"`
	DeadLetter       *DeadLetterOpt `json:"dead_letter,omitempty"`
	Repeat           *Repeat        `json:"repeat,omitempty"`
	Timeout          int64          `json:"timeout,omitempty"` // ms, advisory
}

// JobMessage is the internal wire representation of a job, written as a
// single Redis hash field ("msg") alongside a parallel "state" field.
type JobMessage struct {
	ID           string   `json:"id"`
	Queue        string   `json:"queue"`
	Data         []byte   `json:"data"`
	Opts         Options  `json:"opts"`
	Timestamp    int64    `json:"timestamp"`     // unix ms, submitted-at
	AttemptsMade int      `json:"attempts_made"`
	Progress     int      `json:"progress"`
	ProcessedOn  int64    `json:"processed_on,omitempty"`
	FinishedOn   int64    `json:"finished_on,omitempty"`
	ReturnValue  []byte   `json:"return_value,omitempty"`
	FailedReason string   `json:"failed_reason,omitempty"`
	Stacktrace   []string `json:"stacktrace,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// MaxStacktraceLen bounds the number of retained stack entries (spec.md §3).
const MaxStacktraceLen = 10

// AppendStacktrace appends frame to msg.Stacktrace, dropping the oldest
// entry if the bound is exceeded.
func (msg *JobMessage) AppendStacktrace(frame string) {
	msg.Stacktrace = append(msg.Stacktrace, frame)
	if len(msg.Stacktrace) > MaxStacktraceLen {
		msg.Stacktrace = msg.Stacktrace[len(msg.Stacktrace)-MaxStacktraceLen:]
	}
}

// EncodeMessage marshals the given job message.
func EncodeMessage(msg *JobMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	return json.Marshal(msg)
}

// DecodeMessage unmarshals bytes into a JobMessage.
func DecodeMessage(data []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Z represents a sorted-set member paired with its score (fire time).
type Z struct {
	Message *JobMessage
	Score   int64
}

// InstanceInfo holds a registered instance's coordinator state
// (spec.md §3 "Instance record").
type InstanceInfo struct {
	ID              string    `json:"id"`
	MaxWorkers      int       `json:"max_workers"`
	JobsPerWorker   int       `json:"jobs_per_worker"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	WorkersAssigned int       `json:"workers_assigned"`
}

func EncodeInstanceInfo(info *InstanceInfo) ([]byte, error) { return json.Marshal(info) }

func DecodeInstanceInfo(b []byte) (*InstanceInfo, error) {
	var info InstanceInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeadLetterRecord is the record stored for a job moved into the
// dead-letter queue (spec.md §4.11).
type DeadLetterRecord struct {
	ID                string   `json:"id"`
	OriginalQueue     string   `json:"original_queue"`
	Data              []byte   `json:"data"`
	FailedReason      string   `json:"failed_reason"`
	AttemptsMade      int      `json:"attempts_made"`
	Stacktrace        []string `json:"stacktrace"`
	MovedAt           int64    `json:"moved_at"`
	OriginalTimestamp int64    `json:"original_timestamp"`
	Opts              Options  `json:"opts"`
}

func EncodeDeadLetterRecord(r *DeadLetterRecord) ([]byte, error) { return json.Marshal(r) }

func DecodeDeadLetterRecord(b []byte) (*DeadLetterRecord, error) {
	var r DeadLetterRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SchedulerEntry describes one registered cron recurrence.
type SchedulerEntry struct {
	ID       string  `json:"id"`
	Queue    string  `json:"queue"`
	Cron     string  `json:"cron"`
	TZ       string  `json:"tz,omitempty"`
	Data     []byte  `json:"data"`
	Opts     Options `json:"opts"`
	Next     int64   `json:"next"` // unix ms
	FireCount int    `json:"fire_count"`
}

func EncodeSchedulerEntry(e *SchedulerEntry) ([]byte, error) { return json.Marshal(e) }

func DecodeSchedulerEntry(b []byte) (*SchedulerEntry, error) {
	var e SchedulerEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// SchedulerEnqueueEvent records one firing of a scheduler entry.
type SchedulerEnqueueEvent struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func EncodeSchedulerEnqueueEvent(e *SchedulerEnqueueEvent) ([]byte, error) { return json.Marshal(e) }

// JobCounts is a snapshot of per-state job counts for a queue
// (spec.md §4.6 getJobCounts).
type JobCounts struct {
	Waiting        int64
	Active         int64
	Completed      int64
	Failed         int64
	Delayed        int64
	Paused         int64
	DependencyWait int64
	DeadLetter     int64
}

// Broker is the generic command-dispatch port every higher-level relayq
// component consumes. internal/rdb.RDB is the production implementation
// backed by a real redis.UniversalClient; tests may swap in a fake.
type Broker interface {
	Ping() error
	Close() error

	Enqueue(ctx context.Context, msg *JobMessage) error
	EnqueueDelayed(ctx context.Context, msg *JobMessage, processAt time.Time) error
	EnqueuePriority(ctx context.Context, msg *JobMessage, level int) error
	EnqueueDependencyWait(ctx context.Context, msg *JobMessage, deps []string) (pending bool, err error)

	Dequeue(ctx context.Context, qname string, n int) ([]*JobMessage, error)

	Complete(ctx context.Context, msg *JobMessage, result []byte) error
	Fail(ctx context.Context, msg *JobMessage, errMsg, stackFrame string) (*JobMessage, error)
	RetryAfter(ctx context.Context, msg *JobMessage, processAt time.Time) error
	RequeueImmediate(ctx context.Context, msg *JobMessage) error
	RequeueStalled(ctx context.Context, msg *JobMessage) error
	FailStalled(ctx context.Context, msg *JobMessage) error

	MoveToDeadLetter(ctx context.Context, msg *JobMessage, reason string, removeFromFailed bool) error
	RepublishFromDeadLetter(ctx context.Context, qname, id string, resetRetries bool) (*JobMessage, error)
	DeadLetterJobs(ctx context.Context, qname string, start, stop int64) ([]*DeadLetterRecord, error)
	RemoveDeadLetterJob(ctx context.Context, qname, id string) error
	ClearDeadLetter(ctx context.Context, qname string) error

	PromoteDelayed(ctx context.Context, qname string) (int, error)
	PromoteDependents(ctx context.Context, qname, finishedJobID string) ([]string, error)
	PumpPriority(ctx context.Context, qname string, levels int) (int, error)

	GetJob(ctx context.Context, qname, id string) (*JobMessage, JobState, error)
	// GetJobs returns jobs in state within [start, stop]. priorityLevels is
	// the queue's configured level count (0 if it isn't a priority queue);
	// for JobStateWaiting it's used to union the priority:{n} lists with
	// waiting, since a job pending pump is still logically "waiting".
	GetJobs(ctx context.Context, qname string, state JobState, start, stop int64, priorityLevels int) ([]*JobMessage, error)
	GetJobCounts(ctx context.Context, qname string) (*JobCounts, error)
	UpdateProgress(ctx context.Context, qname, id string, progress int) (*JobMessage, error)

	Pause(ctx context.Context, qname string) error
	Resume(ctx context.Context, qname string) error
	IsPaused(ctx context.Context, qname string) (bool, error)

	RemoveJob(ctx context.Context, qname, id string) error
	EmptyQueue(ctx context.Context, qname string) error
	BulkPause(ctx context.Context, qname string, ids []string) (int, error)
	BulkResume(ctx context.Context, qname string, ids []string) (int, error)
	BulkRemove(ctx context.Context, qname string, ids []string) (int, error)

	ListActive(ctx context.Context, qname string) ([]*JobMessage, error)

	CleanupCompleted(ctx context.Context, qname string, maxAge time.Duration, cap int) (int, error)
	CleanupFailed(ctx context.Context, qname string, maxAge time.Duration, cap int) (int, error)

	WriteInstanceState(ctx context.Context, info *InstanceInfo, ttl time.Duration) error
	ReadInstances(ctx context.Context) ([]*InstanceInfo, error)
	RemoveInstance(ctx context.Context, instanceID string) error

	AcquireLeader(ctx context.Context, instanceID string, ttl time.Duration) (bool, error)
	RenewLeader(ctx context.Context, instanceID string, ttl time.Duration) (bool, error)
	ReadLeader(ctx context.Context) (instanceID string, since time.Time, err error)
	ReleaseLeader(ctx context.Context, instanceID string) error

	WriteSchedulerEntries(ctx context.Context, schedulerID string, entries []*SchedulerEntry, ttl time.Duration) error
	RecordSchedulerEnqueueEvent(ctx context.Context, entryID string, event *SchedulerEnqueueEvent) error

	Publish(ctx context.Context, channel, payload string) error
}
