// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package relayq provides a distributed job queue backed by Redis.

relayq is a production-ready distributed job queue in Go. It is designed
for reliability with at-least-once delivery semantics, powered by Redis.

# Features

Core Features:
  - At-Least-Once Delivery: per-job distributed locks with stalled-job recovery
  - Delayed/Scheduled Jobs: run jobs at a specific time, or on a cron schedule
  - Job Dependencies: hold jobs until every listed dependency has finished
  - Concurrency Control: configurable worker pool, adjustable at runtime
  - Retry with Backoff: fixed or exponential retry delay, per job
  - Dead-letter Queue: jobs that exhaust retries land in a per-queue dead-letter list

Bonus Features:
  - Priority Queues: N named priority levels, pumped into waiting highest-first
  - Rate Limiting: sliding-window submission limits per queue
  - Leader Election: cluster-singleton tasks run on exactly one instance
  - Work Coordination: fair worker-count distribution across instances
  - Events: in-process pub/sub for job and queue lifecycle notifications

# Quick Start

Producer (add jobs):

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	queue, err := relayq.NewQueue("email", relayq.NewBroker(client), relayq.QueueConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}

	payload, _ := json.Marshal(map[string]int{"user_id": 42})
	job, err := queue.Add(context.Background(), payload, relayq.Options{Attempts: 3})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Added: %s", job.ID)

Worker (process jobs):

	w := relayq.NewWorker(client, relayq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	})

	handler := relayq.HandlerFunc(func(ctx context.Context, job *relayq.Job) ([]byte, error) {
		log.Printf("Processing job: %s", job.ID)
		return nil, nil
	})

	if err := w.Run(handler); err != nil {
		log.Fatal(err)
	}

# Job Options

Available fields on Options when calling Queue.Add:

	Delay            - delay before the job becomes eligible to run
	Attempts         - maximum total handler invocations, including the first
	Backoff          - fixed or exponential retry-delay policy
	Priority         - priority level, for priority queues
	LIFO             - push to the tail of its list instead of the head
	JobID            - caller-supplied job ID instead of a generated one
	DependsOn        - job IDs that must finish before this job is eligible
	RemoveOnComplete - delete the job record once it completes
	RemoveOnFail     - delete the job record once it exhausts retries
	DeadLetter       - move exhausted jobs into the dead-letter queue
	Repeat           - cron recurrence
	Timeout          - advisory per-job execution timeout

# Architecture

relayq uses Redis as the sole source of shared state. Jobs are stored in
Redis lists (waiting, active, completed, failed, dead-letter) and sorted
sets (delayed), each job as a hash holding its encoded message and
metadata.

A Worker spawns multiple goroutines:
  - dispatcher: polls waiting and dispatches jobs to the handler
  - promoter: moves ready delayed jobs to waiting, pumps priority levels
  - stalledChecker: recovers jobs abandoned by a crashed worker
  - cleaner: trims completed/failed by age and count (leader-only)
  - healthchecker: pings Redis and reports connectivity failures
  - leaderElector: runs the follower/candidate/leader state machine
  - coordinator: negotiates a fair worker-count share across instances
*/
package relayq
