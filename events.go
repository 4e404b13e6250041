// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/relaytask/relayq/internal/base"
	"github.com/relaytask/relayq/internal/log"
)

// EventName identifies a named event channel (spec.md §4.15).
type EventName string

const (
	EventJobAdded                    EventName = "jobAdded"
	EventJobCompleted                EventName = "jobCompleted"
	EventJobFailed                   EventName = "jobFailed"
	EventJobProgress                 EventName = "jobProgress"
	EventJobActive                   EventName = "jobActive"
	EventJobStalled                  EventName = "jobStalled"
	EventJobDelayed                  EventName = "jobDelayed"
	EventJobRemoved                  EventName = "jobRemoved"
	EventReady                       EventName = "ready"
	EventError                       EventName = "error"
	EventBatchAdded                  EventName = "batchAdded"
	EventBatchCompleted              EventName = "batchCompleted"
	EventBatchFailed                 EventName = "batchFailed"
	EventBatchProgress               EventName = "batchProgress"
	EventGroupCreated                EventName = "groupCreated"
	EventGroupRemoved                EventName = "groupRemoved"
	EventObservableStarted           EventName = "observableStarted"
	EventObservableStopped           EventName = "observableStopped"
	EventJobMovedToDeadLetter        EventName = "jobMovedToDeadLetter"
	EventJobRepublishedFromDeadLetter EventName = "jobRepublishedFromDeadLetter"
)

// Subscriber receives events on a buffered channel. A slow subscriber is
// dropped rather than allowed to block the emitter (spec.md §4.15, §9).
type Subscriber struct {
	ch     chan interface{}
	name   EventName
	parent *Emitter
}

// C returns the subscriber's delivery channel.
func (s *Subscriber) C() <-chan interface{} { return s.ch }

// Unsubscribe stops delivery and closes the channel.
func (s *Subscriber) Unsubscribe() { s.parent.unsubscribe(s) }

const subscriberBufferSize = 32

// Emitter is a topic-indexed, in-process fan-out. It is safe for
// concurrent use. A nil *Emitter is valid and discards every emission,
// so components can unconditionally call emit without checking whether
// the caller configured events.
type Emitter struct {
	mu          sync.RWMutex
	subscribers map[EventName][]*Subscriber
	logger      *log.Logger

	// broker/relayChannel, if set, additionally publish every emission to
	// EventChannel so other instances in the cluster observe it (events
	// are otherwise local-only per spec.md §5).
	broker       base.Broker
	relayChannel string
}

// NewEmitter returns a ready-to-use Emitter. If broker is non-nil, events
// are also relayed cluster-wide over broker.Publish.
func NewEmitter(logger *log.Logger, broker base.Broker) *Emitter {
	return &Emitter{
		subscribers: make(map[EventName][]*Subscriber),
		logger:      logger,
		broker:      broker,
		relayChannel: base.EventChannel,
	}
}

// On subscribes to name, returning a Subscriber whose channel receives
// every future emission.
func (e *Emitter) On(name EventName) *Subscriber {
	s := &Subscriber{ch: make(chan interface{}, subscriberBufferSize), name: name, parent: e}
	e.mu.Lock()
	e.subscribers[name] = append(e.subscribers[name], s)
	e.mu.Unlock()
	return s
}

func (e *Emitter) unsubscribe(target *Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.subscribers[target.name]
	for i, s := range subs {
		if s == target {
			e.subscribers[target.name] = append(subs[:i], subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// emit is the internal entry point every relayq component calls; it is a
// no-op on a nil Emitter.
func (e *Emitter) emit(name EventName, payload interface{}) {
	if e == nil {
		return
	}
	e.mu.RLock()
	subs := e.subscribers[name]
	e.mu.RUnlock()
	for _, s := range subs {
		select {
		case s.ch <- payload:
		default:
			if e.logger != nil {
				e.logger.Debugf("events: dropping %s for slow subscriber", name)
			}
		}
	}
	if e.broker != nil {
		encoded, err := json.Marshal(struct {
			Name    EventName   `json:"name"`
			Payload interface{} `json:"payload"`
		}{name, payload})
		if err == nil {
			_ = e.broker.Publish(context.Background(), e.relayChannel, string(encoded))
		}
	}
}
