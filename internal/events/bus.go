// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (sensor, pipeline engine,
// signal client) to subscribers (log tailer, future metrics collector).
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSensor identifies events from the polling sensor.
	SourceSensor = "sensor"
	// SourceEngine identifies events from the pipeline engine.
	SourceEngine = "engine"
	// SourceSignal identifies events from the signal-cli client.
	SourceSignal = "signal"
)

// Kind constants describe the type of event within a source.
const (
	// KindTickStart signals the beginning of a sensor evaluation.
	// Data: test_mode.
	KindTickStart = "tick_start"
	// KindTickSkip signals an evaluation that emitted nothing.
	// Data: reason.
	KindTickSkip = "tick_skip"
	// KindJobEmitted signals a job request handed to the engine.
	// Data: run_key, sender, attachments.
	KindJobEmitted = "job_emitted"

	// KindStageStart signals a pipeline stage has begun.
	// Data: run_key, stage.
	KindStageStart = "stage_start"
	// KindStageDone signals a pipeline stage has finished.
	// Data: run_key, stage, ok, duration_ms.
	KindStageDone = "stage_done"
	// KindJobSuccess signals a job reached its terminal success state.
	// Data: run_key, transaction_id, duration_ms.
	KindJobSuccess = "job_success"
	// KindJobFailure signals a job reached its terminal failure state.
	// Data: run_key, stage, error_kind.
	KindJobFailure = "job_failure"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept <-chan Event (the caller's view).
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full, drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
