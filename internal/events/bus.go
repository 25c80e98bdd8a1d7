// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (availability tracker,
// router, request queue, recovery negotiator) to subscribers (WebSocket
// handler, NDJSON stream, MQTT publisher, metrics). The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so components do not need
// guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAvailability identifies events from the availability tracker.
	SourceAvailability = "availability"
	// SourceRouter identifies events from the fallback router.
	SourceRouter = "router"
	// SourceQueue identifies events from the request queue.
	SourceQueue = "queue"
	// SourceRecovery identifies events from the recovery negotiator.
	SourceRecovery = "recovery"
)

// Kind constants describe the type of event within a source.
const (
	// KindProviderUnavailable signals a provider entered cooldown.
	// Data: provider, reason, cooldown_ms.
	KindProviderUnavailable = "provider_unavailable"
	// KindProviderRecovered signals a provider left cooldown.
	// Data: provider, trigger ("heal" or "reset").
	KindProviderRecovered = "provider_recovered"

	// KindProviderResolved signals a resolve decision.
	// Data: provider, degraded, fallback, reason.
	KindProviderResolved = "provider_resolved"
	// KindProviderSwitched signals an explicit current-provider change.
	// Data: provider.
	KindProviderSwitched = "provider_switched"
	// KindChainReplaced signals the fallback chain was replaced.
	// Data: primary, fallbacks.
	KindChainReplaced = "chain_replaced"

	// KindRequestEnqueued signals a request entered the queue.
	// Data: request_id, caller, priority, depth.
	KindRequestEnqueued = "request_enqueued"
	// KindQueueReordered signals a request jumped ahead of lower
	// priority work. Data: depth.
	KindQueueReordered = "queue_reordered"
	// KindRequestProcessing signals a worker picked up a request.
	// Data: request_id, provider, model, priority, waited_ms.
	KindRequestProcessing = "request_processing"
	// KindRequestDone signals a request finished. Data: request_id,
	// ok, caller, priority, provider, model, duration_ms, depth, plus
	// input_tokens and output_tokens on success or error on failure.
	KindRequestDone = "request_done"

	// KindRecoveryStarted signals a recovery negotiation began.
	// Data: operation_id, operation.
	KindRecoveryStarted = "recovery_started"
	// KindRecoveryOutcome signals a recovery negotiation resolved.
	// Data: operation_id, operation, disposition, recovery_possible,
	// operations, reasoning.
	KindRecoveryOutcome = "recovery_outcome"
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
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
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
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
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
