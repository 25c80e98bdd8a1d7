// Package availability tracks per-provider health with lazy,
// read-triggered cooldown expiry. There are no background timers: a
// provider marked unavailable stays that way until an eligibility read
// finds its cooldown elapsed, and that read heals the record. State is
// process-scoped and never persisted across restarts.
package availability

import (
	"sync"
	"time"

	"github.com/Fimeg/Coquette-sub001/internal/events"
)

// Reason classifies why a provider was marked unavailable. The reason
// picks the cooldown: timeouts are transient and reconsidered quickly,
// other errors sit out longer.
type Reason string

const (
	ReasonTimeout Reason = "timeout"
	ReasonError   Reason = "error"
)

// Cooldown periods per failure reason.
const (
	TimeoutCooldown = 60 * time.Second
	ErrorCooldown   = 300 * time.Second
)

// CooldownFor returns the cooldown period for a failure reason.
// Unrecognized reasons get the longer error cooldown.
func CooldownFor(reason Reason) time.Duration {
	if reason == ReasonTimeout {
		return TimeoutCooldown
	}
	return ErrorCooldown
}

// failure is the most recent failure for one provider. Absence from
// the tracker map means the provider is available.
type failure struct {
	reason Reason
	at     time.Time
}

// Record is a read-only availability view for one provider, used by
// the ops surfaces. Remaining is how much cooldown is left; zero or
// negative means the next eligibility read will heal the provider.
type Record struct {
	Provider  string
	Available bool
	Reason    Reason
	Since     time.Time
	Remaining time.Duration
}

// Tracker holds per-provider availability state.
type Tracker struct {
	mu       sync.Mutex
	failures map[string]failure
	bus      *events.Bus
	nowFunc  func() time.Time
}

// NewTracker creates a tracker with every provider available. The bus
// may be nil.
func NewTracker(bus *events.Bus) *Tracker {
	return &Tracker{
		failures: make(map[string]failure),
		bus:      bus,
		nowFunc:  time.Now,
	}
}

// MarkUnavailable records a failure for the provider, stamping the
// current time. A second mark overwrites the first, restarting the
// cooldown under the new reason.
func (t *Tracker) MarkUnavailable(id string, reason Reason) {
	t.mu.Lock()
	now := t.nowFunc()
	t.failures[id] = failure{reason: reason, at: now}
	t.mu.Unlock()

	t.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceAvailability,
		Kind:      events.KindProviderUnavailable,
		Data: map[string]any{
			"provider":    id,
			"reason":      string(reason),
			"cooldown_ms": CooldownFor(reason).Milliseconds(),
		},
	})
}

// Eligible reports whether the provider may be used. An unavailable
// provider whose cooldown has elapsed is healed back to available by
// this read; the check and the heal are one combined operation, not a
// pure query.
func (t *Tracker) Eligible(id string) bool {
	t.mu.Lock()
	f, ok := t.failures[id]
	if !ok {
		t.mu.Unlock()
		return true
	}

	now := t.nowFunc()
	if now.Sub(f.at) < CooldownFor(f.reason) {
		t.mu.Unlock()
		return false
	}
	delete(t.failures, id)
	t.mu.Unlock()

	t.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceAvailability,
		Kind:      events.KindProviderRecovered,
		Data:      map[string]any{"provider": id, "trigger": "heal"},
	})
	return true
}

// Reset forces one provider back to available immediately, clearing
// its failure timestamp. Idempotent.
func (t *Tracker) Reset(id string) {
	t.mu.Lock()
	_, wasDown := t.failures[id]
	delete(t.failures, id)
	now := t.nowFunc()
	t.mu.Unlock()

	if !wasDown {
		return
	}
	t.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceAvailability,
		Kind:      events.KindProviderRecovered,
		Data:      map[string]any{"provider": id, "trigger": "reset"},
	})
}

// ResetAll forces every tracked provider back to available.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	down := make([]string, 0, len(t.failures))
	for id := range t.failures {
		down = append(down, id)
	}
	t.failures = make(map[string]failure)
	now := t.nowFunc()
	t.mu.Unlock()

	for _, id := range down {
		t.bus.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceAvailability,
			Kind:      events.KindProviderRecovered,
			Data:      map[string]any{"provider": id, "trigger": "reset"},
		})
	}
}

// Status returns the record for one provider. Unlike Eligible this is
// a pure view: an elapsed cooldown shows Remaining <= 0 but does not
// heal the record.
func (t *Tracker) Status(id string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked(id)
}

// Snapshot returns records for the given providers, in the given order.
func (t *Tracker) Snapshot(ids []string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.statusLocked(id))
	}
	return out
}

func (t *Tracker) statusLocked(id string) Record {
	f, ok := t.failures[id]
	if !ok {
		return Record{Provider: id, Available: true}
	}
	return Record{
		Provider:  id,
		Available: false,
		Reason:    f.reason,
		Since:     f.at,
		Remaining: CooldownFor(f.reason) - t.nowFunc().Sub(f.at),
	}
}
