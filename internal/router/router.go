// Package router performs deterministic provider selection over a
// primary plus ordered fallback chain. Selection never errors and never
// ranks: the current provider wins when healthy, otherwise the first
// enabled and eligible fallback in configured order, otherwise the
// current provider again in degraded mode with failure handling left to
// the caller.
package router

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Fimeg/Coquette-sub001/internal/availability"
	"github.com/Fimeg/Coquette-sub001/internal/events"
	"github.com/Fimeg/Coquette-sub001/internal/provider"
)

// Skip records one provider passed over during a resolve.
type Skip struct {
	Provider string `json:"provider"`
	Cause    string `json:"cause"` // "disabled" or "cooling_down"
}

// Decision records why a provider was selected.
type Decision struct {
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider"`
	Degraded  bool      `json:"degraded"`
	Reason    string    `json:"reason"`
	Skipped   []Skip    `json:"skipped,omitempty"`
}

// Stats tracks selection statistics.
type Stats struct {
	TotalResolves  int64            `json:"total_resolves"`
	ProviderCounts map[string]int64 `json:"provider_counts"`
	DegradedCount  int64            `json:"degraded_count"`
	FallbackCount  int64            `json:"fallback_count"`
}

// Selector owns the fallback chain and the current-provider pointer.
type Selector struct {
	logger  *slog.Logger
	reg     *provider.Registry
	tracker *availability.Tracker
	bus     *events.Bus

	mu        sync.Mutex
	primary   string
	fallbacks []string
	current   string
	auditLog  []Decision
	maxAudit  int
	stats     Stats
}

// New creates a Selector with the configured chain. The current
// pointer starts at the primary. All chain members must be registered.
func New(logger *slog.Logger, reg *provider.Registry, tracker *availability.Tracker, bus *events.Bus, primary string, fallbacks []string) (*Selector, error) {
	if err := validateChain(reg, primary, fallbacks); err != nil {
		return nil, err
	}

	return &Selector{
		logger:    logger,
		reg:       reg,
		tracker:   tracker,
		bus:       bus,
		primary:   primary,
		fallbacks: append([]string(nil), fallbacks...),
		current:   primary,
		maxAudit:  1000,
	}, nil
}

func validateChain(reg *provider.Registry, primary string, fallbacks []string) error {
	if !reg.Has(primary) {
		return fmt.Errorf("chain primary: unregistered provider %q", primary)
	}
	for _, id := range fallbacks {
		if !reg.Has(id) {
			return fmt.Errorf("chain fallback: unregistered provider %q", id)
		}
	}
	return nil
}

// Resolve picks the provider for the next request. It never fails: when
// neither the current provider nor any fallback is usable it returns
// the current provider with Degraded set, signaling that the caller
// gets no eligibility guarantee. The descriptor is nil only when the
// resolved id is missing from the registry, which chain validation
// makes impossible short of a caller bug; the decision still comes
// back degraded rather than raising.
func (s *Selector) Resolve() (*provider.Descriptor, *Decision) {
	s.mu.Lock()
	current := s.current
	primary := s.primary
	fallbacks := s.fallbacks
	s.mu.Unlock()

	d := &Decision{Timestamp: time.Now()}

	if usable, cause := s.usable(current); usable {
		d.Provider = current
		d.Reason = "current provider healthy"
	} else {
		d.Skipped = append(d.Skipped, Skip{Provider: current, Cause: cause})

		// The configured primary stays a candidate even when the
		// pointer has been moved off it.
		candidates := fallbacks
		if primary != current {
			candidates = make([]string, 0, len(fallbacks)+1)
			candidates = append(candidates, primary)
			for _, id := range fallbacks {
				if id != primary {
					candidates = append(candidates, id)
				}
			}
		}
		for _, id := range candidates {
			if id == current {
				continue
			}
			usable, cause := s.usable(id)
			if usable {
				d.Provider = id
				d.Reason = fmt.Sprintf("fell back from %s (%s)", current, d.Skipped[0].Cause)
				break
			}
			d.Skipped = append(d.Skipped, Skip{Provider: id, Cause: cause})
		}

		if d.Provider == "" {
			// Nothing usable. Hand back the current provider anyway and
			// let the caller's failure handling take it from here.
			d.Provider = current
			d.Degraded = true
			d.Reason = "no eligible provider in chain; returning current degraded"
		}
	}

	desc, err := s.reg.Get(d.Provider)
	if err != nil {
		// Chain members are validated on every mutation, so the
		// registry and the chain can only disagree through a caller
		// bug. Degrade with a nil descriptor instead of failing.
		s.logger.Error("resolve found unregistered provider", "provider", d.Provider)
		d.Degraded = true
		d.Reason = fmt.Sprintf("provider %s missing from registry", d.Provider)
	}

	s.recordDecision(*d)

	switch {
	case d.Degraded:
		s.logger.Warn("resolve degraded",
			"provider", d.Provider,
			"skipped", len(d.Skipped),
			"reason", d.Reason,
		)
	case len(d.Skipped) > 0:
		s.logger.Info("resolve fell back",
			"provider", d.Provider,
			"from", current,
			"reason", d.Reason,
		)
	default:
		s.logger.Debug("resolve", "provider", d.Provider)
	}

	s.bus.Publish(events.Event{
		Timestamp: d.Timestamp,
		Source:    events.SourceRouter,
		Kind:      events.KindProviderResolved,
		Data: map[string]any{
			"provider": d.Provider,
			"degraded": d.Degraded,
			"fallback": len(d.Skipped) > 0,
			"reason":   d.Reason,
		},
	})

	return desc, d
}

// usable reports whether a provider can serve right now, with the
// cause when it cannot. Eligibility checks go through the tracker and
// may heal an expired cooldown as a side effect.
func (s *Selector) usable(id string) (bool, string) {
	desc, err := s.reg.Get(id)
	if err != nil || !desc.Enabled {
		return false, "disabled"
	}
	if !s.tracker.Eligible(id) {
		return false, "cooling_down"
	}
	return true, ""
}

// SetProvider moves the current-provider pointer. Disabled or
// unregistered ids are rejected and the pointer is left unchanged.
func (s *Selector) SetProvider(id string) error {
	desc, err := s.reg.Get(id)
	if err != nil {
		return err
	}
	if !desc.Enabled {
		s.logger.Warn("set provider rejected", "provider", id, "cause", "disabled")
		return fmt.Errorf("provider %q is disabled", id)
	}

	s.mu.Lock()
	s.current = id
	s.mu.Unlock()

	s.logger.Info("provider switched", "provider", id)
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRouter,
		Kind:      events.KindProviderSwitched,
		Data:      map[string]any{"provider": id},
	})
	return nil
}

// ToggleProvider cycles the current pointer through enabled providers
// in registration order, wrapping around. With zero enabled providers
// it logs and reports the rejection without touching the pointer.
func (s *Selector) ToggleProvider() (string, error) {
	var enabled []string
	for _, d := range s.reg.Descriptors() {
		if d.Enabled {
			enabled = append(enabled, d.ID)
		}
	}
	if len(enabled) == 0 {
		s.logger.Warn("toggle rejected", "cause", "no enabled providers")
		return "", fmt.Errorf("no enabled providers to toggle through")
	}

	s.mu.Lock()
	next := enabled[0]
	for i, id := range enabled {
		if id == s.current {
			next = enabled[(i+1)%len(enabled)]
			break
		}
	}
	s.current = next
	s.mu.Unlock()

	s.logger.Info("provider toggled", "provider", next)
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRouter,
		Kind:      events.KindProviderSwitched,
		Data:      map[string]any{"provider": next},
	})
	return next, nil
}

// SetFallbackChain atomically replaces the chain and resets the
// current pointer to the new primary. Unregistered ids are rejected
// with the chain unchanged.
func (s *Selector) SetFallbackChain(primary string, fallbacks []string) error {
	if err := validateChain(s.reg, primary, fallbacks); err != nil {
		return err
	}

	s.mu.Lock()
	s.primary = primary
	s.fallbacks = append([]string(nil), fallbacks...)
	s.current = primary
	s.mu.Unlock()

	s.logger.Info("fallback chain replaced", "primary", primary, "fallbacks", fallbacks)
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRouter,
		Kind:      events.KindChainReplaced,
		Data:      map[string]any{"primary": primary, "fallbacks": fallbacks},
	})
	return nil
}

// Current returns the current-provider pointer.
func (s *Selector) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Chain returns the configured primary and fallbacks.
func (s *Selector) Chain() (string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary, append([]string(nil), s.fallbacks...)
}

// recordDecision adds a decision to the audit log.
func (s *Selector) recordDecision(d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Trim if over capacity
	if len(s.auditLog) >= s.maxAudit {
		s.auditLog = s.auditLog[1:]
	}
	s.auditLog = append(s.auditLog, d)

	s.stats.TotalResolves++
	if s.stats.ProviderCounts == nil {
		s.stats.ProviderCounts = make(map[string]int64)
	}
	s.stats.ProviderCounts[d.Provider]++
	if d.Degraded {
		s.stats.DegradedCount++
	} else if len(d.Skipped) > 0 {
		s.stats.FallbackCount++
	}
}

// GetAuditLog returns recent resolve decisions, most recent last.
func (s *Selector) GetAuditLog(limit int) []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.auditLog) {
		limit = len(s.auditLog)
	}

	start := len(s.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, s.auditLog[start:])
	return result
}

// GetStats returns selection statistics.
func (s *Selector) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.stats
	out.ProviderCounts = make(map[string]int64, len(s.stats.ProviderCounts))
	for k, v := range s.stats.ProviderCounts {
		out.ProviderCounts[k] = v
	}
	return out
}
