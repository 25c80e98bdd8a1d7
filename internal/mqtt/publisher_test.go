package mqtt

import (
	"context"
	"testing"

	"github.com/Fimeg/Coquette-sub001/internal/config"
	"github.com/Fimeg/Coquette-sub001/internal/events"
)

type stubStats struct{}

func (stubStats) Providers() []ProviderState { return nil }
func (stubStats) Current() string            { return "claude" }
func (stubStats) QueueDepth() int            { return 0 }

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled:            true,
		Broker:             "tcp://localhost:1883",
		TopicPrefix:        "coquette",
		ClientID:           "coquette",
		PublishIntervalSec: 60,
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testConfig(), stubStats{}, nil, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availabilityTopic", p.availabilityTopic(), "coquette/availability"},
		{"providerTopic", p.providerTopic("claude"), "coquette/provider/claude/state"},
		{"currentTopic", p.currentTopic(), "coquette/current"},
		{"depthTopic", p.depthTopic(), "coquette/queue/depth"},
		{"tokensTopic", p.tokensTopic(), "coquette/tokens_today"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestProviderStateValue(t *testing.T) {
	tests := []struct {
		name  string
		state ProviderState
		want  string
	}{
		{"available", ProviderState{ID: "claude", Available: true}, "available"},
		{"cooling down with reason", ProviderState{ID: "claude", Reason: "timeout"}, "timeout"},
		{"cooling down without reason", ProviderState{ID: "claude"}, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := providerStateValue(tt.state); got != tt.want {
				t.Errorf("providerStateValue() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPublisher_AccumulatesTokensFromEvents(t *testing.T) {
	p := New(testConfig(), stubStats{}, nil, nil)
	ctx := context.Background()

	// publishStates is a no-op before Start, so handleEvent only
	// touches the accumulator here.
	p.handleEvent(ctx, events.Event{
		Kind: events.KindRequestDone,
		Data: map[string]any{"input_tokens": int64(100), "output_tokens": int64(40)},
	})
	p.handleEvent(ctx, events.Event{
		Kind: events.KindRequestDone,
		Data: map[string]any{"input_tokens": int64(10), "output_tokens": int64(5)},
	})

	input, output, requests := p.tokens.Snapshot()
	if input != 110 || output != 45 {
		t.Errorf("tokens = (%d, %d), want (110, 45)", input, output)
	}
	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
}

func TestPublisher_IgnoresTokenlessEvents(t *testing.T) {
	p := New(testConfig(), stubStats{}, nil, nil)
	ctx := context.Background()

	// Failed dispatches carry an error instead of token counts.
	p.handleEvent(ctx, events.Event{
		Kind: events.KindRequestDone,
		Data: map[string]any{"ok": false, "error": "timeout"},
	})
	p.handleEvent(ctx, events.Event{
		Kind: events.KindProviderUnavailable,
		Data: map[string]any{"provider": "claude", "reason": "timeout"},
	})

	if input, output, requests := p.tokens.Snapshot(); input != 0 || output != 0 || requests != 0 {
		t.Errorf("tokens = (%d, %d, %d), want all zero", input, output, requests)
	}
}

func TestTokenCount(t *testing.T) {
	tests := []struct {
		name   string
		v      any
		want   int
		wantOK bool
	}{
		{"int64", int64(42), 42, true},
		{"int", 7, 7, true},
		{"float64 from JSON", float64(12), 12, true},
		{"missing", nil, 0, false},
		{"string", "12", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tokenCount(tt.v)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("tokenCount(%v) = (%d, %v), want (%d, %v)", tt.v, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.MQTTConfig
		want bool
	}{
		{"enabled with broker", config.MQTTConfig{Enabled: true, Broker: "tcp://localhost:1883"}, true},
		{"enabled without broker", config.MQTTConfig{Enabled: true}, false},
		{"disabled with broker", config.MQTTConfig{Broker: "tcp://localhost:1883"}, false},
		{"empty", config.MQTTConfig{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}
