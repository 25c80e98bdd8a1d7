package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/Fimeg/Coquette-sub001/internal/config"
	"github.com/Fimeg/Coquette-sub001/internal/events"
)

// eventBuffer sizes the publisher's bus subscription. The bus drops
// events for full subscribers, so a slow broker costs freshness, not
// dispatch throughput.
const eventBuffer = 64

// StatsSource provides the live values the publisher pushes to the
// broker. The concrete adapter is wired in main to avoid coupling this
// package to the router and queue.
type StatsSource interface {
	// Providers returns the availability of every registered provider.
	Providers() []ProviderState
	// Current returns the id of the currently selected provider.
	Current() string
	// QueueDepth returns the number of requests waiting for dispatch.
	QueueDepth() int
}

// ProviderState is one provider's availability as published to its
// state topic.
type ProviderState struct {
	ID        string
	Available bool
	Reason    string
}

// Publisher manages the MQTT connection and pushes retained telemetry
// topics on a fixed interval and after bus events that change them.
type Publisher struct {
	cfg    config.MQTTConfig
	stats  StatsSource
	tokens *DailyTokens
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, stats StatsSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		stats:  stats,
		tokens: NewDailyTokens(nil),
		bus:    bus,
		logger: logger.With("component", "mqtt"),
	}
}

// Start connects to the MQTT broker and begins the publish loop. It
// blocks until ctx is cancelled. On every (re-)connect it publishes a
// birth message to the availability topic.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) providerTopic(id string) string {
	return p.cfg.TopicPrefix + "/provider/" + id + "/state"
}

func (p *Publisher) currentTopic() string {
	return p.cfg.TopicPrefix + "/current"
}

func (p *Publisher) depthTopic() string {
	return p.cfg.TopicPrefix + "/queue/depth"
}

func (p *Publisher) tokensTopic() string {
	return p.cfg.TopicPrefix + "/tokens_today"
}

// --- Publishing ---

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// runLoop republishes state topics on a fixed interval and reacts to
// bus events until ctx is cancelled.
func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var ch <-chan events.Event
	if p.bus != nil {
		ch = p.bus.Subscribe(eventBuffer)
		defer p.bus.Unsubscribe(ch)
	}

	// Publish immediately on start.
	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case ev, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			p.handleEvent(ctx, ev)
		}
	}
}

// handleEvent folds a bus event into the published telemetry. Token
// counts accumulate from completed requests; availability, selection,
// and queue changes trigger an immediate state publish.
func (p *Publisher) handleEvent(ctx context.Context, ev events.Event) {
	if ev.Kind == events.KindRequestDone {
		in, _ := tokenCount(ev.Data["input_tokens"])
		out, _ := tokenCount(ev.Data["output_tokens"])
		if in > 0 || out > 0 {
			p.tokens.OnTokens(in, out)
		}
	}

	switch ev.Kind {
	case events.KindProviderUnavailable, events.KindProviderRecovered,
		events.KindProviderSwitched, events.KindChainReplaced,
		events.KindRequestEnqueued, events.KindRequestDone:
		p.publishStates(ctx)
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := map[string]string{
		p.currentTopic(): p.stats.Current(),
		p.depthTopic():   strconv.Itoa(p.stats.QueueDepth()),
	}
	for _, ps := range p.stats.Providers() {
		states[p.providerTopic(ps.ID)] = providerStateValue(ps)
	}

	input, output, _ := p.tokens.Snapshot()
	states[p.tokensTopic()] = strconv.FormatInt(input+output, 10)

	for topic, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"topic", topic, "error", err)
		}
	}

	p.logger.Debug("mqtt states published", "topics", len(states))
}

// providerStateValue renders one provider's availability as a state
// topic payload: "available", the cooldown reason, or "unavailable".
func providerStateValue(ps ProviderState) string {
	if ps.Available {
		return "available"
	}
	if ps.Reason != "" {
		return ps.Reason
	}
	return "unavailable"
}

// tokenCount coerces a bus payload token value. Payloads are built
// in-process with int64 counts; the float64 case covers values that
// round-tripped through JSON.
func tokenCount(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}
