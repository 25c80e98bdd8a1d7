package metrics

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/Fimeg/Coquette-sub001/internal/events"
)

const subscribeBuffer = 256

// Observer translates bus events into collector updates. It runs as a
// background subscriber so the components being measured never touch
// Prometheus directly.
type Observer struct {
	logger *slog.Logger
	bus    *events.Bus

	mu      sync.Mutex
	running bool
	ch      <-chan events.Event
	done    chan struct{}
}

// NewObserver creates an observer that updates the package collectors
// from bus events once started.
func NewObserver(logger *slog.Logger, bus *events.Bus) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		logger: logger.With("component", "metrics"),
		bus:    bus,
	}
}

// Start subscribes to the bus and begins recording. Calling Start on a
// running observer is a no-op.
func (o *Observer) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.running = true
	o.ch = o.bus.Subscribe(subscribeBuffer)
	o.done = make(chan struct{})
	go o.run(o.ch, o.done)
	o.logger.Debug("metrics observer started")
}

// Stop unsubscribes from the bus and waits for buffered events to be
// applied. Calling Stop on a stopped observer is a no-op.
func (o *Observer) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	ch := o.ch
	done := o.done
	o.mu.Unlock()

	o.bus.Unsubscribe(ch)
	<-done
	o.logger.Debug("metrics observer stopped")
}

func (o *Observer) run(ch <-chan events.Event, done chan struct{}) {
	defer close(done)
	for ev := range ch {
		o.apply(ev)
	}
}

func (o *Observer) apply(ev events.Event) {
	switch ev.Kind {
	case events.KindProviderResolved:
		provider := dataString(ev.Data, "provider")
		ResolvesTotal.WithLabelValues(provider, strconv.FormatBool(dataBool(ev.Data, "degraded"))).Inc()
		if dataBool(ev.Data, "fallback") {
			FallbacksTotal.WithLabelValues(provider).Inc()
		}
	case events.KindProviderUnavailable:
		TransitionsTotal.WithLabelValues(dataString(ev.Data, "provider"), "unavailable", dataString(ev.Data, "reason")).Inc()
	case events.KindProviderRecovered:
		TransitionsTotal.WithLabelValues(dataString(ev.Data, "provider"), "recovered", dataString(ev.Data, "trigger")).Inc()
	case events.KindRequestEnqueued:
		EnqueuedTotal.WithLabelValues(dataString(ev.Data, "priority")).Inc()
		QueueDepth.Set(dataFloat(ev.Data, "depth"))
	case events.KindQueueReordered:
		QueueDepth.Set(dataFloat(ev.Data, "depth"))
	case events.KindRequestProcessing:
		QueueWait.WithLabelValues(dataString(ev.Data, "priority")).Observe(dataFloat(ev.Data, "waited_ms") / 1000)
	case events.KindRequestDone:
		provider := dataString(ev.Data, "provider")
		outcome := "error"
		if dataBool(ev.Data, "ok") {
			outcome = "ok"
		}
		DispatchesTotal.WithLabelValues(provider, outcome).Inc()
		DispatchDuration.WithLabelValues(provider).Observe(dataFloat(ev.Data, "duration_ms") / 1000)
		if in := dataFloat(ev.Data, "input_tokens"); in > 0 {
			TokensTotal.WithLabelValues(provider, "input").Add(in)
		}
		if out := dataFloat(ev.Data, "output_tokens"); out > 0 {
			TokensTotal.WithLabelValues(provider, "output").Add(out)
		}
		QueueDepth.Set(dataFloat(ev.Data, "depth"))
	case events.KindRecoveryOutcome:
		RecoveriesTotal.WithLabelValues(dataString(ev.Data, "disposition")).Inc()
	}
}

func dataString(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func dataBool(data map[string]any, key string) bool {
	b, _ := data[key].(bool)
	return b
}

func dataFloat(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
