package audit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Fimeg/Coquette-sub001/internal/events"
)

// subscribeBuffer sizes the recorder's bus subscription. The bus drops
// events for full subscribers, so the buffer needs headroom for write
// bursts while a row is being flushed.
const subscribeBuffer = 256

// Recorder drains bus events into the store in the background so the
// dispatch path never blocks on disk. Only event kinds with a backing
// table are persisted; the rest are ignored.
type Recorder struct {
	logger *slog.Logger
	store  *Store
	bus    *events.Bus

	mu      sync.Mutex
	running bool
	ch      <-chan events.Event
	done    chan struct{}
}

// NewRecorder creates a recorder that persists events from bus into
// store once started.
func NewRecorder(logger *slog.Logger, store *Store, bus *events.Bus) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		logger: logger.With("component", "audit"),
		store:  store,
		bus:    bus,
	}
}

// Start subscribes to the bus and begins persisting events. Calling
// Start on a running recorder is a no-op.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.ch = r.bus.Subscribe(subscribeBuffer)
	r.done = make(chan struct{})
	go r.run(r.ch, r.done)
	r.logger.Debug("audit recorder started")
}

// Stop unsubscribes from the bus and waits for buffered events to be
// written. Calling Stop on a stopped recorder is a no-op.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	ch := r.ch
	done := r.done
	r.mu.Unlock()

	r.bus.Unsubscribe(ch)
	<-done
	r.logger.Debug("audit recorder stopped")
}

func (r *Recorder) run(ch <-chan events.Event, done chan struct{}) {
	defer close(done)
	for ev := range ch {
		if err := r.record(ev); err != nil {
			r.logger.Warn("audit write failed", "kind", ev.Kind, "error", err)
		}
	}
}

func (r *Recorder) record(ev events.Event) error {
	ctx := context.Background()
	switch ev.Kind {
	case events.KindProviderUnavailable:
		return r.store.RecordTransition(ctx, Transition{
			Timestamp:  ev.Timestamp,
			Provider:   dataString(ev.Data, "provider"),
			Event:      "unavailable",
			Reason:     dataString(ev.Data, "reason"),
			CooldownMs: dataInt64(ev.Data, "cooldown_ms"),
		})
	case events.KindProviderRecovered:
		return r.store.RecordTransition(ctx, Transition{
			Timestamp: ev.Timestamp,
			Provider:  dataString(ev.Data, "provider"),
			Event:     "recovered",
			Cause:     dataString(ev.Data, "trigger"),
		})
	case events.KindProviderResolved:
		return r.store.RecordDecision(ctx, Decision{
			Timestamp: ev.Timestamp,
			Provider:  dataString(ev.Data, "provider"),
			Degraded:  dataBool(ev.Data, "degraded"),
			Reason:    dataString(ev.Data, "reason"),
		})
	case events.KindRequestDone:
		return r.store.RecordDispatch(ctx, Dispatch{
			Timestamp:    ev.Timestamp,
			RequestID:    dataString(ev.Data, "request_id"),
			Caller:       dataString(ev.Data, "caller"),
			Priority:     dataString(ev.Data, "priority"),
			Provider:     dataString(ev.Data, "provider"),
			Model:        dataString(ev.Data, "model"),
			OK:           dataBool(ev.Data, "ok"),
			Error:        dataString(ev.Data, "error"),
			InputTokens:  dataInt(ev.Data, "input_tokens"),
			OutputTokens: dataInt(ev.Data, "output_tokens"),
			DurationMs:   dataInt64(ev.Data, "duration_ms"),
		})
	case events.KindRecoveryOutcome:
		return r.store.RecordRecovery(ctx, Recovery{
			Timestamp:        ev.Timestamp,
			OperationID:      dataString(ev.Data, "operation_id"),
			Operation:        dataString(ev.Data, "operation"),
			Disposition:      dataString(ev.Data, "disposition"),
			RecoveryPossible: dataBool(ev.Data, "recovery_possible"),
			Operations:       dataInt(ev.Data, "operations"),
			Reasoning:        dataString(ev.Data, "reasoning"),
		})
	}
	return nil
}

// Event payloads are built in-process, so values arrive with their
// native Go types. The float64 cases cover payloads that round-tripped
// through JSON.

func dataString(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func dataBool(data map[string]any, key string) bool {
	b, _ := data[key].(bool)
	return b
}

func dataInt(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func dataInt64(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
