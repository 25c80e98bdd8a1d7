package queue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Fimeg/Coquette-sub001/internal/availability"
	"github.com/Fimeg/Coquette-sub001/internal/config"
	"github.com/Fimeg/Coquette-sub001/internal/llm"
	"github.com/Fimeg/Coquette-sub001/internal/provider"
	"github.com/Fimeg/Coquette-sub001/internal/router"
)

// fakeClient scripts Generate responses and records the order of calls.
type fakeClient struct {
	mu       sync.Mutex
	prompts  []string
	generate func(ctx context.Context, req llm.Request) (*llm.Response, error)
}

func (f *fakeClient) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	f.mu.Unlock()
	if f.generate != nil {
		return f.generate(ctx, req)
	}
	return &llm.Response{Model: "test-model", Text: "ok"}, nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.prompts))
	copy(out, f.prompts)
	return out
}

func testProviders(ids ...string) []config.ProviderConfig {
	out := make([]config.ProviderConfig, len(ids))
	for i, id := range ids {
		out[i] = config.ProviderConfig{ID: id, Kind: "ollama", Endpoint: "http://localhost:11434", Model: "test-model"}
	}
	return out
}

func newTestQueue(t *testing.T, cfg config.QueueConfig, clients map[string]llm.Client, primary string, fallbacks ...string) (*Queue, *availability.Tracker) {
	t.Helper()

	ids := append([]string{primary}, fallbacks...)
	reg, err := provider.NewRegistry(testProviders(ids...), nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	tracker := availability.NewTracker(nil)
	sel, err := router.New(slog.Default(), reg, tracker, nil, primary, fallbacks)
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}

	q := New(slog.Default(), cfg, sel, tracker, clients, nil)
	q.Start()
	t.Cleanup(q.Stop)
	return q, tracker
}

// waitFor polls until cond holds or the test deadline budget runs out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestSubmit(t *testing.T) {
	fake := &fakeClient{generate: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return &llm.Response{Model: "test-model", Text: "All good.", InputTokens: 10, OutputTokens: 3}, nil
	}}
	q, _ := newTestQueue(t, config.QueueConfig{Workers: 1}, map[string]llm.Client{"local": fake}, "local")

	res := q.Submit(context.Background(), Request{Prompt: "hello", Caller: "test"})

	if !res.Success {
		t.Fatalf("Submit() success = false, error = %q", res.Error)
	}
	if res.Data == nil || res.Data.Response != "All good." {
		t.Errorf("Submit() data = %+v, want response text", res.Data)
	}
	if res.Provider != "local" {
		t.Errorf("Provider = %q, want local", res.Provider)
	}
	if res.RequestID == "" {
		t.Error("RequestID is empty")
	}
	if res.InputTokens != 10 || res.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d, want 10/3", res.InputTokens, res.OutputTokens)
	}

	stats := q.GetStats()
	if stats.Enqueued != 1 || stats.Processed != 1 {
		t.Errorf("stats = %+v, want 1 enqueued 1 processed", stats)
	}
}

func TestSubmit_ModelOverride(t *testing.T) {
	var gotModel string
	fake := &fakeClient{generate: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		gotModel = req.Model
		return &llm.Response{Text: "ok"}, nil
	}}
	q, _ := newTestQueue(t, config.QueueConfig{Workers: 1}, map[string]llm.Client{"local": fake}, "local")

	q.Submit(context.Background(), Request{Prompt: "hi", Model: "qwen3:30b"})
	if gotModel != "qwen3:30b" {
		t.Errorf("dispatched model = %q, want qwen3:30b", gotModel)
	}
}

func TestSubmit_PriorityOrdering(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeClient{generate: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if req.Prompt == "first" {
			<-gate
		}
		return &llm.Response{Text: "ok"}, nil
	}}
	q, _ := newTestQueue(t, config.QueueConfig{Workers: 1}, map[string]llm.Client{"local": fake}, "local")

	var wg sync.WaitGroup
	submit := func(prompt string, pri Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Submit(context.Background(), Request{Prompt: prompt, Priority: pri})
		}()
	}

	// Occupy the single worker, then stack the queue behind it.
	submit("first", PriorityNormal)
	waitFor(t, func() bool { return len(fake.seen()) == 1 })

	submit("consult", PriorityRecovery)
	waitFor(t, func() bool { return q.GetStats().Depth == 1 })
	submit("urgent", PriorityInteractive)
	waitFor(t, func() bool { return q.GetStats().Depth == 2 })

	close(gate)
	wg.Wait()

	want := []string{"first", "urgent", "consult"}
	got := fake.seen()
	if len(got) != len(want) {
		t.Fatalf("dispatched %d requests, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dispatch[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSubmit_SamePriorityIsFIFO(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeClient{generate: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if req.Prompt == "first" {
			<-gate
		}
		return &llm.Response{Text: "ok"}, nil
	}}
	q, _ := newTestQueue(t, config.QueueConfig{Workers: 1}, map[string]llm.Client{"local": fake}, "local")

	var wg sync.WaitGroup
	submit := func(prompt string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Submit(context.Background(), Request{Prompt: prompt, Priority: PriorityNormal})
		}()
	}

	submit("first")
	waitFor(t, func() bool { return len(fake.seen()) == 1 })
	submit("second")
	waitFor(t, func() bool { return q.GetStats().Depth == 1 })
	submit("third")
	waitFor(t, func() bool { return q.GetStats().Depth == 2 })

	close(gate)
	wg.Wait()

	got := fake.seen()
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dispatch[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSubmit_DispatchTimeoutMarksProvider(t *testing.T) {
	fake := &fakeClient{generate: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	q, tracker := newTestQueue(t, config.QueueConfig{Workers: 1}, map[string]llm.Client{"local": fake}, "local")

	res := q.Submit(context.Background(), Request{Prompt: "hi", Timeout: 50 * time.Millisecond})

	if res.Success {
		t.Fatal("Submit() success = true, want timeout failure")
	}
	if res.Error != "timeout" {
		t.Errorf("Error = %q, want timeout", res.Error)
	}
	// The worker classifies the failure and starts the cooldown.
	waitFor(t, func() bool { return !tracker.Eligible("local") })
}

func TestSubmit_QueueWaitTimeout(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeClient{generate: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if req.Prompt == "first" {
			<-gate
		}
		return &llm.Response{Text: "ok"}, nil
	}}
	q, tracker := newTestQueue(t, config.QueueConfig{Workers: 1}, map[string]llm.Client{"local": fake}, "local")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Submit(context.Background(), Request{Prompt: "first"})
	}()
	waitFor(t, func() bool { return len(fake.seen()) == 1 })

	res := q.Submit(context.Background(), Request{Prompt: "second", Timeout: 30 * time.Millisecond})
	if res.Success || res.Error != "timeout" {
		t.Errorf("Submit() = %+v, want timeout failure", res)
	}

	close(gate)
	wg.Wait()
	waitFor(t, func() bool { return q.GetStats().Depth == 0 })

	// The stale item is discarded when it surfaces, never dispatched,
	// and a queue-wait timeout is not a provider failure.
	if got := fake.seen(); len(got) != 1 {
		t.Errorf("dispatched %v, want only the first request", got)
	}
	if !tracker.Eligible("local") {
		t.Error("provider entered cooldown from a queue-wait timeout")
	}
	if stats := q.GetStats(); stats.TimedOut != 1 {
		t.Errorf("TimedOut = %d, want 1", stats.TimedOut)
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeClient{generate: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if req.Prompt == "first" {
			<-gate
		}
		return &llm.Response{Text: "ok"}, nil
	}}
	q, _ := newTestQueue(t, config.QueueConfig{Workers: 1, Depth: 1}, map[string]llm.Client{"local": fake}, "local")

	var wg sync.WaitGroup
	submit := func(prompt string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Submit(context.Background(), Request{Prompt: prompt})
		}()
	}

	submit("first")
	waitFor(t, func() bool { return len(fake.seen()) == 1 })
	submit("second")
	waitFor(t, func() bool { return q.GetStats().Depth == 1 })

	res := q.Submit(context.Background(), Request{Prompt: "third"})
	if res.Success || res.Error != "queue full" {
		t.Errorf("Submit() = %+v, want queue full rejection", res)
	}
	if stats := q.GetStats(); stats.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", stats.Rejected)
	}

	close(gate)
	wg.Wait()
}

func TestSubmit_FallsBackAfterFailure(t *testing.T) {
	failing := &fakeClient{generate: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return nil, &llm.APIError{Provider: "gemini", Status: 500, Body: "overloaded"}
	}}
	healthy := &fakeClient{}
	clients := map[string]llm.Client{"gemini": failing, "openai": healthy}
	q, tracker := newTestQueue(t, config.QueueConfig{Workers: 1}, clients, "gemini", "openai")

	// First request reaches the primary, fails, and starts its cooldown.
	res := q.Submit(context.Background(), Request{Prompt: "hi"})
	if res.Success {
		t.Fatal("first Submit() success = true, want provider failure")
	}
	if res.Provider != "gemini" {
		t.Errorf("first Provider = %q, want gemini", res.Provider)
	}
	if !strings.Contains(res.Error, "gemini API error 500") {
		t.Errorf("first Error = %q, want provider error text", res.Error)
	}
	if tracker.Eligible("gemini") {
		t.Error("gemini still eligible after hard error")
	}

	// The next request resolves through the chain to the fallback.
	res = q.Submit(context.Background(), Request{Prompt: "hi again"})
	if !res.Success {
		t.Fatalf("second Submit() error = %q, want fallback success", res.Error)
	}
	if res.Provider != "openai" {
		t.Errorf("second Provider = %q, want openai", res.Provider)
	}
}

func TestSubmit_DegradedStillDispatches(t *testing.T) {
	fake := &fakeClient{}
	q, tracker := newTestQueue(t, config.QueueConfig{Workers: 1}, map[string]llm.Client{"solo": fake}, "solo")

	tracker.MarkUnavailable("solo", availability.ReasonError)

	res := q.Submit(context.Background(), Request{Prompt: "hi"})
	if !res.Success {
		t.Fatalf("Submit() error = %q, want degraded dispatch to succeed", res.Error)
	}
	if !res.Degraded {
		t.Error("Degraded = false, want true when no provider was eligible")
	}
}

func TestStop_RejectsPending(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeClient{generate: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if req.Prompt == "first" {
			<-gate
		}
		return &llm.Response{Text: "ok"}, nil
	}}
	q, _ := newTestQueue(t, config.QueueConfig{Workers: 1}, map[string]llm.Client{"local": fake}, "local")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Submit(context.Background(), Request{Prompt: "first"})
	}()
	waitFor(t, func() bool { return len(fake.seen()) == 1 })

	resCh := make(chan Result, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		resCh <- q.Submit(context.Background(), Request{Prompt: "second"})
	}()
	waitFor(t, func() bool { return q.GetStats().Depth == 1 })

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()
	q.Stop()
	wg.Wait()

	res := <-resCh
	if res.Success || res.Error != "queue stopped" {
		t.Errorf("pending Submit() = %+v, want queue stopped rejection", res)
	}

	// Submitting after Stop is rejected immediately.
	res = q.Submit(context.Background(), Request{Prompt: "late"})
	if res.Success || res.Error != "queue stopped" {
		t.Errorf("post-stop Submit() = %+v, want rejection", res)
	}
}

func TestPending_DispatchOrder(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeClient{generate: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if req.Prompt == "first" {
			<-gate
		}
		return &llm.Response{Text: "ok"}, nil
	}}
	q, _ := newTestQueue(t, config.QueueConfig{Workers: 1}, map[string]llm.Client{"local": fake}, "local")

	var wg sync.WaitGroup
	submit := func(prompt, caller string, pri Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Submit(context.Background(), Request{Prompt: prompt, Caller: caller, Priority: pri})
		}()
	}

	submit("first", "a", PriorityNormal)
	waitFor(t, func() bool { return len(fake.seen()) == 1 })
	submit("r", "recovery", PriorityRecovery)
	waitFor(t, func() bool { return q.GetStats().Depth == 1 })
	submit("n", "chat", PriorityNormal)
	waitFor(t, func() bool { return q.GetStats().Depth == 2 })
	submit("i", "user", PriorityInteractive)
	waitFor(t, func() bool { return q.GetStats().Depth == 3 })

	pending := q.Pending()
	wantCallers := []string{"user", "chat", "recovery"}
	if len(pending) != len(wantCallers) {
		t.Fatalf("Pending() returned %d entries, want %d", len(pending), len(wantCallers))
	}
	for i, want := range wantCallers {
		if pending[i].Caller != want {
			t.Errorf("Pending()[%d].Caller = %q, want %q", i, pending[i].Caller, want)
		}
		if pending[i].ID == "" || pending[i].EnqueuedAt.IsZero() {
			t.Errorf("Pending()[%d] missing id or enqueued_at", i)
		}
	}

	close(gate)
	wg.Wait()
}

func TestPriorityString(t *testing.T) {
	tests := []struct {
		pri  Priority
		want string
	}{
		{PriorityInteractive, "interactive"},
		{PriorityNormal, "normal"},
		{PriorityRecovery, "recovery"},
	}
	for _, tt := range tests {
		if got := tt.pri.String(); got != tt.want {
			t.Errorf("Priority(%d).String() = %q, want %q", tt.pri, got, tt.want)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	q, _ := newTestQueue(t, config.QueueConfig{}, map[string]llm.Client{"local": &fakeClient{}}, "local")
	if q.Workers() != 1 {
		t.Errorf("Workers() = %d, want default 1", q.Workers())
	}
}
