// Package queue serializes generation requests toward the provider
// endpoints. Callers submit a prompt and block until a worker has
// dispatched it through the resolved provider; pending requests are
// ordered by priority tier, then arrival. The queue owns the only
// concurrency boundary in front of the providers: workers bound
// in-flight requests, depth bounds waiting ones, and everything else
// is rejected rather than buffered without limit.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Fimeg/Coquette-sub001/internal/availability"
	"github.com/Fimeg/Coquette-sub001/internal/config"
	"github.com/Fimeg/Coquette-sub001/internal/events"
	"github.com/Fimeg/Coquette-sub001/internal/llm"
	"github.com/Fimeg/Coquette-sub001/internal/router"
)

// Priority orders pending requests. Lower values dispatch first.
type Priority int

const (
	// PriorityInteractive is for requests a user is actively waiting on.
	PriorityInteractive Priority = iota
	// PriorityNormal is for programmatic callers.
	PriorityNormal
	// PriorityRecovery is the lowest tier; recovery consultations yield
	// to all other work.
	PriorityRecovery
)

func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityRecovery:
		return "recovery"
	default:
		return "normal"
	}
}

// Request is one unit of work for the queue.
type Request struct {
	// Model overrides the resolved provider's default model when set.
	Model  string
	System string
	Prompt string

	Options llm.Options

	// Timeout bounds queue wait plus dispatch. Zero means the queue
	// default.
	Timeout time.Duration

	// Caller tags the request in logs, events, and the audit trail.
	Caller string

	Priority Priority
}

// Data is the successful payload of a Result.
type Data struct {
	Response string `json:"response"`
}

// Result is the terminal outcome of a submitted request. Success is
// the only field a caller must consult; Error carries a human-readable
// cause when Success is false.
type Result struct {
	Success bool   `json:"success"`
	Data    *Data  `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`

	RequestID    string `json:"request_id,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	Degraded     bool   `json:"degraded,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
}

// Stats counts queue activity since start.
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
	Rejected  int64 `json:"rejected"`
	Depth     int   `json:"depth"`
}

// PendingRequest describes one queued request for inspection.
type PendingRequest struct {
	ID         string    `json:"id"`
	Caller     string    `json:"caller"`
	Priority   string    `json:"priority"`
	Model      string    `json:"model,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type item struct {
	seq      uint64
	id       string
	req      Request
	ctx      context.Context
	enqueued time.Time
	done     chan Result
}

// pendingHeap orders items by priority tier, then arrival sequence.
type pendingHeap []*item

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority < h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue dispatches requests through the router to provider clients.
type Queue struct {
	logger  *slog.Logger
	sel     *router.Selector
	tracker *availability.Tracker
	clients map[string]llm.Client
	bus     *events.Bus

	workers        int
	depth          int
	defaultTimeout time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	pending pendingHeap
	seq     uint64
	stopped bool
	stats   Stats

	wg sync.WaitGroup
}

// New creates a queue. Workers are not started until Start is called.
func New(logger *slog.Logger, cfg config.QueueConfig, sel *router.Selector, tracker *availability.Tracker, clients map[string]llm.Client, bus *events.Bus) *Queue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	depth := cfg.Depth
	if depth <= 0 {
		depth = 32
	}
	timeout := time.Duration(cfg.DefaultTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	q := &Queue{
		logger:         logger.With("component", "queue"),
		sel:            sel,
		tracker:        tracker,
		clients:        clients,
		bus:            bus,
		workers:        workers,
		depth:          depth,
		defaultTimeout: timeout,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker pool.
func (q *Queue) Start() {
	q.logger.Debug("queue starting", "workers", q.workers, "depth", q.depth)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Stop rejects all pending requests and waits for in-flight dispatches
// to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true

	drained := make([]*item, len(q.pending))
	copy(drained, q.pending)
	q.pending = nil

	q.cond.Broadcast()
	q.mu.Unlock()

	for _, it := range drained {
		it.done <- Result{Success: false, Error: "queue stopped", RequestID: it.id}
	}

	q.wg.Wait()
	q.logger.Info("queue stopped", "rejected_pending", len(drained))
}

// Submit enqueues a request and blocks until it completes, times out,
// or is rejected. It never returns an error; failure is signaled on
// the Result so callers have exactly one outcome shape to handle.
func (q *Queue) Submit(ctx context.Context, req Request) Result {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = q.defaultTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqID, _ := uuid.NewV7()
	it := &item{
		id:       reqID.String(),
		req:      req,
		ctx:      dctx,
		enqueued: time.Now(),
		done:     make(chan Result, 1),
	}

	q.mu.Lock()
	if q.stopped {
		q.stats.Rejected++
		q.mu.Unlock()
		return Result{Success: false, Error: "queue stopped", RequestID: it.id}
	}
	if len(q.pending) >= q.depth {
		q.stats.Rejected++
		q.mu.Unlock()
		q.logger.Warn("queue full, rejecting request",
			"request_id", it.id,
			"caller", req.Caller,
			"depth", q.depth,
		)
		return Result{Success: false, Error: "queue full", RequestID: it.id}
	}

	// A new arrival that outranks any waiting request reorders the queue.
	jumped := false
	for _, p := range q.pending {
		if it.req.Priority < p.req.Priority {
			jumped = true
			break
		}
	}

	it.seq = q.seq
	q.seq++
	heap.Push(&q.pending, it)
	depth := len(q.pending)
	q.stats.Enqueued++
	q.cond.Signal()
	q.mu.Unlock()

	q.logger.Debug("request enqueued",
		"request_id", it.id,
		"caller", req.Caller,
		"priority", req.Priority.String(),
		"depth", depth,
	)
	q.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceQueue,
		Kind:      events.KindRequestEnqueued,
		Data: map[string]any{
			"request_id": it.id,
			"caller":     req.Caller,
			"priority":   req.Priority.String(),
			"depth":      depth,
		},
	})
	if jumped {
		q.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceQueue,
			Kind:      events.KindQueueReordered,
			Data:      map[string]any{"depth": depth},
		})
	}

	select {
	case res := <-it.done:
		return res
	case <-dctx.Done():
		// A result racing the deadline wins; otherwise the worker
		// discards the item when it surfaces, and the buffered done
		// channel keeps that late send from blocking.
		select {
		case res := <-it.done:
			return res
		default:
		}
		q.mu.Lock()
		q.stats.TimedOut++
		q.mu.Unlock()
		return Result{Success: false, Error: timeoutError(dctx.Err()), RequestID: it.id}
	}
}

// worker pops the highest-priority pending item and dispatches it.
func (q *Queue) worker(n int) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}
		it := heap.Pop(&q.pending).(*item)
		q.mu.Unlock()

		// The submitter may have timed out while the item waited.
		if err := it.ctx.Err(); err != nil {
			it.done <- Result{Success: false, Error: timeoutError(err), RequestID: it.id}
			continue
		}

		res := q.dispatch(it, n)

		q.mu.Lock()
		if res.Success {
			q.stats.Processed++
		} else {
			q.stats.Failed++
		}
		q.mu.Unlock()

		it.done <- res
	}
}

// dispatch resolves a provider and runs one generation attempt. A
// failed attempt marks the provider and returns the failure to the
// caller; walking the chain again is the caller's decision, made with
// a fresh Submit.
func (q *Queue) dispatch(it *item, worker int) Result {
	desc, decision := q.sel.Resolve()
	if desc == nil {
		q.logger.Error("resolve returned no descriptor", "provider", decision.Provider)
		res := Result{
			Success:   false,
			Error:     "provider " + decision.Provider + " missing from registry",
			RequestID: it.id,
			Provider:  decision.Provider,
		}
		q.publishDone(it, res)
		return res
	}

	client, ok := q.clients[desc.ID]
	if !ok {
		q.logger.Error("no client for resolved provider", "provider", desc.ID)
		res := Result{
			Success:   false,
			Error:     "no client for provider " + desc.ID,
			RequestID: it.id,
			Provider:  desc.ID,
		}
		q.publishDone(it, res)
		return res
	}

	model := it.req.Model
	if model == "" {
		model = desc.Model
	}

	waited := time.Since(it.enqueued)
	q.logger.Info("dispatching request",
		"request_id", it.id,
		"caller", it.req.Caller,
		"worker", worker,
		"provider", desc.ID,
		"model", model,
		"degraded", decision.Degraded,
		"waited", waited.Round(time.Millisecond),
	)
	q.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceQueue,
		Kind:      events.KindRequestProcessing,
		Data: map[string]any{
			"request_id": it.id,
			"provider":   desc.ID,
			"model":      model,
			"priority":   it.req.Priority.String(),
			"waited_ms":  waited.Milliseconds(),
		},
	})

	start := time.Now()
	resp, err := client.Generate(it.ctx, llm.Request{
		Model:   it.req.Model,
		System:  it.req.System,
		Prompt:  it.req.Prompt,
		Options: it.req.Options,
	})
	elapsed := time.Since(start)

	if err != nil {
		// Caller cancellation is not a provider failure; everything
		// else starts a cooldown.
		if !errors.Is(err, context.Canceled) {
			q.tracker.MarkUnavailable(desc.ID, llm.ClassifyError(err))
		}
		q.logger.Warn("dispatch failed",
			"request_id", it.id,
			"provider", desc.ID,
			"error", err,
			"elapsed", elapsed.Round(time.Millisecond),
		)
		res := Result{
			Success:    false,
			Error:      dispatchError(err),
			RequestID:  it.id,
			Provider:   desc.ID,
			Model:      model,
			Degraded:   decision.Degraded,
			DurationMs: elapsed.Milliseconds(),
		}
		q.publishDone(it, res)
		return res
	}

	q.logger.Info("request completed",
		"request_id", it.id,
		"provider", desc.ID,
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	res := Result{
		Success:      true,
		Data:         &Data{Response: resp.Text},
		RequestID:    it.id,
		Provider:     desc.ID,
		Model:        resp.Model,
		Degraded:     decision.Degraded,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		DurationMs:   elapsed.Milliseconds(),
	}
	q.publishDone(it, res)
	return res
}

func (q *Queue) publishDone(it *item, res Result) {
	q.mu.Lock()
	depth := len(q.pending)
	q.mu.Unlock()

	data := map[string]any{
		"request_id":  res.RequestID,
		"ok":          res.Success,
		"caller":      it.req.Caller,
		"priority":    it.req.Priority.String(),
		"provider":    res.Provider,
		"model":       res.Model,
		"duration_ms": res.DurationMs,
		"depth":       depth,
	}
	if res.Success {
		data["input_tokens"] = res.InputTokens
		data["output_tokens"] = res.OutputTokens
	} else {
		data["error"] = res.Error
	}
	q.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceQueue,
		Kind:      events.KindRequestDone,
		Data:      data,
	})
}

// Pending returns waiting requests in dispatch order.
func (q *Queue) Pending() []PendingRequest {
	q.mu.Lock()
	items := make([]*item, len(q.pending))
	copy(items, q.pending)
	q.mu.Unlock()

	// The heap slice is not fully sorted; order the copy the way the
	// workers will pop it.
	sorted := pendingHeap(items)
	out := make([]PendingRequest, 0, len(sorted))
	for sorted.Len() > 0 {
		it := heap.Pop(&sorted).(*item)
		out = append(out, PendingRequest{
			ID:         it.id,
			Caller:     it.req.Caller,
			Priority:   it.req.Priority.String(),
			Model:      it.req.Model,
			EnqueuedAt: it.enqueued,
		})
	}
	return out
}

// GetStats returns a snapshot of queue counters.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Depth = len(q.pending)
	return s
}

// Workers returns the configured worker count.
func (q *Queue) Workers() int { return q.workers }

// timeoutError normalizes a context error for the Result.
func timeoutError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "canceled"
}

// dispatchError normalizes a generation error for the Result.
func dispatchError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}
