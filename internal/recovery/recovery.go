// Package recovery implements the consultation that runs when a planned
// operation fails mid-execution. A secondary model (the recovery
// specialist) is asked, in a single bounded round, to either propose a
// corrected plan or produce a question for the user. The specialist's
// free-text reply is untrusted; the extractor digs the structured
// verdict out of it, and every failure mode degrades to a fixed,
// human-readable outcome instead of an error.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Fimeg/Coquette-sub001/internal/config"
	"github.com/Fimeg/Coquette-sub001/internal/events"
	"github.com/Fimeg/Coquette-sub001/internal/extract"
	"github.com/Fimeg/Coquette-sub001/internal/llm"
	"github.com/Fimeg/Coquette-sub001/internal/queue"
)

// Phase labels the steps of one negotiation for logs and events.
type Phase string

const (
	PhaseBuildingPrompt   Phase = "building_prompt"
	PhaseAwaitingResponse Phase = "awaiting_response"
	PhaseParsing          Phase = "parsing"
)

// Disposition is the terminal state of a negotiation.
type Disposition string

const (
	// DispositionRecovered means the specialist produced a corrected
	// plan (possibly empty).
	DispositionRecovered Disposition = "recovered"
	// DispositionClarificationNeeded means the specialist asked the
	// user a question instead of proposing a plan.
	DispositionClarificationNeeded Disposition = "clarification_needed"
	// DispositionFailed means the consultation itself failed; the
	// outcome carries a canned question so the user still gets
	// something actionable.
	DispositionFailed Disposition = "failed"
)

// FailedOperation is the failure handed over by the execution layer.
type FailedOperation struct {
	ID         string         `json:"id"`
	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Error      string         `json:"error"`
}

// PlannedOperation is one step of a corrected plan.
type PlannedOperation struct {
	ID         string         `json:"id"`
	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Outcome is the negotiator's verdict. It is always well-formed: no
// path out of Attempt raises, and a question is present whenever there
// is no plan to run.
type Outcome struct {
	RecoveryPossible bool               `json:"recovery_possible"`
	Reasoning        string             `json:"reasoning"`
	Operations       []PlannedOperation `json:"operations,omitempty"`
	UserQuestion     string             `json:"user_question,omitempty"`
	Disposition      Disposition        `json:"disposition"`
}

// Canned outcome text. The reasoning strings distinguish a dispatch
// failure from an unparseable reply in logs and the audit trail; the
// questions are what the user actually sees.
const (
	dispatchFailureReasoning = "Failed to consult with the recovery specialist."
	malformedReasoning       = "response not in expected format"

	fallbackQuestion = "I ran into a problem and couldn't work out how to recover on my own. " +
		"Could you tell me more about what you'd like me to do?"
	clarificationQuestion = "I couldn't interpret the recovery suggestion I received. " +
		"Could you rephrase your request or give me a little more detail?"
)

// specialistReply is the wire shape the specialist is instructed to
// produce. Candidates that fail to unmarshal into it are skipped.
type specialistReply struct {
	RecoveryPossible bool               `json:"recovery_possible"`
	Reasoning        string             `json:"reasoning"`
	Operations       []PlannedOperation `json:"operations"`
	UserQuestion     string             `json:"user_question"`
}

// Dispatcher is the request-queue surface the negotiator uses. It is
// satisfied by *queue.Queue.
type Dispatcher interface {
	Submit(ctx context.Context, req queue.Request) queue.Result
}

// Negotiator runs recovery consultations. Stateless across calls;
// concurrent Attempts are independent.
type Negotiator struct {
	logger    *slog.Logger
	queue     Dispatcher
	extractor *extract.Extractor
	bus       *events.Bus
	cfg       config.RecoveryConfig
}

// New creates a negotiator. The extractor is seeded with the verdict
// field as its discriminator so the regex fallback prefers objects
// that look like specialist replies.
func New(logger *slog.Logger, d Dispatcher, bus *events.Bus, cfg config.RecoveryConfig) *Negotiator {
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = 30
	}
	return &Negotiator{
		logger:    logger.With("component", "recovery"),
		queue:     d,
		extractor: extract.New("recovery_possible"),
		bus:       bus,
		cfg:       cfg,
	}
}

// Attempt runs one negotiation round for a failed operation. It never
// returns an error; every failure mode maps to a degraded Outcome.
func (n *Negotiator) Attempt(ctx context.Context, failed FailedOperation, originalGoal string) Outcome {
	start := time.Now()

	n.logger.Info("recovery negotiation started",
		"operation_id", failed.ID,
		"operation", failed.Operation,
		"error", failed.Error,
	)
	n.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRecovery,
		Kind:      events.KindRecoveryStarted,
		Data: map[string]any{
			"operation_id": failed.ID,
			"operation":    failed.Operation,
		},
	})

	n.logger.Debug("negotiation phase", "operation_id", failed.ID, "phase", PhaseBuildingPrompt)
	prompt := buildPrompt(failed, originalGoal)

	n.logger.Debug("negotiation phase", "operation_id", failed.ID, "phase", PhaseAwaitingResponse)
	res := n.queue.Submit(ctx, queue.Request{
		Model:  n.cfg.Model,
		Prompt: prompt,
		Options: llm.Options{
			Temperature:     n.cfg.Temperature,
			ContextWindow:   n.cfg.ContextWindow,
			MaxOutputTokens: n.cfg.MaxOutputTokens,
			StopSequences:   n.cfg.StopSequences,
		},
		Timeout:  time.Duration(n.cfg.TimeoutSec) * time.Second,
		Caller:   "recovery",
		Priority: queue.PriorityRecovery,
	})

	var out Outcome
	if !res.Success {
		n.logger.Warn("recovery dispatch failed",
			"operation_id", failed.ID,
			"error", res.Error,
		)
		out = Outcome{
			RecoveryPossible: false,
			Reasoning:        dispatchFailureReasoning,
			UserQuestion:     fallbackQuestion,
			Disposition:      DispositionFailed,
		}
	} else {
		n.logger.Debug("negotiation phase", "operation_id", failed.ID, "phase", PhaseParsing)
		// A success result may still carry no payload; an empty reply
		// degrades through parseReply like any other unusable text.
		var reply string
		if res.Data != nil {
			reply = res.Data.Response
		}
		out = n.parseReply(failed.ID, reply)
	}

	n.logger.Info("recovery negotiation resolved",
		"operation_id", failed.ID,
		"disposition", out.Disposition,
		"recovery_possible", out.RecoveryPossible,
		"operations", len(out.Operations),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	n.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRecovery,
		Kind:      events.KindRecoveryOutcome,
		Data: map[string]any{
			"operation_id":      failed.ID,
			"operation":         failed.Operation,
			"disposition":       string(out.Disposition),
			"recovery_possible": out.RecoveryPossible,
			"operations":        len(out.Operations),
			"reasoning":         out.Reasoning,
		},
	})
	return out
}

// parseReply scans extracted candidates in order and adopts the first
// whose parsed form carries the verdict field. Anything else in the
// reply, including valid JSON without the field, is ignored.
func (n *Negotiator) parseReply(operationID, text string) Outcome {
	candidates := n.extractor.Objects(text)
	for _, c := range candidates {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(c), &probe); err != nil {
			continue
		}
		if _, ok := probe["recovery_possible"]; !ok {
			continue
		}
		var reply specialistReply
		if err := json.Unmarshal([]byte(c), &reply); err != nil {
			n.logger.Debug("candidate failed to decode",
				"operation_id", operationID,
				"error", err,
			)
			continue
		}
		return outcomeFromReply(reply)
	}

	n.logger.Warn("no usable verdict in specialist reply",
		"operation_id", operationID,
		"candidates", len(candidates),
		"reply_len", len(text),
	)
	return Outcome{
		RecoveryPossible: false,
		Reasoning:        malformedReasoning,
		UserQuestion:     clarificationQuestion,
		Disposition:      DispositionFailed,
	}
}

// outcomeFromReply maps a decoded reply to an Outcome. Missing fields
// keep their zero values; a true verdict with no operations passes
// through as an empty plan rather than being downgraded.
func outcomeFromReply(r specialistReply) Outcome {
	out := Outcome{
		RecoveryPossible: r.RecoveryPossible,
		Reasoning:        r.Reasoning,
		Operations:       r.Operations,
		UserQuestion:     r.UserQuestion,
	}
	switch {
	case r.RecoveryPossible:
		out.Disposition = DispositionRecovered
	case r.UserQuestion != "":
		out.Disposition = DispositionClarificationNeeded
	default:
		out.Disposition = DispositionFailed
	}
	return out
}

// buildPrompt renders the consultation prompt. Parameters are
// marshaled with encoding/json, which orders map keys, so the same
// failure always produces the same prompt.
func buildPrompt(failed FailedOperation, originalGoal string) string {
	params := []byte("{}")
	if failed.Parameters != nil {
		if data, err := json.Marshal(failed.Parameters); err == nil {
			params = data
		}
	}

	var b strings.Builder
	b.WriteString("You are a recovery specialist for an automation engine. ")
	b.WriteString("An operation in the current plan failed, and you must judge whether the plan can be corrected.\n\n")
	fmt.Fprintf(&b, "Original goal: %s\n\n", originalGoal)
	b.WriteString("Failed operation:\n")
	fmt.Fprintf(&b, "  name: %s\n", failed.Operation)
	fmt.Fprintf(&b, "  parameters: %s\n", params)
	fmt.Fprintf(&b, "  error: %s\n\n", failed.Error)
	b.WriteString("Reply with exactly one JSON object and nothing else. The object must contain:\n")
	b.WriteString("  \"recovery_possible\": true or false\n")
	b.WriteString("  \"reasoning\": a short explanation of your judgement\n")
	b.WriteString("  \"operations\": the corrected operations as [{\"id\", \"operation\", \"parameters\"}], required when recovery_possible is true\n")
	b.WriteString("  \"user_question\": a question for the user, required when recovery_possible is false\n")
	b.WriteString("Do not simulate further conversation turns.\n")
	return b.String()
}
