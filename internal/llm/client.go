// Package llm implements the wire protocols for the configured provider
// kinds. Every client speaks one protocol, takes its endpoint and
// credential from a provider descriptor, and normalizes responses into a
// provider-neutral Response. Clients are single-turn: the resolution
// layer dispatches one prompt and wants one complete text back.
package llm

import (
	"context"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// defaultMaxTokens bounds the response when a request does not say.
const defaultMaxTokens = 4096

// Options are generation parameters passed through from the request
// queue. Each client maps the subset its wire format supports; the rest
// are ignored.
type Options struct {
	Temperature     float64
	ContextWindow   int
	MaxOutputTokens int
	StopSequences   []string
}

// Request is a single-turn generation request.
type Request struct {
	Model   string
	System  string
	Prompt  string
	Options Options
}

// Response is the provider-neutral result of a generation request.
// Wire format conversion happens at provider boundaries.
type Response struct {
	Model        string
	Text         string
	StopReason   string
	InputTokens  int
	OutputTokens int

	// TotalDuration is populated when the provider reports it (Ollama).
	TotalDuration time.Duration
}

// Client is the interface every provider wire protocol implements.
type Client interface {
	// Generate sends a single-turn request and returns the complete
	// response text.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Ping checks whether the provider is reachable with the configured
	// credential.
	Ping(ctx context.Context) error
}

func (r Request) maxTokens() int {
	if r.Options.MaxOutputTokens > 0 {
		return r.Options.MaxOutputTokens
	}
	return defaultMaxTokens
}
