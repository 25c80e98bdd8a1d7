package llm

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Fimeg/Coquette-sub001/internal/httpkit"
	"github.com/Fimeg/Coquette-sub001/internal/provider"
)

// New constructs the wire client for a descriptor.
func New(desc *provider.Descriptor, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch desc.Kind {
	case provider.KindAnthropic:
		return NewAnthropicClient(desc, logger), nil
	case provider.KindOpenAI:
		return NewOpenAIClient(desc, logger), nil
	case provider.KindGemini:
		return NewGeminiClient(desc, logger), nil
	case provider.KindOllama:
		return NewOllamaClient(desc, logger), nil
	default:
		return nil, fmt.Errorf("no client for provider kind %q", desc.Kind)
	}
}

// BuildClients constructs one client per registered provider, keyed by
// provider id. Disabled providers get clients too; enablement is a
// routing concern, not a transport one.
func BuildClients(reg *provider.Registry, logger *slog.Logger) (map[string]Client, error) {
	clients := make(map[string]Client, reg.Len())
	for _, d := range reg.Descriptors() {
		c, err := New(d, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", d.ID, err)
		}
		clients[d.ID] = c
	}
	return clients, nil
}

// newHTTPClient builds the shared-transport HTTP client for a provider.
// Models can sit on a long prompt before sending any headers, so the
// response header timeout is generous; the per-request ctx deadline owns
// the overall request lifetime.
func newHTTPClient(desc *provider.Descriptor, logger *slog.Logger) *http.Client {
	t := httpkit.NewTransport()
	headerTimeout := 120 * time.Second
	if desc.StreamIdleTimeout > 0 {
		headerTimeout = desc.StreamIdleTimeout
	}
	t.ResponseHeaderTimeout = headerTimeout

	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(0),
		httpkit.WithTransport(t),
		httpkit.WithLogger(logger),
	}
	if desc.RequestRetries > 0 {
		opts = append(opts, httpkit.WithRetry(desc.RequestRetries, time.Second))
	}
	return httpkit.NewClient(opts...)
}
