// Package provider defines the backend descriptors the resolution layer
// chooses between. Descriptors are built once from configuration and
// are immutable afterward; runtime state (availability, the current
// selection) lives in other packages.
package provider

import (
	"fmt"
	"time"

	"github.com/Fimeg/Coquette-sub001/internal/config"
	"github.com/Fimeg/Coquette-sub001/internal/secrets"
)

// Kind is the wire-protocol contract a provider speaks. The resolution
// layer treats it as an opaque tag; only the client constructors care
// which is which.
type Kind string

const (
	KindAnthropic Kind = "anthropic"
	KindOpenAI    Kind = "openai"
	KindGemini    Kind = "gemini"
	KindOllama    Kind = "ollama"
)

// ParseKind validates a config kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAnthropic, KindOpenAI, KindGemini, KindOllama:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown provider kind %q (valid: anthropic, openai, gemini, ollama)", s)
	}
}

// defaultEndpoints are used when a provider block omits its endpoint.
var defaultEndpoints = map[Kind]string{
	KindAnthropic: "https://api.anthropic.com",
	KindOpenAI:    "https://api.openai.com",
	KindGemini:    "https://generativelanguage.googleapis.com",
	KindOllama:    "http://localhost:11434",
}

// Descriptor describes one configured provider. Immutable after load.
type Descriptor struct {
	ID                string
	Name              string
	Kind              Kind
	Endpoint          string
	CredentialRef     string
	Credential        string // resolved; never log this
	Model             string
	Enabled           bool
	RequestRetries    int
	StreamRetries     int
	StreamIdleTimeout time.Duration
}

// Registry holds every configured descriptor in registration order.
type Registry struct {
	byID  map[string]*Descriptor
	order []string
}

// NewRegistry builds descriptors from provider config blocks, resolving
// credential references against src. An enabled provider whose
// credential cannot resolve is a configuration error; disabled
// providers may carry dangling references.
func NewRegistry(cfgs []config.ProviderConfig, src secrets.Source) (*Registry, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	r := &Registry{byID: make(map[string]*Descriptor, len(cfgs))}
	for _, pc := range cfgs {
		if pc.ID == "" {
			return nil, fmt.Errorf("provider with empty id")
		}
		if _, dup := r.byID[pc.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", pc.ID)
		}

		kind, err := ParseKind(pc.Kind)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.ID, err)
		}

		d := &Descriptor{
			ID:                pc.ID,
			Name:              pc.Name,
			Kind:              kind,
			Endpoint:          pc.Endpoint,
			CredentialRef:     pc.Credential,
			Model:             pc.Model,
			Enabled:           pc.ProviderEnabled(),
			RequestRetries:    pc.RequestRetries,
			StreamRetries:     pc.StreamRetries,
			StreamIdleTimeout: time.Duration(pc.StreamIdleTimeoutSec) * time.Second,
		}
		if d.Name == "" {
			d.Name = d.ID
		}
		if d.Endpoint == "" {
			d.Endpoint = defaultEndpoints[kind]
		}

		cred, err := secrets.Resolve(src, pc.Credential)
		if err != nil {
			if d.Enabled {
				return nil, fmt.Errorf("provider %q: %w", pc.ID, err)
			}
		} else {
			d.Credential = cred
		}

		r.byID[d.ID] = d
		r.order = append(r.order, d.ID)
	}

	return r, nil
}

// Get returns the descriptor for id. Referencing an unregistered id is
// a caller bug and reported as an explicit error, not degraded.
func (r *Registry) Get(id string) (*Descriptor, error) {
	d, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("unregistered provider %q", id)
	}
	return d, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// IDs returns provider ids in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Descriptors returns all descriptors in registration order.
func (r *Registry) Descriptors() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int { return len(r.order) }
