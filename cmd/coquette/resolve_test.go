package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/Fimeg/Coquette-sub001/internal/router"
)

const twoProviderConfig = `
providers:
  - id: primary-llm
    kind: ollama
    endpoint: http://localhost:11434
    model: llama3.3
  - id: backup-llm
    kind: ollama
    endpoint: http://localhost:11435
    enabled: false
chain:
  primary: primary-llm
  fallbacks: [backup-llm]
`

func TestRunResolve_Text(t *testing.T) {
	path := writeTestConfig(t, twoProviderConfig)

	var out bytes.Buffer
	if err := runResolve(&out, path, "text"); err != nil {
		t.Fatalf("runResolve() error = %v", err)
	}

	body := out.String()
	if !strings.Contains(body, "primary-llm") {
		t.Errorf("resolve output = %q, want the primary provider", body)
	}
	if !strings.Contains(body, "ollama") {
		t.Errorf("resolve output = %q, want the provider kind", body)
	}
}

func TestRunResolve_JSON(t *testing.T) {
	path := writeTestConfig(t, twoProviderConfig)

	var out bytes.Buffer
	if err := runResolve(&out, path, "json"); err != nil {
		t.Fatalf("runResolve() error = %v", err)
	}

	var d router.Decision
	if err := json.Unmarshal(out.Bytes(), &d); err != nil {
		t.Fatalf("resolve JSON did not parse: %v\n%s", err, out.String())
	}
	if d.Provider != "primary-llm" {
		t.Errorf("provider = %q, want %q", d.Provider, "primary-llm")
	}
	if d.Degraded {
		t.Error("fresh chain should not be degraded")
	}
}

func TestRunResolve_RejectsUnknownChainMember(t *testing.T) {
	path := writeTestConfig(t, `
providers:
  - id: local
    kind: ollama
chain:
  primary: ghost
`)

	var out bytes.Buffer
	err := runResolve(&out, path, "text")
	if err == nil || !strings.Contains(err.Error(), "chain") {
		t.Errorf("runResolve() error = %v, want a chain validation error", err)
	}
}
