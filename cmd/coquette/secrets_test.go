package main

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func secretsConfig(t *testing.T) string {
	t.Helper()
	encPath := filepath.Join(t.TempDir(), "secrets.enc")
	return writeTestConfig(t, fmt.Sprintf(`
providers:
  - id: local
    kind: ollama
chain:
  primary: local
secrets:
  file: %s
  passphrase_env: COQUETTE_TEST_PASSPHRASE
`, encPath))
}

func TestRunSecrets_SetAndList(t *testing.T) {
	t.Setenv("COQUETTE_TEST_PASSPHRASE", "correct horse battery staple")
	path := secretsConfig(t)

	var out bytes.Buffer
	err := runSecrets(strings.NewReader("sk-test-value\n"), &out, path, []string{"set", "ANTHROPIC_API_KEY"})
	if err != nil {
		t.Fatalf("secrets set error = %v", err)
	}
	if !strings.Contains(out.String(), "secrets:ANTHROPIC_API_KEY") {
		t.Errorf("set output = %q, want the reference hint", out.String())
	}

	out.Reset()
	if err := runSecrets(strings.NewReader(""), &out, path, []string{"list"}); err != nil {
		t.Fatalf("secrets list error = %v", err)
	}
	if !strings.Contains(out.String(), "ANTHROPIC_API_KEY") {
		t.Errorf("list output = %q, want the stored name", out.String())
	}
	// The value itself must never be listed.
	if strings.Contains(out.String(), "sk-test-value") {
		t.Error("list output leaks a secret value")
	}
}

func TestRunSecrets_MissingPassphrase(t *testing.T) {
	t.Setenv("COQUETTE_TEST_PASSPHRASE", "")
	path := secretsConfig(t)

	var out bytes.Buffer
	err := runSecrets(strings.NewReader("value\n"), &out, path, []string{"set", "KEY"})
	if err == nil || !strings.Contains(err.Error(), "COQUETTE_TEST_PASSPHRASE") {
		t.Errorf("secrets set error = %v, want a passphrase error", err)
	}
}

func TestRunSecrets_BadUsage(t *testing.T) {
	path := secretsConfig(t)

	tests := []struct {
		name string
		args []string
	}{
		{"no subcommand", nil},
		{"unknown subcommand", []string{"rotate"}},
		{"set without name", []string{"set"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := runSecrets(strings.NewReader(""), &out, path, tt.args); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestRunSecrets_NoFileConfigured(t *testing.T) {
	path := writeTestConfig(t, minimalConfig)

	var out bytes.Buffer
	err := runSecrets(strings.NewReader(""), &out, path, []string{"list"})
	if err == nil || !strings.Contains(err.Error(), "no secrets file configured") {
		t.Errorf("secrets list error = %v, want no-file error", err)
	}
}
