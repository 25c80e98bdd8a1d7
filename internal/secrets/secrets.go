// Package secrets resolves provider credential references. A reference
// names where the credential lives (environment, encrypted file, or the
// config literal itself) so that API keys never sit in coquette.yaml in
// plain sight unless the operator explicitly chooses to put them there.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Source is a backend that can produce secret values by key.
type Source interface {
	// Get retrieves a secret by key. Returns a NotFoundError if the key
	// does not exist in this source.
	Get(key string) (string, error)

	// List returns all enumerable secret keys, nil when the source
	// cannot enumerate (environment variables).
	List() ([]string, error)

	// Name identifies the source ("env", "encrypted-file", "chain").
	Name() string
}

// NotFoundError is returned when a requested secret key does not exist.
type NotFoundError struct {
	Key    string
	Source string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("secret %q not found in source %q", e.Key, e.Source)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// Env reads secrets from environment variables.
type Env struct{}

// NewEnv creates an environment-variable source.
func NewEnv() *Env { return &Env{} }

func (e *Env) Name() string { return "env" }

// Get returns the environment variable value for key.
func (e *Env) Get(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", &NotFoundError{Key: key, Source: e.Name()}
	}
	return v, nil
}

// List returns nil — environment variables are not enumerable by design.
func (e *Env) List() ([]string, error) {
	return nil, nil
}

// Chain tries multiple sources in order, returning the first hit.
type Chain struct {
	sources []Source
}

// NewChain creates a Chain that queries sources in order. The first
// source to return a value wins. Non-NotFound errors (e.g. a decrypt
// failure) are propagated immediately.
func NewChain(sources ...Source) *Chain {
	return &Chain{sources: sources}
}

func (c *Chain) Name() string { return "chain" }

// Get tries each source in order and returns the first hit.
func (c *Chain) Get(key string) (string, error) {
	for _, s := range c.sources {
		val, err := s.Get(key)
		if err == nil {
			return val, nil
		}
		if !IsNotFound(err) {
			return "", err
		}
	}
	return "", &NotFoundError{Key: key, Source: c.Name()}
}

// List returns the union of all keys across all sources, deduplicated.
func (c *Chain) List() ([]string, error) {
	seen := make(map[string]bool)
	var all []string

	for _, s := range c.sources {
		keys, err := s.List()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				all = append(all, k)
			}
		}
	}
	return all, nil
}

// Resolve expands a credential reference against a source.
//
// Reference forms:
//   - ""            → "" (no credential; local providers)
//   - "env:NAME"    → value of the NAME environment variable
//   - "secrets:KEY" → value of KEY from the source (the encrypted file
//     when one is configured, otherwise the environment)
//   - "literal:V"   → V verbatim
//
// Anything without a recognized prefix is treated as a literal for
// compatibility with configs that predate references.
func Resolve(src Source, ref string) (string, error) {
	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, "env:"):
		return NewEnv().Get(strings.TrimPrefix(ref, "env:"))
	case strings.HasPrefix(ref, "secrets:"):
		if src == nil {
			return "", fmt.Errorf("credential %q needs a secrets source but none is configured", ref)
		}
		return src.Get(strings.TrimPrefix(ref, "secrets:"))
	case strings.HasPrefix(ref, "literal:"):
		return strings.TrimPrefix(ref, "literal:"), nil
	default:
		return ref, nil
	}
}
