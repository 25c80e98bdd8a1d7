// Package config handles Coquette configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Fimeg/Coquette-sub001/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./coquette.yaml, ~/.config/coquette/config.yaml, /etc/coquette/config.yaml.
func DefaultSearchPaths() []string {
	return []string{
		"coquette.yaml",
		filepath.Join(paths.ConfigDir(), "config.yaml"),
		"/etc/coquette/config.yaml",
	}
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Coquette configuration.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Providers []ProviderConfig `yaml:"providers"`
	Chain     ChainConfig      `yaml:"chain"`
	Queue     QueueConfig      `yaml:"queue"`
	Recovery  RecoveryConfig   `yaml:"recovery"`
	Audit     AuditConfig      `yaml:"audit"`
	Web       WebConfig        `yaml:"web"`
	MQTT      MQTTConfig       `yaml:"mqtt"`
	Secrets   SecretsConfig    `yaml:"secrets"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // text, json, pretty
}

// ProviderConfig describes one backend provider. The credential field is
// a reference (env:NAME, secrets:NAME, literal:VALUE), never a raw key;
// it is resolved against the secrets sources when the registry is built.
type ProviderConfig struct {
	ID                   string `yaml:"id"`
	Name                 string `yaml:"name"`
	Kind                 string `yaml:"kind"` // anthropic, openai, gemini, ollama
	Endpoint             string `yaml:"endpoint"`
	Credential           string `yaml:"credential"`
	Model                string `yaml:"model"`
	Enabled              *bool  `yaml:"enabled"` // nil means enabled
	RequestRetries       int    `yaml:"request_retries"`
	StreamRetries        int    `yaml:"stream_retries"`
	StreamIdleTimeoutSec int    `yaml:"stream_idle_timeout_sec"`
}

// ChainConfig is the initial fallback chain. Runtime replacement goes
// through the router's SetFallbackChain, never back through this struct.
type ChainConfig struct {
	Primary   string   `yaml:"primary"`
	Fallbacks []string `yaml:"fallbacks"`
}

// QueueConfig bounds the request queue.
type QueueConfig struct {
	Workers           int `yaml:"workers"`
	Depth             int `yaml:"depth"`
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// RecoveryConfig tunes the recovery-specialist dispatch.
type RecoveryConfig struct {
	Model           string   `yaml:"model"` // empty = resolved provider's default
	TimeoutSec      int      `yaml:"timeout_sec"`
	Temperature     float64  `yaml:"temperature"`
	ContextWindow   int      `yaml:"context_window"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
	StopSequences   []string `yaml:"stop_sequences"`
}

// AuditConfig controls the sqlite audit trail.
type AuditConfig struct {
	Enabled *bool  `yaml:"enabled"` // nil means enabled
	Path    string `yaml:"path"`    // empty = XDG state dir
}

// WebConfig defines the ops HTTP server.
type WebConfig struct {
	Address string `yaml:"address"` // Bind address (default: 127.0.0.1)
	Port    int    `yaml:"port"`
}

// MQTTConfig defines optional MQTT telemetry.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Broker             string `yaml:"broker"` // e.g. tcp://localhost:1883
	TopicPrefix        string `yaml:"topic_prefix"`
	ClientID           string `yaml:"client_id"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// SecretsConfig points at the optional encrypted secrets file. The
// passphrase is named by environment variable, never stored inline.
type SecretsConfig struct {
	File          string `yaml:"file"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// ProviderEnabled reports the effective enabled flag (default true).
func (p ProviderConfig) ProviderEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// AuditEnabled reports the effective audit flag (default true).
func (a AuditConfig) AuditEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Configured reports whether the MQTT block is complete enough to
// start the publisher.
func (m MQTTConfig) Configured() bool {
	return m.Enabled && m.Broker != ""
}

// AuditPath returns the audit database path, defaulting into the XDG
// state directory.
func (a AuditConfig) AuditPath() string {
	if a.Path != "" {
		return paths.ExpandHome(a.Path)
	}
	return filepath.Join(paths.DataDir(), "audit.db")
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded, the document is validated against the config
// schema, and defaults are applied to absent fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse loads configuration from raw YAML bytes. Split from Load so
// tests and the init command can work without touching the filesystem.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := validateSchema([]byte(expanded)); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every tunable at its default.
// Providers and the chain have no defaults; a config file must supply
// them.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Queue: QueueConfig{
			Workers:           1,
			Depth:             32,
			DefaultTimeoutSec: 120,
		},
		Recovery: RecoveryConfig{
			TimeoutSec:      30,
			Temperature:     0.3,
			ContextWindow:   8192,
			MaxOutputTokens: 1024,
			StopSequences:   []string{"User:", "Human:", "###"},
		},
		Web: WebConfig{Address: "127.0.0.1", Port: 8765},
	}
}

// applyDefaults fills zero values that yaml.Unmarshal may have cleared
// and normalizes per-provider retry budgets.
func (c *Config) applyDefaults() {
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}
	if c.Queue.Depth <= 0 {
		c.Queue.Depth = 32
	}
	if c.Queue.DefaultTimeoutSec <= 0 {
		c.Queue.DefaultTimeoutSec = 120
	}
	if c.Recovery.TimeoutSec <= 0 {
		c.Recovery.TimeoutSec = 30
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8765
	}
	if c.Web.Address == "" {
		c.Web.Address = "127.0.0.1"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "coquette"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "coquette"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.RequestRetries < 0 {
			p.RequestRetries = 0
		}
		if p.StreamIdleTimeoutSec <= 0 {
			p.StreamIdleTimeoutSec = 90
		}
	}
}
