package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// configSchema is the JSON Schema every config document must satisfy
// before unmarshaling. Validating up front turns typos (a misspelled
// provider kind, a string where an integer belongs) into named errors
// instead of silent zero values.
const configSchema = `{
  "type": "object",
  "required": ["providers", "chain"],
  "properties": {
    "log": {
      "type": "object",
      "properties": {
        "level": {"type": "string", "enum": ["trace", "debug", "info", "warn", "warning", "error"]},
        "format": {"type": "string", "enum": ["text", "json", "pretty"]}
      }
    },
    "providers": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "kind"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "kind": {"type": "string", "enum": ["anthropic", "openai", "gemini", "ollama"]},
          "endpoint": {"type": "string"},
          "credential": {"type": "string"},
          "model": {"type": "string"},
          "enabled": {"type": "boolean"},
          "request_retries": {"type": "integer", "minimum": 0},
          "stream_retries": {"type": "integer", "minimum": 0},
          "stream_idle_timeout_sec": {"type": "integer", "minimum": 1}
        }
      }
    },
    "chain": {
      "type": "object",
      "required": ["primary"],
      "properties": {
        "primary": {"type": "string", "minLength": 1},
        "fallbacks": {"type": "array", "items": {"type": "string", "minLength": 1}}
      }
    },
    "queue": {
      "type": "object",
      "properties": {
        "workers": {"type": "integer", "minimum": 1},
        "depth": {"type": "integer", "minimum": 1},
        "default_timeout_sec": {"type": "integer", "minimum": 1}
      }
    },
    "recovery": {
      "type": "object",
      "properties": {
        "model": {"type": "string"},
        "timeout_sec": {"type": "integer", "minimum": 1},
        "temperature": {"type": "number", "minimum": 0, "maximum": 2},
        "context_window": {"type": "integer", "minimum": 1},
        "max_output_tokens": {"type": "integer", "minimum": 1},
        "stop_sequences": {"type": "array", "items": {"type": "string"}}
      }
    },
    "audit": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "path": {"type": "string"}
      }
    },
    "web": {
      "type": "object",
      "properties": {
        "address": {"type": "string"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535}
      }
    },
    "mqtt": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "broker": {"type": "string"},
        "topic_prefix": {"type": "string"},
        "client_id": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "publish_interval_sec": {"type": "integer", "minimum": 1}
      }
    },
    "secrets": {
      "type": "object",
      "properties": {
        "file": {"type": "string"},
        "passphrase_env": {"type": "string"}
      }
    }
  }
}`

// validateSchema checks raw (already env-expanded) YAML against
// configSchema. The document is decoded generically first; yaml.v3
// produces map[string]any for string-keyed mappings, which the schema
// loader accepts directly.
func validateSchema(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("config file is empty")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
