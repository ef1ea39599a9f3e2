package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// memorySchema constrains the memory section of the configuration.
const memorySchema = `{
	"type": "object",
	"properties": {
		"sources": {
			"type": "array",
			"items": {"type": "string", "enum": ["memory", "sessions"]}
		},
		"chunking": {
			"type": "object",
			"properties": {
				"tokens": {"type": "integer", "minimum": 1},
				"overlap": {"type": "integer", "minimum": 0}
			}
		},
		"embedding": {
			"type": "object",
			"properties": {
				"provider": {"type": "string", "enum": ["openai", "gemini", "voyage", "local"]},
				"fallback": {"type": "string", "enum": ["none", "openai", "gemini", "voyage", "local"]},
				"cache": {
					"type": "object",
					"properties": {
						"max_entries": {"type": "integer", "minimum": 0}
					}
				},
				"batch": {
					"type": "object",
					"properties": {
						"concurrency": {"type": "integer", "minimum": 1},
						"timeout_minutes": {"type": "integer", "minimum": 1}
					}
				}
			}
		},
		"sync": {
			"type": "object",
			"properties": {
				"watch_debounce_ms": {"type": "integer", "minimum": 0},
				"interval_minutes": {"type": "integer", "minimum": 0}
			}
		},
		"hybrid": {
			"type": "object",
			"properties": {
				"vector_weight": {"type": "number", "minimum": 0, "maximum": 1},
				"text_weight": {"type": "number", "minimum": 0, "maximum": 1},
				"candidate_multiplier": {"type": "number", "minimum": 0}
			}
		}
	}
}`

// Validator validates configuration values
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator creates a new validator
func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(memorySchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile memory schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if provider == "local" {
		return nil // Local providers do not need a key
	}
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}
	if provider == "openai" && !strings.HasPrefix(key, "sk-") {
		return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
	}
	return nil
}

// ValidateMemory validates the memory section against the JSON schema
func (v *Validator) ValidateMemory(mem MemoryConfig) []error {
	raw, err := json.Marshal(mem)
	if err != nil {
		return []error{fmt.Errorf("failed to marshal memory config: %w", err)}
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return []error{fmt.Errorf("failed to validate memory config: %w", err)}
	}

	var errors []error
	if !result.Valid() {
		for _, desc := range result.Errors() {
			errors = append(errors, fmt.Errorf("memory config: %s", desc.String()))
		}
	}
	return errors
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *OpenClawConfig) []error {
	var errors []error

	errors = append(errors, v.ValidateMemory(cfg.Memory)...)

	if cfg.Memory.Embedding.Provider != "" {
		if err := v.ValidateAPIKey(cfg.Memory.Embedding.APIKey, cfg.Memory.Embedding.Provider); err != nil {
			errors = append(errors, err)
		}
	}

	if cfg.Memory.Chunking.Overlap >= cfg.Memory.Chunking.Tokens && cfg.Memory.Chunking.Tokens > 0 {
		errors = append(errors, fmt.Errorf("memory config: chunking overlap (%d) must be smaller than chunk size (%d)",
			cfg.Memory.Chunking.Overlap, cfg.Memory.Chunking.Tokens))
	}

	if cfg.Memory.Sync.Thresholds.DeltaBytes < 0 {
		errors = append(errors, fmt.Errorf("memory config: thresholds.delta_bytes must be >= 0"))
	}
	if cfg.Memory.Sync.Thresholds.DeltaMessages < 0 {
		errors = append(errors, fmt.Errorf("memory config: thresholds.delta_messages must be >= 0"))
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
