// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/tavern/services/orchestrator/conversation"
	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/AleutianAI/tavern/services/orchestrator/intent"
	"github.com/AleutianAI/tavern/services/orchestrator/retrieval"
	"github.com/AleutianAI/tavern/services/orchestrator/services"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the HTTP port used when none is configured.
const DefaultPort = 1478

// Persona store backends.
const (
	PersonaBackendFile   = "file"
	PersonaBackendBadger = "badger"
	PersonaBackendMemory = "memory"
)

// Permission gate kinds.
const (
	GateThreshold = "threshold"
	GateRego      = "rego"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds tavern service configuration.
//
// # Description
//
// Config is read from an optional YAML file, then overlaid with environment
// variables, then corrected by applyConfigDefaults. Every field has a
// working default, so an empty Config plus OPENAI_API_KEY is enough to run.
//
// # Examples
//
//	cfg, err := orchestrator.LoadConfig("/etc/tavern/tavern.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg, nil)
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	LLM          LLMConfig          `yaml:"llm"`
	Weaviate     WeaviateConfig     `yaml:"weaviate"`
	Retrieval    retrieval.Config   `yaml:"retrieval"`
	Conversation ConversationConfig `yaml:"conversation"`
	Persona      PersonaConfig      `yaml:"persona"`
	Intent       IntentConfig       `yaml:"intent"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	GinMode string `yaml:"gin_mode"`

	// APIToken guards every route except /health and /metrics. Empty disables auth.
	APIToken string `yaml:"api_token"`

	// RateLimitPerMinute limits /chat per user. 0 disables limiting.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int `yaml:"rate_limit_burst"`
}

// LLMConfig configures the completion and embedding provider.
type LLMConfig struct {
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	EmbeddingModel    string        `yaml:"embedding_model"`
	Temperature       float32       `yaml:"temperature"`
	MaxTokens         int           `yaml:"max_tokens"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`
}

// WeaviateConfig configures the rules index. An empty URL disables retrieval.
type WeaviateConfig struct {
	URL              string        `yaml:"url"`
	RetrievalTimeout time.Duration `yaml:"retrieval_timeout"`
}

// ConversationConfig configures history and turn admission.
type ConversationConfig struct {
	MaxHistory      int           `yaml:"max_history"`
	MaxMessageRunes int           `yaml:"max_message_length"`
	LockWaitTimeout time.Duration `yaml:"lock_wait_timeout"`
}

// PersonaConfig configures persona persistence.
type PersonaConfig struct {
	// Backend is "file", "badger" or "memory".
	Backend string `yaml:"backend"`

	// Path is the YAML file or Badger directory.
	Path string `yaml:"path"`

	// Watch reloads the file backend when it changes on disk.
	Watch bool `yaml:"watch"`

	// FallbackPrompt is used when no persona can be resolved.
	FallbackPrompt string `yaml:"fallback_prompt"`
}

// IntentConfig configures the directive permission gate.
type IntentConfig struct {
	// Gate is "threshold" or "rego".
	Gate string `yaml:"gate"`

	// PermissionThreshold is the minimum level for a directive to pass.
	PermissionThreshold int `yaml:"permission_threshold"`

	// PolicyPath is a rego file for the "rego" gate. Empty uses the built-in policy.
	PolicyPath string `yaml:"policy_path"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	// OTelEndpoint is an OTLP gRPC endpoint, "stdout", or empty to disable tracing.
	OTelEndpoint string `yaml:"otel_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	turn := services.DefaultTurnConfig()
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: DefaultPort,
		},
		LLM: LLMConfig{
			Temperature:       turn.Temperature,
			MaxTokens:         turn.MaxTokens,
			CompletionTimeout: turn.CompletionTimeout,
		},
		Weaviate: WeaviateConfig{
			RetrievalTimeout: turn.RetrievalTimeout,
		},
		Retrieval: retrieval.DefaultConfig(),
		Conversation: ConversationConfig{
			MaxHistory:      conversation.DefaultMaxHistory,
			MaxMessageRunes: datatypes.DefaultMaxMessageRunes,
			LockWaitTimeout: turn.LockWaitTimeout,
		},
		Persona: PersonaConfig{
			Backend: PersonaBackendMemory,
		},
		Intent: IntentConfig{
			Gate:                GateThreshold,
			PermissionThreshold: intent.DefaultPermissionThreshold,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "tavern",
		},
	}
}

// =============================================================================
// Loading
// =============================================================================

// LoadConfig reads path (optional), overlays the environment and applies
// defaults.
//
// # Inputs
//
//   - path: YAML file. Empty skips the file.
//
// # Outputs
//
//   - Config: Ready configuration.
//   - error: Non-nil if the file exists but cannot be read or parsed.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg, os.LookupEnv)
	return applyConfigDefaults(cfg), nil
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				// Trim quotes and whitespace in case a compose file passes them literally
				*dst = strings.Trim(v, "\"' ")
				return
			}
		}
	}
	num := func(dst *int, key string) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				slog.Warn("Ignoring non-numeric environment variable", "key", key)
				return
			}
			*dst = n
		}
	}

	str(&cfg.Server.Host, "HOST")
	num(&cfg.Server.Port, "PORT")
	str(&cfg.Server.GinMode, "GIN_MODE")
	str(&cfg.Server.APIToken, "TAVERN_API_TOKEN")
	num(&cfg.Server.RateLimitPerMinute, "TAVERN_RATE_LIMIT_PER_MINUTE")

	str(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	str(&cfg.LLM.BaseURL, "OPENAI_BASE_URL")
	str(&cfg.LLM.Model, "OPENAI_MODEL")
	str(&cfg.LLM.EmbeddingModel, "TAVERN_EMBEDDING_MODEL")

	str(&cfg.Weaviate.URL, "WEAVIATE_SERVICE_URL")

	num(&cfg.Conversation.MaxHistory, "MAX_CONVERSATION_HISTORY")
	num(&cfg.Conversation.MaxMessageRunes, "MAX_MESSAGE_LENGTH")

	str(&cfg.Persona.Backend, "TAVERN_PERSONA_BACKEND")
	str(&cfg.Persona.Path, "TAVERN_PERSONA_PATH")
	str(&cfg.Persona.FallbackPrompt, "SYSTEM_PROMPT")

	str(&cfg.Intent.Gate, "TAVERN_INTENT_GATE")
	num(&cfg.Intent.PermissionThreshold, "TAVERN_PERMISSION_THRESHOLD")
	str(&cfg.Intent.PolicyPath, "TAVERN_POLICY_PATH")

	str(&cfg.Telemetry.OTelEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// applyConfigDefaults corrects invalid values.
//
// # Description
//
// Invalid values are replaced with defaults and logged, never rejected, so a
// typo in one knob does not keep the service from starting.
func applyConfigDefaults(cfg Config) Config {
	d := DefaultConfig()

	if cfg.Server.Host == "" {
		cfg.Server.Host = d.Server.Host
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		slog.Warn("Invalid port, using default", "provided", cfg.Server.Port, "default", d.Server.Port)
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Server.RateLimitPerMinute < 0 {
		slog.Warn("Negative rate limit, disabling", "provided", cfg.Server.RateLimitPerMinute)
		cfg.Server.RateLimitPerMinute = 0
	}

	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		slog.Warn("Invalid temperature, using default", "provided", cfg.LLM.Temperature, "default", d.LLM.Temperature)
		cfg.LLM.Temperature = d.LLM.Temperature
	}
	if cfg.LLM.MaxTokens < 1 {
		cfg.LLM.MaxTokens = d.LLM.MaxTokens
	}
	if cfg.LLM.CompletionTimeout <= 0 {
		cfg.LLM.CompletionTimeout = d.LLM.CompletionTimeout
	}
	if cfg.Weaviate.RetrievalTimeout <= 0 {
		cfg.Weaviate.RetrievalTimeout = d.Weaviate.RetrievalTimeout
	}

	if cfg.Conversation.MaxHistory < 1 {
		slog.Warn("Invalid max history, using default", "provided", cfg.Conversation.MaxHistory, "default", d.Conversation.MaxHistory)
		cfg.Conversation.MaxHistory = d.Conversation.MaxHistory
	}
	if cfg.Conversation.MaxMessageRunes < 1 {
		slog.Warn("Invalid max message length, using default", "provided", cfg.Conversation.MaxMessageRunes, "default", d.Conversation.MaxMessageRunes)
		cfg.Conversation.MaxMessageRunes = d.Conversation.MaxMessageRunes
	}
	if cfg.Conversation.LockWaitTimeout <= 0 {
		cfg.Conversation.LockWaitTimeout = d.Conversation.LockWaitTimeout
	}

	cfg.Persona.Backend = strings.ToLower(strings.TrimSpace(cfg.Persona.Backend))
	switch cfg.Persona.Backend {
	case PersonaBackendMemory:
	case PersonaBackendFile, PersonaBackendBadger:
		if cfg.Persona.Path == "" {
			slog.Warn("Persona backend needs a path, using memory", "backend", cfg.Persona.Backend)
			cfg.Persona.Backend = PersonaBackendMemory
		}
	default:
		slog.Warn("Unknown persona backend, using memory", "provided", cfg.Persona.Backend)
		cfg.Persona.Backend = PersonaBackendMemory
	}

	cfg.Intent.Gate = strings.ToLower(strings.TrimSpace(cfg.Intent.Gate))
	if cfg.Intent.Gate != GateThreshold && cfg.Intent.Gate != GateRego {
		slog.Warn("Unknown intent gate, using threshold", "provided", cfg.Intent.Gate)
		cfg.Intent.Gate = GateThreshold
	}
	if cfg.Intent.PermissionThreshold < 0 || cfg.Intent.PermissionThreshold > datatypes.MaxPermissionLevel {
		slog.Warn("Invalid permission threshold, using default",
			"provided", cfg.Intent.PermissionThreshold, "default", d.Intent.PermissionThreshold)
		cfg.Intent.PermissionThreshold = d.Intent.PermissionThreshold
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
	return cfg
}

// turnConfig maps Config onto the turn service knobs.
func (c Config) turnConfig() services.TurnConfig {
	return services.TurnConfig{
		MaxMessageRunes:   c.Conversation.MaxMessageRunes,
		Temperature:       c.LLM.Temperature,
		MaxTokens:         c.LLM.MaxTokens,
		LockWaitTimeout:   c.Conversation.LockWaitTimeout,
		RetrievalTimeout:  c.Weaviate.RetrievalTimeout,
		CompletionTimeout: c.LLM.CompletionTimeout,
	}
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
