// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the chat daemon configuration.
//
// Values are layered: built-in defaults, then the YAML file, then
// environment variables. The result is validated with go-playground
// validator tags before it is returned.
package config

import (
	"time"

	"github.com/AleutianAI/AleutianAgent/pkg/logging"
	"github.com/AleutianAI/AleutianAgent/services/chat/memory"
	"github.com/AleutianAI/AleutianAgent/services/llm"
)

// Memory backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Config is the full daemon configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LLM        LLMConfig        `yaml:"llm"`
	Memory     MemoryConfig     `yaml:"memory"`
	Moderation ModerationConfig `yaml:"moderation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr              string        `yaml:"addr" validate:"required,hostname_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// SystemPrompt is used when a request carries no system text.
	SystemPrompt string `yaml:"system_prompt"`

	// MetricsEnabled exposes /metrics.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OTelEndpoint is an OTLP/gRPC collector address. Empty disables
	// trace export.
	OTelEndpoint string `yaml:"otel_endpoint,omitempty" validate:"omitempty,hostname_port"`

	// SSEHeartbeat is the keepalive interval on streams. Zero disables it.
	SSEHeartbeat time.Duration `yaml:"sse_heartbeat" validate:"gte=0"`

	// RateLimit caps /v1 requests per second across all clients. Zero
	// disables limiting.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	RateBurst int     `yaml:"rate_burst" validate:"gte=0"`
}

// LLMConfig selects the model backend.
type LLMConfig struct {
	Provider string        `yaml:"provider" validate:"oneof=openai ollama"`
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"base_url,omitempty" validate:"omitempty,url"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`

	// APIKey is normally supplied through OPENAI_API_KEY and is never
	// written back to disk.
	APIKey string `yaml:"-"`
}

// MemoryConfig configures the conversation store.
type MemoryConfig struct {
	Backend string `yaml:"backend" validate:"oneof=file badger redis"`

	// Dir holds one file per conversation (file backend) or the Badger
	// database (badger backend).
	Dir string `yaml:"dir" validate:"required_unless=Backend redis"`

	// InMemory runs Badger without touching disk.
	InMemory bool `yaml:"in_memory"`

	Redis RedisConfig `yaml:"redis"`

	// TTL applies to KV-backed conversations and is reset on every append.
	TTL time.Duration `yaml:"ttl" validate:"gt=0"`

	HistorySize           int    `yaml:"history_size" validate:"gt=0"`
	DefaultConversationID string `yaml:"default_conversation_id" validate:"required"`

	// StrictWrites turns store write failures into call errors.
	StrictWrites bool `yaml:"strict_writes"`
}

// RedisConfig addresses the Redis server for the redis backend.
type RedisConfig struct {
	Addr        string        `yaml:"addr" validate:"required_if=Enabled true"`
	Username    string        `yaml:"username,omitempty"`
	Password    string        `yaml:"-"`
	DB          int           `yaml:"db" validate:"gte=0"`
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gte=0"`

	// Enabled is derived from Memory.Backend during validation.
	Enabled bool `yaml:"-"`
}

// ModerationConfig configures the forbidden-term list.
type ModerationConfig struct {
	// TermsFile is a YAML file with a top-level "terms" list. Empty uses
	// Terms only.
	TermsFile string `yaml:"terms_file"`

	// Terms is an inline list used when TermsFile is empty.
	Terms []string `yaml:"terms"`

	// Watch reloads the list when TermsFile changes.
	Watch bool `yaml:"watch"`

	// CacheTTL bounds how stale the in-process matcher may get. Zero
	// reloads on every call.
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"gte=0"`

	// KVCacheTTL caches the loaded list in the KV store shared by the
	// memory backend. Zero disables the KV cache.
	KVCacheTTL time.Duration `yaml:"kv_cache_ttl" validate:"gte=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`

	// IncludeText logs message text at debug level.
	IncludeText bool `yaml:"include_text"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:12230",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			MetricsEnabled:    true,
			SSEHeartbeat:      15 * time.Second,
		},
		LLM: LLMConfig{
			Provider: llm.ProviderOllama,
			Model:    "llama3.2",
			BaseURL:  "http://localhost:11434",
			Timeout:  5 * time.Minute,
		},
		Memory: MemoryConfig{
			Backend: BackendFile,
			Dir:     "~/.aleutian/chat/conversations",
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				DialTimeout: 5 * time.Second,
			},
			TTL:                   memory.DefaultKVTTL,
			HistorySize:           100,
			DefaultConversationID: "default",
		},
		Moderation: ModerationConfig{
			CacheTTL:   30 * time.Second,
			KVCacheTTL: 15 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// WritePolicy maps StrictWrites to a memory write policy.
func (m MemoryConfig) WritePolicy() memory.WritePolicy {
	if m.StrictWrites {
		return memory.WritePolicyStrict
	}
	return memory.WritePolicyBestEffort
}

// ClientConfig converts the section into an llm.Config.
func (c LLMConfig) ClientConfig() llm.Config {
	return llm.Config{
		Provider: c.Provider,
		OpenAI: llm.OpenAIConfig{
			APIKey:  c.APIKey,
			BaseURL: c.BaseURL,
			Model:   c.Model,
		},
		Ollama: llm.OllamaConfig{
			BaseURL: c.BaseURL,
			Model:   c.Model,
			Timeout: c.Timeout,
		},
	}
}

// LoggerConfig converts the section into a logging.Config.
func (c LoggingConfig) LoggerConfig(service string) (logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Dir,
		Service: service,
		JSON:    c.JSON,
	}, nil
}
