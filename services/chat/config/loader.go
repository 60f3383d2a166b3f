// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ALEUTIAN_CHAT_"

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultPath returns ~/.aleutian/chat.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "chat.yaml"), nil
}

// Load reads the config at path, applies environment overrides and
// validates the result.
//
// An empty path skips the file. A path that does not exist is an error; use
// LoadOrCreate for first-run behaviour.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrCreate writes the default config to path when the file is missing,
// then loads it.
//
// Outputs:
//
//	*Config - The loaded configuration.
//	bool - True when the file was created by this call.
//	error - Read, parse, env or validation failure.
func LoadOrCreate(path string) (*Config, bool, error) {
	created := false
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := WriteDefault(path); err != nil {
			return nil, false, err
		}
		created = true
	}
	cfg, err := Load(path)
	return cfg, created, err
}

// WriteDefault writes the default config to path, creating parent
// directories.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// decode strictly unmarshals YAML on top of the values already in cfg.
func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// Validate checks the struct tags and cross-field rules.
func (c *Config) Validate() error {
	c.Memory.Redis.Enabled = c.Memory.Backend == BackendRedis
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.LLM.Provider == "openai" && c.LLM.Model == "" {
		return errors.New("invalid config: llm.model is required for the openai provider")
	}
	return nil
}

// applyEnv overlays environment variables on cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	str(EnvPrefix+"ADDR", &cfg.Server.Addr)
	str(EnvPrefix+"SYSTEM_PROMPT", &cfg.Server.SystemPrompt)
	boolean(EnvPrefix+"METRICS_ENABLED", &cfg.Server.MetricsEnabled)
	str(EnvPrefix+"OTEL_ENDPOINT", &cfg.Server.OTelEndpoint)
	if v, ok := lookup(EnvPrefix + "RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_LIMIT: %w", EnvPrefix, err))
		} else {
			cfg.Server.RateLimit = f
		}
	}
	integer(EnvPrefix+"RATE_BURST", &cfg.Server.RateBurst)

	str(EnvPrefix+"LLM_PROVIDER", &cfg.LLM.Provider)
	str(EnvPrefix+"LLM_MODEL", &cfg.LLM.Model)
	str(EnvPrefix+"LLM_BASE_URL", &cfg.LLM.BaseURL)
	duration(EnvPrefix+"LLM_TIMEOUT", &cfg.LLM.Timeout)
	str("OPENAI_API_KEY", &cfg.LLM.APIKey)
	str(EnvPrefix+"LLM_API_KEY", &cfg.LLM.APIKey)

	str(EnvPrefix+"MEMORY_BACKEND", &cfg.Memory.Backend)
	str(EnvPrefix+"MEMORY_DIR", &cfg.Memory.Dir)
	boolean(EnvPrefix+"MEMORY_IN_MEMORY", &cfg.Memory.InMemory)
	duration(EnvPrefix+"MEMORY_TTL", &cfg.Memory.TTL)
	integer(EnvPrefix+"HISTORY_SIZE", &cfg.Memory.HistorySize)
	boolean(EnvPrefix+"STRICT_WRITES", &cfg.Memory.StrictWrites)
	str(EnvPrefix+"REDIS_ADDR", &cfg.Memory.Redis.Addr)
	str(EnvPrefix+"REDIS_USERNAME", &cfg.Memory.Redis.Username)
	str(EnvPrefix+"REDIS_PASSWORD", &cfg.Memory.Redis.Password)
	integer(EnvPrefix+"REDIS_DB", &cfg.Memory.Redis.DB)

	str(EnvPrefix+"TERMS_FILE", &cfg.Moderation.TermsFile)
	boolean(EnvPrefix+"TERMS_WATCH", &cfg.Moderation.Watch)
	duration(EnvPrefix+"TERMS_CACHE_TTL", &cfg.Moderation.CacheTTL)

	str(EnvPrefix+"LOG_LEVEL", &cfg.Logging.Level)
	boolean(EnvPrefix+"LOG_JSON", &cfg.Logging.JSON)
	str(EnvPrefix+"LOG_DIR", &cfg.Logging.Dir)

	if v, ok := lookup(EnvPrefix + "TERMS"); ok {
		cfg.Moderation.Terms = splitList(v)
	}

	return errors.Join(errs...)
}

// splitList splits a comma separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ExpandHome expands a leading "~" in path.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
