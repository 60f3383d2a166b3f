// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"strings"
)

// Provider names accepted by New.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Config selects and configures a backend.
type Config struct {
	Provider string
	OpenAI   OpenAIConfig
	Ollama   OllamaConfig
}

// New builds the ChatModel named by cfg.Provider.
func New(cfg Config) (ChatModel, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI:
		return NewOpenAIClient(cfg.OpenAI)
	case ProviderOllama:
		return NewOllamaClient(cfg.Ollama)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
