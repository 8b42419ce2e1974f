package factory

import (
	"fmt"

	"ai-research-be/pkg/llm"
	"ai-research-be/pkg/llm/ollama"
	"ai-research-be/pkg/llm/openai"
)

// Settings carries what any supported backend may need.
type Settings struct {
	Provider    string // "openai" | "ollama"
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
	MaxTokens   int
}

func NewLLMProvider(s Settings) (llm.LLMProvider, error) {
	switch s.Provider {
	case "openai", "":
		return openai.NewFromAPIKey(s.APIKey, s.Model, s.Temperature, s.MaxTokens)
	case "ollama":
		baseURL := s.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434" // Default
		}
		return ollama.NewOllamaProvider(baseURL, s.Model, s.Temperature, s.MaxTokens), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", s.Provider)
	}
}
