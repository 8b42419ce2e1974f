// Package openai adapts the OpenAI Chat Completions API (github.com/sashabaranov/go-openai)
// to llm.LLMProvider.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ai-research-be/pkg/llm"

	openai "github.com/sashabaranov/go-openai"
)

// ChatClient captures the subset of the go-openai client used by the provider.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Provider struct {
	client      ChatClient
	model       string
	temperature float64
	maxTokens   int
}

var _ llm.LLMProvider = &Provider{}

func NewProvider(client ChatClient, model string, temperature float64, maxTokens int) (*Provider, error) {
	if client == nil {
		return nil, errors.New("openai client is required")
	}
	if model == "" {
		return nil, errors.New("default model is required")
	}
	return &Provider{client: client, model: model, temperature: temperature, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a provider using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, model string, temperature float64, maxTokens int) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return NewProvider(openai.NewClient(apiKey), model, temperature, maxTokens)
}

func (p *Provider) Chat(ctx context.Context, history []llm.Message, opts ...llm.Option) (string, error) {
	if len(history) == 0 {
		return "", errors.New("messages are required")
	}
	options := llm.ApplyOptions(llm.Options{
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
		Model:       p.model,
	}, opts...)

	messages := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       options.Model,
		Messages:    messages,
		Temperature: float32(options.Temperature),
		MaxTokens:   options.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", llm.ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *Provider) Generate(ctx context.Context, prompt string, opts ...llm.Option) (string, error) {
	return p.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, opts...)
}
