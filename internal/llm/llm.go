// Package llm talks to the hosted language model that answers user commands.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FallbackResponse is returned in place of an empty completion.
const FallbackResponse = "I could not process that command."

var (
	ErrUnknownProvider = errors.New("unknown llm provider")
	ErrMissingAPIKey   = errors.New("llm api key required")
	ErrEmptyChoices    = errors.New("llm returned no choices")
)

// Prompt is a single system+user exchange.
type Prompt struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Client completes prompts. Implementations must honour ctx cancellation.
type Client interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider    string  `yaml:"provider"` // groq, openai, gemini, echo
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

const (
	GroqBaseURL   = "https://api.groq.com/openai/v1"
	GroqModel     = "llama3-8b-8192"
	OpenAIModel   = "gpt-4o-mini"
	GeminiModel   = "gemini-2.0-flash"
	DefaultTemp   = 0.7
	DefaultTokens = 1000
)

// New builds the client for cfg.Provider.
func New(ctx context.Context, cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "groq":
		if cfg.BaseURL == "" {
			cfg.BaseURL = GroqBaseURL
		}
		if cfg.Model == "" {
			cfg.Model = GroqModel
		}
		return NewOpenAIClient(cfg)
	case "openai":
		if cfg.Model == "" {
			cfg.Model = OpenAIModel
		}
		return NewOpenAIClient(cfg)
	case "gemini":
		return NewGeminiClient(ctx, cfg)
	case "echo":
		return EchoClient{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

func normalize(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return FallbackResponse
	}
	return text
}
