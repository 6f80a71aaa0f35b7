// Package providers adapts the model backends behind the agent.Provider
// interface: Anthropic Claude, OpenAI-compatible endpoints, and Google
// Gemini. Each adapter owns its streaming translation, retry policy, and
// usage extraction.
package providers

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/internal/config"
	"github.com/fabworks/rtlagent/internal/core"
)

// New builds the provider named in the LLM config section.
func New(cfg config.LLMConfig) (agent.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		return NewAnthropic(AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			DefaultModel: cfg.Model,
		})
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			DefaultModel: cfg.Model,
		})
	case "google", "gemini":
		return NewGoogle(GoogleConfig{
			APIKey:       cfg.APIKey,
			MaxRetries:   cfg.MaxRetries,
			DefaultModel: cfg.Model,
		})
	default:
		return nil, core.Errorf(core.KindBadArgs,
			"unknown llm provider %q (anthropic, openai, google)", cfg.Provider)
	}
}

// maxEmptyStreamEvents bounds consecutive no-op events before a stream is
// treated as malformed.
const maxEmptyStreamEvents = 300

// deliver sends a chunk unless the consumer has stopped draining the
// channel. The chunk channels are unbuffered, so a consumer that bails
// out of the range early would otherwise park the producer goroutine
// forever; false tells the producer to shut down its stream instead.
func deliver(ctx context.Context, chunks chan<- *agent.Chunk, c *agent.Chunk) bool {
	select {
	case chunks <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

const defaultMaxTokens = 4096

func effectiveMaxTokens(requested int) int {
	if requested <= 0 {
		return defaultMaxTokens
	}
	return requested
}

func effectiveModel(requested, fallback string) string {
	if requested == "" {
		return fallback
	}
	return requested
}

// retryableError classifies transient failures worth another attempt:
// rate limits, 5xx responses, timeouts, and connection drops.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") {
		return true
	}
	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") {
		return true
	}
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") {
		return true
	}
	return false
}

// generateToolCallID synthesizes a call id for backends that do not assign
// one (Gemini function calls arrive unkeyed).
func generateToolCallID(toolName string) string {
	return toolName + "_" + uuid.NewString()[:8]
}

// retryAttempts converts a max-retries knob into total attempt count.
func retryAttempts(maxRetries int) int {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return maxRetries + 1
}
