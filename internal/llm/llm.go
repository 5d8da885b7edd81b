package llm

import (
	"errors"
	"os"
	"strings"

	"github.com/nicodishanthj/soldocs/internal/common"
	"github.com/nicodishanthj/soldocs/internal/llm/providers"
)

// Provider is the single text-generation operation the documentation
// pipeline needs.
type Provider = providers.Provider

// ErrNoProvider means neither provider credential is present.
var ErrNoProvider = errors.New("no llm provider configured")

// NewProvider selects a provider from the environment: Anthropic when
// ANTHROPIC_API_KEY is set, otherwise an OpenAI-compatible endpoint when
// OPENAI_API_KEY is set. A non-Anthropic-shaped Anthropic key is a warning,
// not a failure.
func NewProvider() (Provider, error) {
	logger := common.Logger()
	if apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); apiKey != "" {
		if !strings.HasPrefix(apiKey, "sk-ant-") {
			logger.Warn("llm: ANTHROPIC_API_KEY does not look like an Anthropic key")
		}
		logger.Info("llm: Anthropic provider selected")
		return providers.NewAnthropicProvider(apiKey), nil
	}
	if apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); apiKey != "" {
		logger.Info("llm: OpenAI-compatible provider selected")
		return providers.NewOpenAIProvider(apiKey), nil
	}
	return nil, ErrNoProvider
}
