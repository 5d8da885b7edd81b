package providers

import (
	"context"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nicodishanthj/soldocs/internal/common"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicProvider generates text through the Anthropic Messages API. The
// SDK's built-in retries are disabled so the shared retry policy governs.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
	pace   pacer
}

// NewAnthropicProvider builds a provider from an API key, honoring the
// ANTHROPIC_MODEL override.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	model := strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL"))
	if model == "" {
		model = defaultAnthropicModel
	}
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)
	common.Logger().Info("llm: Anthropic provider configured", "model", model)
	return &AnthropicProvider{client: client, model: model}
}

// Generate sends a single-turn prompt and returns the text of the first
// text content block, or the empty string when the response carries none.
func (p *AnthropicProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return generateWithRetry(ctx, p.Name(), func() (string, error) {
		p.pace.wait()
		message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(p.model),
			MaxTokens: int64(maxTokens),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return "", err
		}
		for _, block := range message.Content {
			if block.Type == "text" {
				return block.Text, nil
			}
		}
		return "", nil
	})
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}
