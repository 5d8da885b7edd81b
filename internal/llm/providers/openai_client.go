package providers

import (
	"context"
	"fmt"
	"os"
	"strings"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/nicodishanthj/soldocs/internal/common"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider generates text through an OpenAI-compatible chat endpoint.
// It obeys the same pacing and retry rules as the Anthropic provider.
type OpenAIProvider struct {
	client openai.Client
	model  string
	pace   pacer
}

// NewOpenAIProvider builds a provider from an API key, honoring the
// OPENAI_CHAT_MODEL and OPENAI_ENDPOINT overrides.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	model := strings.TrimSpace(os.Getenv("OPENAI_CHAT_MODEL"))
	if model == "" {
		model = defaultOpenAIModel
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if endpoint := strings.TrimSpace(os.Getenv("OPENAI_ENDPOINT")); endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	common.Logger().Info("llm: OpenAI provider configured", "model", model)
	return &OpenAIProvider{client: openai.NewClient(opts...), model: model}
}

// Generate sends a single-turn prompt and returns the first choice's
// message content.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return generateWithRetry(ctx, p.Name(), func() (string, error) {
		p.pace.wait()
		resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: openai.ChatModel(p.model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(prompt),
			},
			MaxTokens: openai.Int(int64(maxTokens)),
		})
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("no choices returned")
		}
		return resp.Choices[0].Message.Content, nil
	})
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}
