package translate

import (
	"context"
	"errors"
	"strings"

	"github.com/loqalabs/comet/internal/config"
	"github.com/loqalabs/comet/internal/engine"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type openAITranslator struct {
	client openai.Client
	model  string
}

// NewOpenAITranslator translates with a chat completion model.
func NewOpenAITranslator(cfg config.TranslateConfig) Translator {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &openAITranslator{client: openai.NewClient(opts...), model: model}
}

func (o *openAITranslator) Translate(ctx context.Context, req Request) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt(req)),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", engine.FromOpenAI("translate", err)
	}
	if len(resp.Choices) == 0 {
		return "", engine.Retryable("translate", errors.New("completion returned no choices"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
