package stt

import (
	"bytes"
	"context"
	"strings"

	"github.com/loqalabs/comet/internal/config"
	"github.com/loqalabs/comet/internal/engine"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type openAIRecognizer struct {
	client   openai.Client
	model    string
	language string
}

// NewOpenAIRecognizer transcribes through the OpenAI audio API or any
// compatible endpoint set in cfg.Endpoint.
func NewOpenAIRecognizer(cfg config.STTConfig) Recognizer {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}
	return &openAIRecognizer{
		client:   openai.NewClient(opts...),
		model:    model,
		language: cfg.Language,
	}
}

func (r *openAIRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(req.Audio), "audio.wav", "audio/wav"),
		Model: openai.AudioModel(r.model),
	}
	language := req.Language
	if language == "" {
		language = r.language
	}
	if language != "" {
		params.Language = openai.String(language)
	}
	resp, err := r.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return TranscriptResult{}, engine.FromOpenAI("transcribe", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(resp.Text), Language: language, Confidence: 1}, nil
}
