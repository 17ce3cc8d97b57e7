package tts

import (
	"context"
	"io"

	"github.com/loqalabs/comet/internal/config"
	"github.com/loqalabs/comet/internal/engine"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var openAIVoices = map[string]bool{
	"alloy": true, "ash": true, "ballad": true, "coral": true, "echo": true,
	"fable": true, "onyx": true, "nova": true, "sage": true, "shimmer": true, "verse": true,
}

type openAISynth struct {
	client openai.Client
	model  string
	voice  string
}

// NewOpenAISynth synthesizes mp3 speech with the OpenAI speech API. Voices
// that are not OpenAI voice names fall back to the configured voice.
func NewOpenAISynth(cfg config.TTSConfig) Synthesizer {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	model := cfg.Model
	if model == "" {
		model = "tts-1"
	}
	voice := cfg.Voice
	if !openAIVoices[voice] {
		voice = "alloy"
	}
	return &openAISynth{client: openai.NewClient(opts...), model: model, voice: voice}
}

func (o *openAISynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	voice := o.voice
	if openAIVoices[req.Voice] {
		voice = req.Voice
	}
	resp, err := o.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          openai.SpeechModel(o.model),
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return Audio{}, engine.FromOpenAI("synthesize", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, engine.Classify("synthesize", err)
	}
	return Audio{Data: data, Format: "mp3"}, nil
}
