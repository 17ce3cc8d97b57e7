package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/loqalabs/comet/internal/config"
	"github.com/loqalabs/comet/internal/engine"
)

const (
	defaultElevenLabsEndpoint = "https://api.elevenlabs.io"
	defaultElevenLabsModel    = "eleven_multilingual_v2"
)

// ElevenLabs synthesizes speech through the ElevenLabs text-to-speech API.
// The request voice is an ElevenLabs voice id.
type ElevenLabs struct {
	endpoint     string
	apiKey       string
	model        string
	voice        string
	outputFormat string
	client       *http.Client
}

func NewElevenLabs(cfg config.TTSConfig, client *http.Client) *ElevenLabs {
	if client == nil {
		client = &http.Client{}
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultElevenLabsEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = defaultElevenLabsModel
	}
	format := cfg.OutputFormat
	if format == "" {
		format = "mp3_44100_128"
	}
	return &ElevenLabs{
		endpoint:     strings.TrimRight(endpoint, "/"),
		apiKey:       cfg.APIKey,
		model:        model,
		voice:        cfg.Voice,
		outputFormat: format,
		client:       client,
	}
}

type elevenLabsRequest struct {
	Text         string `json:"text"`
	ModelID      string `json:"model_id"`
	LanguageCode string `json:"language_code,omitempty"`
}

func (e *ElevenLabs) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	voice := voiceOrDefault(req.Voice, e.voice)
	body, err := json.Marshal(elevenLabsRequest{Text: req.Text, ModelID: e.model, LanguageCode: baseLanguage(req.Language)})
	if err != nil {
		return Audio{}, err
	}
	target := e.endpoint + "/v1/text-to-speech/" + url.PathEscape(voice) + "?output_format=" + url.QueryEscape(e.outputFormat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Audio{}, engine.Permanent("synthesize", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/*")
	httpReq.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Audio{}, engine.Classify("synthesize", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Audio{}, engine.FromStatus("synthesize", resp.StatusCode, msg)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, engine.Classify("synthesize", err)
	}
	format, _, _ := strings.Cut(e.outputFormat, "_")
	return Audio{Data: data, Format: format}, nil
}

func baseLanguage(tag string) string {
	base, _, _ := strings.Cut(strings.ToLower(tag), "-")
	return base
}
