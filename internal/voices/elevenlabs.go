package voices

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/loqalabs/comet/internal/config"
)

// ElevenLabsStore clones voices through POST /v1/voices/add.
type ElevenLabsStore struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewElevenLabsStore(cfg config.VoicesConfig, client *http.Client) *ElevenLabsStore {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.elevenlabs.io"
	}
	return &ElevenLabsStore{endpoint: strings.TrimRight(endpoint, "/"), apiKey: cfg.APIKey, client: client}
}

type addVoiceResponse struct {
	VoiceID string `json:"voice_id"`
}

func (s *ElevenLabsStore) Add(ctx context.Context, name string, sample Sample) (Voice, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("name", name); err != nil {
		return Voice{}, err
	}
	filename := sample.Filename
	if filename == "" {
		filename = "sample.wav"
	}
	part, err := mw.CreateFormFile("files", filename)
	if err != nil {
		return Voice{}, err
	}
	if _, err := part.Write(sample.Data); err != nil {
		return Voice{}, err
	}
	if err := mw.Close(); err != nil {
		return Voice{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/v1/voices/add", &body)
	if err != nil {
		return Voice{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return Voice{}, fmt.Errorf("add voice: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return Voice{}, &StoreError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	var out addVoiceResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Voice{}, fmt.Errorf("decode add voice response: %w", err)
	}
	if out.VoiceID == "" {
		return Voice{}, &StoreError{Status: http.StatusBadGateway, Message: "voice store returned no voice_id"}
	}
	return Voice{ID: out.VoiceID, Name: name}, nil
}
