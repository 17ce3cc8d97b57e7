package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/comet/internal/audio"
	"github.com/loqalabs/comet/internal/config"
	"github.com/loqalabs/comet/internal/engine"
)

func TestMockSynthProducesWAV(t *testing.T) {
	out, err := NewMockSynth(16000, 1).Synthesize(context.Background(), SynthRequest{Text: "hola", Language: "es"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if out.Format != audio.FormatWAV {
		t.Fatalf("expected wav output, got %q", out.Format)
	}
	info, err := audio.DecodeWAV(out.Data)
	if err != nil {
		t.Fatalf("mock output should decode: %v", err)
	}
	if info.Empty() {
		t.Fatal("mock output should carry samples")
	}
	again, _ := NewMockSynth(16000, 1).Synthesize(context.Background(), SynthRequest{Text: "hola"})
	if !bytes.Equal(out.Data, again.Data) {
		t.Fatal("mock output should be deterministic")
	}
}

func TestElevenLabsSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice-123" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("output_format") != "mp3_44100_128" {
			t.Errorf("unexpected output format %q", r.URL.RawQuery)
		}
		if r.Header.Get("xi-api-key") != "secret" {
			t.Errorf("missing api key header")
		}
		var body elevenLabsRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Text != "hola" || body.ModelID != defaultElevenLabsModel || body.LanguageCode != "es" {
			t.Errorf("unexpected body %+v", body)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-fake-mp3"))
	}))
	defer srv.Close()

	synth := NewElevenLabs(config.TTSConfig{Endpoint: srv.URL, APIKey: "secret", Voice: "default"}, srv.Client())
	out, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hola", Language: "es-MX", Voice: "voice-123"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(out.Data) != "ID3-fake-mp3" || out.Format != "mp3" {
		t.Fatalf("unexpected audio %q (%s)", out.Data, out.Format)
	}
}

func TestElevenLabsFallsBackToConfiguredVoice(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte("audio"))
	}))
	defer srv.Close()

	synth := NewElevenLabs(config.TTSConfig{Endpoint: srv.URL, APIKey: "k", Voice: "narrator"}, srv.Client())
	if _, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hi"}); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if path != "/v1/text-to-speech/narrator" {
		t.Fatalf("expected configured voice, got %s", path)
	}
}

func TestElevenLabsErrorClassification(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"nope"}`, status)
	}))
	defer srv.Close()

	synth := NewElevenLabs(config.TTSConfig{Endpoint: srv.URL, APIKey: "k"}, srv.Client())
	if _, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hi", Voice: "v"}); !engine.IsRetryable(err) {
		t.Fatalf("500 should be retryable, got %v", err)
	}
	status = http.StatusUnauthorized
	if _, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hi", Voice: "v"}); err == nil || engine.IsRetryable(err) {
		t.Fatalf("401 should be permanent, got %v", err)
	}
}

func TestElevenLabsLanguageRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":{"status":"unsupported_language","message":"language tlh is not supported"}}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	synth := NewElevenLabs(config.TTSConfig{Endpoint: srv.URL, APIKey: "k"}, srv.Client())
	_, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hi", Voice: "v", Language: "tlh"})
	if engine.CodeOf(err) != engine.CodeUnsupportedLanguage || engine.IsRetryable(err) {
		t.Fatalf("expected permanent unsupported_language, got %v", err)
	}
}

func TestNewUnknownMode(t *testing.T) {
	if _, err := New(config.TTSConfig{Mode: "theremin"}, 16000, 1); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
