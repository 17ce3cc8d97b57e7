package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/comet/internal/config"
)

// Request is one transcription call. Audio is a complete WAV file.
type Request struct {
	Audio    []byte
	Language string
}

// TranscriptResult captures recognizer output. An empty Text means the
// audio held no intelligible speech.
type TranscriptResult struct {
	Text       string
	Language   string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (TranscriptResult, error)
}

// New builds the recognizer selected by cfg.Mode.
func New(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(cfg.MockText), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "openai":
		return NewOpenAIRecognizer(cfg), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
