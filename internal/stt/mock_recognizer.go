package stt

import (
	"context"

	"github.com/loqalabs/comet/internal/audio"
	"github.com/loqalabs/comet/internal/engine"
)

type mockRecognizer struct {
	text string
}

// NewMockRecognizer returns a recognizer that hears text in any audible
// WAV payload and nothing in silence.
func NewMockRecognizer(text string) Recognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	info, err := audio.DecodeWAV(req.Audio)
	if err != nil {
		return TranscriptResult{}, engine.Permanent("transcribe", err)
	}
	if info.Silent(0.001) {
		return TranscriptResult{Language: req.Language}, nil
	}
	return TranscriptResult{Text: m.text, Language: req.Language, Confidence: 1}, nil
}
