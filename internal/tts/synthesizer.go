package tts

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/comet/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text     string
	Language string
	Voice    string
}

// Audio is encoded speech ready for delivery.
type Audio struct {
	Data   []byte
	Format string
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (Audio, error)
}

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig, sampleRate, channels int) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(sampleRate, channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, sampleRate, channels)
	case "elevenlabs":
		return NewElevenLabs(cfg, nil), nil
	case "openai":
		return NewOpenAISynth(cfg), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

func voiceOrDefault(voice, fallback string) string {
	if v := strings.TrimSpace(voice); v != "" {
		return v
	}
	return fallback
}
