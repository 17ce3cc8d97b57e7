package tts

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/loqalabs/comet/internal/audio"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth renders a short tone whose length follows the text, so
// results are deterministic and playable.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	chars := len([]rune(req.Text))
	if chars > 200 {
		chars = 200
	}
	frames := m.sampleRate * (chars + 5) / 100
	pcm := make([]byte, frames*m.channels*2)
	for i := 0; i < frames; i++ {
		v := int16(3000 * math.Sin(2*math.Pi*330*float64(i)/float64(m.sampleRate)))
		for c := 0; c < m.channels; c++ {
			binary.LittleEndian.PutUint16(pcm[(i*m.channels+c)*2:], uint16(v))
		}
	}
	data, err := audio.EncodePCM16(pcm, m.sampleRate, m.channels)
	if err != nil {
		return Audio{}, err
	}
	return Audio{Data: data, Format: audio.FormatWAV}, nil
}
