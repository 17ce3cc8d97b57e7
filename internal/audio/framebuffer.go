// Package audio frames inbound participant audio into decodable units and
// provides the WAV helpers shared by the pipeline and the engine adapters.
package audio

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	FormatWAV   = "wav"
	FormatPCM16 = "pcm16"
)

// Unit is one decodable chunk of a participant's speech. Data is always
// a complete WAV file.
type Unit struct {
	ID         string
	UserID     string
	Data       []byte
	Format     string
	Info       Info
	CapturedAt time.Time
}

// FramingConfig controls how a FrameBuffer cuts units.
type FramingConfig struct {
	Format     string
	SampleRate int
	Channels   int
	Window     time.Duration
	MaxBytes   int
}

// FrameBuffer accumulates binary chunks from one connection. In wav mode
// every chunk is a complete file and becomes a unit on its own. In pcm16
// mode raw samples accumulate until the window fills, the window expires,
// the client marks the end of an utterance, or MaxBytes is reached.
type FrameBuffer struct {
	cfg    FramingConfig
	userID string
	now    func() time.Time

	mu      sync.Mutex
	pending []byte
	started time.Time
}

func NewFrameBuffer(userID string, cfg FramingConfig) *FrameBuffer {
	if cfg.Format == "" {
		cfg.Format = FormatWAV
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &FrameBuffer{cfg: cfg, userID: userID, now: time.Now}
}

func (b *FrameBuffer) windowBytes() int {
	bytesPerSecond := b.cfg.SampleRate * b.cfg.Channels * 2
	n := int(int64(bytesPerSecond) * b.cfg.Window.Milliseconds() / 1000)
	n -= n % (2 * b.cfg.Channels)
	if n <= 0 {
		n = 2 * b.cfg.Channels
	}
	return n
}

// Write appends chunk and returns a unit when the framing policy is met.
// A nil unit with a nil error means the chunk was buffered.
func (b *FrameBuffer) Write(chunk []byte) (*Unit, error) {
	if len(chunk) == 0 {
		return nil, nil
	}
	if b.cfg.Format == FormatWAV {
		if b.cfg.MaxBytes > 0 && len(chunk) > b.cfg.MaxBytes {
			return nil, framingError("wav payload exceeds max unit size", nil)
		}
		info, err := DecodeWAV(chunk)
		if err != nil {
			return nil, err
		}
		return b.unit(append([]byte(nil), chunk...), info), nil
	}

	if len(chunk)%2 != 0 {
		return nil, framingError("pcm16 chunk has odd length", nil)
	}
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.started = b.now()
	}
	b.pending = append(b.pending, chunk...)
	full := len(b.pending) >= b.windowBytes() ||
		(b.cfg.MaxBytes > 0 && len(b.pending) >= b.cfg.MaxBytes)
	if !full {
		b.mu.Unlock()
		return nil, nil
	}
	pcm := b.takeLocked()
	b.mu.Unlock()
	return b.encode(pcm)
}

// Flush emits whatever is buffered, used for the client's end-of-utterance
// marker. It returns nil when nothing is pending.
func (b *FrameBuffer) Flush() (*Unit, error) {
	b.mu.Lock()
	pcm := b.takeLocked()
	b.mu.Unlock()
	if len(pcm) == 0 {
		return nil, nil
	}
	return b.encode(pcm)
}

// FlushExpired emits the buffered audio once the first pending byte is
// older than the framing window.
func (b *FrameBuffer) FlushExpired(now time.Time) (*Unit, error) {
	b.mu.Lock()
	if len(b.pending) == 0 || now.Sub(b.started) < b.cfg.Window {
		b.mu.Unlock()
		return nil, nil
	}
	pcm := b.takeLocked()
	b.mu.Unlock()
	return b.encode(pcm)
}

// Buffered returns the number of pending bytes.
func (b *FrameBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Reset discards pending audio.
func (b *FrameBuffer) Reset() {
	b.mu.Lock()
	b.takeLocked()
	b.mu.Unlock()
}

func (b *FrameBuffer) takeLocked() []byte {
	pcm := b.pending
	b.pending = nil
	b.started = time.Time{}
	return pcm
}

func (b *FrameBuffer) encode(pcm []byte) (*Unit, error) {
	data, err := EncodePCM16(pcm, b.cfg.SampleRate, b.cfg.Channels)
	if err != nil {
		return nil, err
	}
	samples := len(pcm) / 2
	frames := samples / b.cfg.Channels
	info := Info{
		SampleRate: b.cfg.SampleRate,
		Channels:   b.cfg.Channels,
		BitDepth:   16,
		Samples:    samples,
		Duration:   time.Duration(frames) * time.Second / time.Duration(b.cfg.SampleRate),
		Level:      pcm16Level(pcm),
	}
	return b.unit(data, info), nil
}

func (b *FrameBuffer) unit(data []byte, info Info) *Unit {
	return &Unit{
		ID:         uuid.NewString(),
		UserID:     b.userID,
		Data:       data,
		Format:     FormatWAV,
		Info:       info,
		CapturedAt: b.now(),
	}
}

func pcm16Level(pcm []byte) float64 {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
	}
	return rms(samples, 16)
}
