package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavPCMFormat = 1

// Info describes a decoded WAV payload.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Samples    int
	Duration   time.Duration
	// Level is the RMS amplitude normalised to [0, 1].
	Level float64
}

// Empty reports whether the payload carries no samples.
func (i Info) Empty() bool { return i.Samples == 0 }

// Silent reports whether the payload is empty or quieter than threshold.
func (i Info) Silent(threshold float64) bool {
	return i.Empty() || i.Level < threshold
}

// EncodePCM16 wraps little-endian 16-bit PCM into a WAV file.
func EncodePCM16(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, framingError("pcm16 payload not aligned", nil)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(pcm)/2),
	}
	for i := range buffer.Data {
		buffer.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	out := &writeSeeker{}
	enc := wav.NewEncoder(out, sampleRate, 16, channels, wavPCMFormat)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.Bytes(), nil
}

// DecodeWAV validates a complete WAV file and measures its content.
// Malformed input is reported as a *FramingError.
func DecodeWAV(data []byte) (Info, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return Info{}, framingError("not a RIFF/WAVE payload", nil)
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return Info{}, framingError("unreadable wav header", err)
	}
	if dec.WavAudioFormat != wavPCMFormat {
		return Info{}, framingError(fmt.Sprintf("unsupported wav encoding %d", dec.WavAudioFormat), nil)
	}
	if dec.NumChans < 1 || dec.BitDepth < 8 || dec.SampleRate == 0 {
		return Info{}, framingError("invalid wav format chunk", nil)
	}

	info := Info{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil && !errors.Is(err, io.EOF) {
		return Info{}, framingError("unreadable wav samples", err)
	}
	if buf == nil {
		return info, nil
	}
	info.Samples = len(buf.Data)
	frames := info.Samples / info.Channels
	info.Duration = time.Duration(frames) * time.Second / time.Duration(info.SampleRate)
	info.Level = rms(buf.Data, info.BitDepth)
	return info, nil
}

// rms is the normalized signal level. 8-bit PCM is unsigned around 128.
func rms(samples []int, bitDepth int) float64 {
	if len(samples) == 0 {
		return 0
	}
	full := float64(int64(1) << (bitDepth - 1))
	offset := 0
	if bitDepth == 8 {
		offset = 128
	}
	var sum float64
	for _, s := range samples {
		v := float64(s-offset) / full
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// writeSeeker is an in-memory io.WriteSeeker for the WAV encoder, which
// patches chunk sizes after the samples are written.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(w.pos) + offset
	case io.SeekEnd:
		next = int64(len(w.buf)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, errors.New("negative seek position")
	}
	w.pos = int(next)
	return next, nil
}

func (w *writeSeeker) Bytes() []byte { return w.buf }
