package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"
)

func tone(samples int, amplitude float64) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data, err := EncodePCM16(tone(16000, 0.5), 16000, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	info, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.SampleRate != 16000 || info.Channels != 1 || info.BitDepth != 16 {
		t.Fatalf("unexpected format: %+v", info)
	}
	if info.Duration != time.Second {
		t.Fatalf("expected 1s of audio, got %s", info.Duration)
	}
	if info.Silent(0.01) {
		t.Fatalf("tone should not be silent, level=%f", info.Level)
	}
}

func TestSilentWAV(t *testing.T) {
	data, err := EncodePCM16(make([]byte, 3200), 16000, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	info, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !info.Silent(0.005) {
		t.Fatalf("zeroed samples should be silent, level=%f", info.Level)
	}
}

// pcm8WAV builds a mono 8-bit PCM WAV file around samples.
func pcm8WAV(samples []byte, sampleRate int) []byte {
	out := make([]byte, 44, 44+len(samples))
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(samples)))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1)
	binary.LittleEndian.PutUint16(out[22:], 1)
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(sampleRate))
	binary.LittleEndian.PutUint16(out[32:], 1)
	binary.LittleEndian.PutUint16(out[34:], 8)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(samples)))
	return append(out, samples...)
}

func TestSilent8BitWAV(t *testing.T) {
	quiet := make([]byte, 8000)
	for i := range quiet {
		quiet[i] = 128
	}
	info, err := DecodeWAV(pcm8WAV(quiet, 8000))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.BitDepth != 8 || info.Duration != time.Second {
		t.Fatalf("unexpected format: %+v", info)
	}
	if !info.Silent(0.005) {
		t.Fatalf("midpoint samples should be silent, level=%f", info.Level)
	}

	loud := make([]byte, 8000)
	for i := range loud {
		loud[i] = 128 + 64
		if i%2 == 1 {
			loud[i] = 128 - 64
		}
	}
	info, err = DecodeWAV(pcm8WAV(loud, 8000))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Silent(0.005) || math.Abs(info.Level-0.5) > 0.01 {
		t.Fatalf("expected level 0.5, got %f", info.Level)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeWAV([]byte("definitely not a wav file"))
	var framing *FramingError
	if !errors.As(err, &framing) {
		t.Fatalf("expected framing error, got %v", err)
	}
}

func TestEncodeRejectsOddLength(t *testing.T) {
	if _, err := EncodePCM16([]byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatal("expected error for misaligned pcm")
	}
}
