package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/loqalabs/comet/internal/audio"
	"github.com/loqalabs/comet/internal/engine"
	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

// NewExecSynth runs command with a JSON request on stdin. The command
// streams newline-delimited {"pcm_base64","final"} chunks of 16-bit PCM
// which are joined into one WAV file.
func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Language:   req.Language,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return Audio{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Audio{}, ctx.Err()
		}
		return Audio{}, engine.Permanent("synthesize", fmt.Errorf("tts command failed: %w: %s", err, stderr.String()))
	}

	var pcm []byte
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return Audio{}, engine.Permanent("synthesize", fmt.Errorf("decode tts chunk: %w", err))
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return Audio{}, engine.Permanent("synthesize", fmt.Errorf("decode tts pcm: %w", err))
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Audio{}, engine.Permanent("synthesize", err)
	}

	wav, err := audio.EncodePCM16(pcm, e.sampleRate, e.channels)
	if err != nil {
		return Audio{}, engine.Permanent("synthesize", err)
	}
	return Audio{Data: wav, Format: audio.FormatWAV}, nil
}
