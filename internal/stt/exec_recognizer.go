package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/comet/internal/config"
	"github.com/loqalabs/comet/internal/engine"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
	mu  sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// NewExecRecognizer runs cfg.Command once per unit with the audio written
// to a temporary WAV file and reads a JSON transcript from stdout.
func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "comet_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, engine.Retryable("transcribe", fmt.Errorf("temp file: %w", err))
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if _, err := file.Write(req.Audio); err != nil {
		return TranscriptResult{}, engine.Retryable("transcribe", fmt.Errorf("write audio: %w", err))
	}
	if err := file.Sync(); err != nil {
		return TranscriptResult{}, engine.Retryable("transcribe", fmt.Errorf("sync audio: %w", err))
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	language := req.Language
	if language == "" {
		language = r.cfg.Language
	}
	if language != "" {
		cmdArgs = append(cmdArgs, "--language", language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return TranscriptResult{}, ctx.Err()
		}
		return TranscriptResult{}, engine.Permanent("transcribe", fmt.Errorf("stt command failed: %w: %s", err, stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, engine.Permanent("transcribe", fmt.Errorf("decode stt response: %w", err))
	}
	if resp.Language == "" {
		resp.Language = language
	}
	return TranscriptResult{Text: resp.Text, Language: resp.Language, Confidence: resp.Confidence}, nil
}
