package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loqalabs/comet/internal/engine"
	"github.com/mattn/go-shellwords"
)

type execTranslator struct {
	cmd []string
}

type execRequest struct {
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language,omitempty"`
	TargetLanguage string `json:"target_language"`
}

type execResponse struct {
	Text string `json:"text"`
}

// NewExecTranslator pipes a JSON request to command on stdin and reads
// {"text": ...} from stdout.
func NewExecTranslator(command string) (Translator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse translate command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("translate command empty")
	}
	return &execTranslator{cmd: args}, nil
}

func (e *execTranslator) Translate(ctx context.Context, req Request) (string, error) {
	input, err := json.Marshal(execRequest{
		Text:           req.Text,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
	})
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", engine.Permanent("translate", fmt.Errorf("translate exec command failed: %w: %s", err, stderr.String()))
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", engine.Permanent("translate", fmt.Errorf("decode translate exec response: %w", err))
	}
	return strings.TrimSpace(resp.Text), nil
}
