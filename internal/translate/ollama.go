package translate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/loqalabs/comet/internal/engine"
)

type ollamaTranslator struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaTranslator prompts an Ollama model through /api/generate.
func NewOllamaTranslator(endpoint, model string) Translator {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaTranslator{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   &http.Client{},
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaStreamResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (o *ollamaTranslator) Translate(ctx context.Context, req Request) (string, error) {
	payload := ollamaRequest{
		Model:  o.model,
		Prompt: prompt(req),
		System: systemPrompt,
		Stream: true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", engine.Permanent("translate", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", engine.Classify("translate", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", engine.FromStatus("translate", resp.StatusCode, msg)
	}

	scanner := bufio.NewScanner(resp.Body)
	var out strings.Builder
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", engine.Permanent("translate", err)
		}
		if chunk.Error != "" {
			return "", engine.Retryable("translate", errors.New(chunk.Error))
		}
		out.WriteString(chunk.Response)
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", engine.Classify("translate", err)
	}
	return strings.TrimSpace(out.String()), nil
}
