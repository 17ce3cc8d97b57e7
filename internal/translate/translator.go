package translate

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/comet/internal/config"
)

// Request asks for Text to be translated into TargetLanguage. Language
// values are BCP 47 tags; SourceLanguage may be empty when unknown.
type Request struct {
	Text           string
	SourceLanguage string
	TargetLanguage string
}

// Translator defines a pluggable machine-translation backend.
type Translator interface {
	Translate(ctx context.Context, req Request) (string, error)
}

// New builds the translator selected by cfg.Mode, wrapped in an LRU cache
// when cacheSize is positive.
func New(cfg config.TranslateConfig, cacheSize int) (Translator, error) {
	var t Translator
	switch cfg.Mode {
	case "", "mock":
		t = NewMockTranslator()
	case "exec":
		var err error
		if t, err = NewExecTranslator(cfg.Command); err != nil {
			return nil, err
		}
	case "ollama":
		t = NewOllamaTranslator(cfg.Endpoint, cfg.Model)
	case "openai":
		t = NewOpenAITranslator(cfg)
	default:
		return nil, fmt.Errorf("unknown translate mode %q", cfg.Mode)
	}
	if cacheSize <= 0 {
		return t, nil
	}
	cached, err := NewCache(t, cacheSize)
	if err != nil {
		return nil, fmt.Errorf("translation cache: %w", err)
	}
	return cached, nil
}

func prompt(req Request) string {
	var b strings.Builder
	b.WriteString("Translate the following text")
	if req.SourceLanguage != "" {
		fmt.Fprintf(&b, " from %s", req.SourceLanguage)
	}
	fmt.Fprintf(&b, " to %s. Reply with the translation only.\n\n%s", req.TargetLanguage, req.Text)
	return b.String()
}

const systemPrompt = "You are a translation engine. Output only the translated text without quotes or commentary."
