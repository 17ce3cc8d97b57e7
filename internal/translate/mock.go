package translate

import (
	"context"
	"strings"
)

var phrasebook = map[string]map[string]string{
	"hello":     {"es": "hola", "fr": "bonjour", "de": "hallo", "it": "ciao", "pt": "olá", "ja": "こんにちは"},
	"goodbye":   {"es": "adiós", "fr": "au revoir", "de": "auf wiedersehen", "it": "arrivederci", "pt": "adeus"},
	"thank you": {"es": "gracias", "fr": "merci", "de": "danke", "it": "grazie", "pt": "obrigado"},
}

type mockTranslator struct{}

// NewMockTranslator returns a phrasebook translator. Unknown phrases are
// tagged with the target language instead of translated.
func NewMockTranslator() Translator { return mockTranslator{} }

func (mockTranslator) Translate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := strings.ToLower(strings.TrimSpace(req.Text))
	base, _, _ := strings.Cut(strings.ToLower(req.TargetLanguage), "-")
	if entry, ok := phrasebook[key]; ok {
		if out, ok := entry[base]; ok {
			return out, nil
		}
	}
	return "[" + req.TargetLanguage + "] " + req.Text, nil
}
