package pipeline

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// NormalizeLanguage canonicalises a BCP 47 tag such as "EN_us" to "en-US".
// The empty string is returned unchanged.
func NormalizeLanguage(tag string) (string, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "", nil
	}
	parsed, err := language.Parse(strings.ReplaceAll(tag, "_", "-"))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, tag)
	}
	return parsed.String(), nil
}

// SameLanguage reports whether two tags share a base language, in which
// case no translation is needed between them.
func SameLanguage(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ta, errA := language.Parse(a)
	tb, errB := language.Parse(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	ba, _ := ta.Base()
	bb, _ := tb.Base()
	return ba == bb
}
