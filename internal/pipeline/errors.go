package pipeline

import "errors"

var (
	// ErrUnintelligible is returned by Translate when the upload is silent
	// or transcribes to nothing.
	ErrUnintelligible = errors.New("audio contains no intelligible speech")
	// ErrUnsupportedLanguage is returned for malformed or unsupported
	// language tags.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	errRecipientsGone = errors.New("every recipient of the language group has left")
)
