package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/comet/internal/audio"
	"github.com/loqalabs/comet/internal/engine"
)

// Request is a single-shot translation of one uploaded WAV file.
type Request struct {
	Audio          []byte
	ModelID        string
	SourceLanguage string
	TargetLanguage string
}

type Response struct {
	SourceText     string
	TranslatedText string
	SourceLanguage string
	TargetLanguage string
	Audio          []byte
	AudioFormat    string
}

// Translate runs transcription, translation and synthesis once for a
// single target language. Silent or empty audio yields ErrUnintelligible,
// malformed audio an *audio.FramingError.
func (p *Pipeline) Translate(ctx context.Context, req Request) (Response, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.translate_once")
	defer span.End()

	target, err := NormalizeLanguage(req.TargetLanguage)
	if err != nil {
		return Response{}, err
	}
	if target == "" {
		return Response{}, fmt.Errorf("%w: target_language is required", ErrUnsupportedLanguage)
	}
	source, err := NormalizeLanguage(req.SourceLanguage)
	if err != nil {
		return Response{}, err
	}

	info, err := audio.DecodeWAV(req.Audio)
	if err != nil {
		return Response{}, err
	}
	unit := Unit{
		ModelID:        req.ModelID,
		SourceLanguage: source,
		Audio:          &audio.Unit{Data: req.Audio, Format: audio.FormatWAV, Info: info},
	}
	text, source, err := p.source(ctx, unit)
	if err != nil {
		return Response{}, unsupportedOr(err)
	}
	if text == "" {
		return Response{}, ErrUnintelligible
	}

	res, err := p.renderLanguage(ctx, unit, text, source, target)
	if err != nil {
		return Response{}, unsupportedOr(err)
	}
	return Response{
		SourceText:     res.SourceText,
		TranslatedText: res.TranslatedText,
		SourceLanguage: res.SourceLanguage,
		TargetLanguage: res.TargetLanguage,
		Audio:          res.Audio,
		AudioFormat:    res.AudioFormat,
	}, nil
}

// unsupportedOr maps an engine's unsupported-language failure onto
// ErrUnsupportedLanguage and leaves other errors untouched.
func unsupportedOr(err error) error {
	var e *engine.Error
	if errors.As(err, &e) && e.Code == engine.CodeUnsupportedLanguage {
		return fmt.Errorf("%w: %v", ErrUnsupportedLanguage, e.Cause)
	}
	return err
}
