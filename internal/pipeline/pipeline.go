// Package pipeline turns one unit of speech or chat text into per-language
// translations and synthesized audio and hands them to the recipients of
// a room.
//
// A unit runs transcription, translation, synthesis and broadcast strictly
// in that order. Translation and synthesis run once per distinct target
// language among the recipients, never once per recipient. Units from
// different sources run concurrently; units from the same source are
// delivered in the order they were framed.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/comet/internal/audio"
	"github.com/loqalabs/comet/internal/engine"
	"github.com/loqalabs/comet/internal/protocol"
	"github.com/loqalabs/comet/internal/stt"
	"github.com/loqalabs/comet/internal/translate"
	"github.com/loqalabs/comet/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Result is the output of one unit for one target language. It is shared
// read-only by every recipient of that language.
type Result struct {
	UnitID         string
	RoomID         string
	ModelID        string
	SourceUserID   string
	SourceUsername string
	SourceText     string
	TranslatedText string
	SourceLanguage string
	TargetLanguage string
	Audio          []byte
	AudioFormat    string
	Kind           string
}

// Recipient is a participant that may receive results.
type Recipient interface {
	UserID() string
	TargetLanguage() string
	// Deliver enqueues r without blocking. It reports false when the
	// recipient is closed.
	Deliver(r Result) bool
	// Done is closed when the recipient leaves.
	Done() <-chan struct{}
}

// Audience yields the recipients of a unit. Run asks once, before any
// stage runs.
type Audience interface {
	Recipients(excludeUserID string) []Recipient
}

// Snapshot is a fixed audience taken when a unit is dispatched.
type Snapshot []Recipient

func (s Snapshot) Recipients(excludeUserID string) []Recipient {
	out := make([]Recipient, 0, len(s))
	for _, r := range s {
		if r.UserID() != excludeUserID {
			out = append(out, r)
		}
	}
	return out
}

// Unit is one piece of work. Audio is set for speech, Text for chat.
type Unit struct {
	ID             string
	RoomID         string
	ModelID        string
	UserID         string
	Username       string
	SourceLanguage string
	Audio          *audio.Unit
	Text           string
	Ticket         *Ticket
}

type Engines struct {
	Recognizer  stt.Recognizer
	Translator  translate.Translator
	Synthesizer tts.Synthesizer
}

type Options struct {
	Policy                 engine.Policy
	SilenceThreshold       float64
	MaxConcurrentSTT       int
	MaxConcurrentTranslate int
	MaxConcurrentTTS       int
	// DefaultVoice is used when a unit carries no model id.
	DefaultVoice string
}

type Pipeline struct {
	engines Engines
	opts    Options
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *metrics

	sttSem *semaphore.Weighted
	trSem  *semaphore.Weighted
	ttsSem *semaphore.Weighted
}

func New(engines Engines, opts Options, logger *slog.Logger) *Pipeline {
	log := logger.With(slog.String("component", "pipeline"))
	return &Pipeline{
		engines: engines,
		opts:    opts,
		log:     log,
		tracer:  otel.Tracer(instrumentationName),
		metrics: newMetrics(log),
		sttSem:  newSemaphore(opts.MaxConcurrentSTT),
		trSem:   newSemaphore(opts.MaxConcurrentTranslate),
		ttsSem:  newSemaphore(opts.MaxConcurrentTTS),
	}
}

func newSemaphore(n int) *semaphore.Weighted {
	if n <= 0 {
		n = 1 << 20
	}
	return semaphore.NewWeighted(int64(n))
}

type languageGroup struct {
	language   string
	recipients []Recipient
	result     Result
	skipped    bool
}

// Run processes unit and delivers its results to the audience. A nil
// error covers delivery as well as silent drops (silence, empty
// transcript, nobody listening). Any other stage failure drops the whole
// unit and is returned for reporting to the source only.
func (p *Pipeline) Run(ctx context.Context, unit Unit, audience Audience) error {
	defer unit.Ticket.Finish(ctx)

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("room_id", unit.RoomID),
		attribute.String("unit_id", unit.ID),
	))
	defer span.End()

	recipients := audience.Recipients(unit.UserID)
	text, sourceLang, err := p.source(ctx, unit)
	if err != nil {
		return p.drop(ctx, span, unit, err)
	}
	if text == "" {
		p.metrics.unit(ctx, outcomeSilent)
		return nil
	}

	groups := groupRecipients(recipients, sourceLang)
	if len(groups) == 0 {
		p.metrics.unit(ctx, outcomeNoAudience)
		return nil
	}
	span.SetAttributes(attribute.Int("languages", len(groups)))

	if err := p.render(ctx, unit, text, sourceLang, groups); err != nil {
		return p.drop(ctx, span, unit, err)
	}
	if err := unit.Ticket.Wait(ctx); err != nil {
		return p.drop(ctx, span, unit, err)
	}
	delivered := p.broadcast(ctx, groups)
	p.metrics.unit(ctx, outcomeDelivered)
	p.log.Debug("unit delivered",
		slog.String("unit_id", unit.ID),
		slog.String("room_id", unit.RoomID),
		slog.String("user_id", unit.UserID),
		slog.Int("languages", len(groups)),
		slog.Int("recipients", delivered))
	return nil
}

func (p *Pipeline) drop(ctx context.Context, span trace.Span, unit Unit, err error) error {
	if errors.Is(err, context.Canceled) {
		p.metrics.unit(ctx, outcomeCancelled)
		return err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.metrics.unit(ctx, outcomeDropped)
	p.log.Warn("unit dropped",
		slog.String("unit_id", unit.ID),
		slog.String("room_id", unit.RoomID),
		slog.String("user_id", unit.UserID),
		slog.String("error", err.Error()))
	return err
}

// source produces the text of a unit, transcribing audio when needed.
func (p *Pipeline) source(ctx context.Context, unit Unit) (string, string, error) {
	sourceLang := unit.SourceLanguage
	if unit.Audio == nil {
		return strings.TrimSpace(unit.Text), sourceLang, nil
	}
	if unit.Audio.Info.Silent(p.opts.SilenceThreshold) {
		return "", sourceLang, nil
	}
	res, err := runStage(ctx, p, "transcribe", p.sttSem, func(ctx context.Context) (stt.TranscriptResult, error) {
		return p.engines.Recognizer.Transcribe(ctx, stt.Request{Audio: unit.Audio.Data, Language: sourceLang})
	})
	if err != nil {
		return "", "", err
	}
	if sourceLang == "" {
		sourceLang, _ = NormalizeLanguage(res.Language)
	}
	return strings.TrimSpace(res.Text), sourceLang, nil
}

func groupRecipients(recipients []Recipient, sourceLang string) []*languageGroup {
	var groups []*languageGroup
	index := make(map[string]*languageGroup)
	for _, r := range recipients {
		lang, err := NormalizeLanguage(r.TargetLanguage())
		if err != nil || lang == "" {
			lang = sourceLang
		}
		g, ok := index[lang]
		if !ok {
			g = &languageGroup{language: lang}
			index[lang] = g
			groups = append(groups, g)
		}
		g.recipients = append(g.recipients, r)
	}
	return groups
}

// render translates and synthesizes once per language group. A group
// whose recipients have all left is cancelled and skipped without failing
// the unit.
func (p *Pipeline) render(ctx context.Context, unit Unit, text, sourceLang string, groups []*languageGroup) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, group := range groups {
		g.Go(func() error {
			lctx, cancel := context.WithCancelCause(gctx)
			defer cancel(nil)
			go watchRecipients(lctx, cancel, group.recipients)

			res, err := p.renderLanguage(lctx, unit, text, sourceLang, group.language)
			if err != nil {
				if errors.Is(context.Cause(lctx), errRecipientsGone) {
					group.skipped = true
					return nil
				}
				return err
			}
			group.result = res
			return nil
		})
	}
	return g.Wait()
}

func watchRecipients(ctx context.Context, cancel context.CancelCauseFunc, recipients []Recipient) {
	for _, r := range recipients {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return
		}
	}
	cancel(errRecipientsGone)
}

func (p *Pipeline) renderLanguage(ctx context.Context, unit Unit, text, sourceLang, targetLang string) (Result, error) {
	translated := text
	if needsTranslation(sourceLang, targetLang) {
		var err error
		translated, err = p.translate(ctx, text, sourceLang, targetLang)
		if err != nil {
			return Result{}, err
		}
	}
	speech, err := p.synthesize(ctx, translated, targetLang, p.voice(unit.ModelID))
	if err != nil {
		return Result{}, err
	}
	kind := protocol.KindAudio
	if unit.Audio == nil {
		kind = protocol.KindText
	}
	return Result{
		UnitID:         unit.ID,
		RoomID:         unit.RoomID,
		ModelID:        unit.ModelID,
		SourceUserID:   unit.UserID,
		SourceUsername: unit.Username,
		SourceText:     text,
		TranslatedText: translated,
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
		Audio:          speech.Data,
		AudioFormat:    speech.Format,
		Kind:           kind,
	}, nil
}

func needsTranslation(source, target string) bool {
	return target != "" && !SameLanguage(source, target)
}

func (p *Pipeline) voice(modelID string) string {
	if modelID != "" {
		return modelID
	}
	return p.opts.DefaultVoice
}

func (p *Pipeline) translate(ctx context.Context, text, source, target string) (string, error) {
	out, err := runStage(ctx, p, "translate", p.trSem, func(ctx context.Context) (string, error) {
		return p.engines.Translator.Translate(ctx, translate.Request{Text: text, SourceLanguage: source, TargetLanguage: target})
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", engine.Permanent("translate", errors.New("empty translation"))
	}
	return out, nil
}

func (p *Pipeline) synthesize(ctx context.Context, text, language, voice string) (tts.Audio, error) {
	return runStage(ctx, p, "synthesize", p.ttsSem, func(ctx context.Context) (tts.Audio, error) {
		return p.engines.Synthesizer.Synthesize(ctx, tts.SynthRequest{Text: text, Language: language, Voice: voice})
	})
}

func (p *Pipeline) broadcast(ctx context.Context, groups []*languageGroup) int {
	_, span := p.tracer.Start(ctx, "pipeline.broadcast")
	defer span.End()
	delivered := 0
	for _, group := range groups {
		if group.skipped {
			continue
		}
		for _, r := range group.recipients {
			select {
			case <-r.Done():
				continue
			default:
			}
			if r.Deliver(group.result) {
				delivered++
			}
		}
	}
	span.SetAttributes(attribute.Int("recipients", delivered))
	return delivered
}

// runStage bounds one engine stage by its semaphore, traces it and applies
// the retry policy.
func runStage[T any](ctx context.Context, p *Pipeline, name string, sem *semaphore.Weighted, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	var zero T
	if err := sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	defer sem.Release(1)

	start := time.Now()
	out, err := engine.Call(ctx, p.opts.Policy, name, func(ctx context.Context) (T, error) {
		p.metrics.engineCall(ctx, name)
		return fn(ctx)
	})
	p.metrics.stage(ctx, name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	return out, nil
}
