package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/comet/internal/audio"
	"github.com/loqalabs/comet/internal/config"
	"github.com/loqalabs/comet/internal/engine"
	"github.com/loqalabs/comet/internal/pipeline"
	"github.com/loqalabs/comet/internal/room"
	"github.com/loqalabs/comet/internal/stt"
	"github.com/loqalabs/comet/internal/translate"
	"github.com/loqalabs/comet/internal/tts"
	"golang.org/x/time/rate"
)

func buildPipeline(cfg config.Config, logger *slog.Logger) (*pipeline.Pipeline, error) {
	recognizer, err := stt.New(cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("stt: %w", err)
	}
	translator, err := translate.New(cfg.Translate, cfg.Pipeline.TranslationCacheSize)
	if err != nil {
		return nil, fmt.Errorf("translate: %w", err)
	}
	synthesizer, err := tts.New(cfg.TTS, cfg.Framing.SampleRate, cfg.Framing.Channels)
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}
	logger.Info("engines configured",
		slog.String("stt", cfg.STT.Mode),
		slog.String("translate", cfg.Translate.Mode),
		slog.String("tts", cfg.TTS.Mode))

	return pipeline.New(pipeline.Engines{
		Recognizer:  recognizer,
		Translator:  translator,
		Synthesizer: synthesizer,
	}, pipelineOptions(cfg), logger), nil
}

func pipelineOptions(cfg config.Config) pipeline.Options {
	return pipeline.Options{
		Policy: engine.Policy{
			Timeout:        cfg.Pipeline.StageTimeout(),
			MaxRetries:     cfg.Pipeline.MaxRetries,
			InitialBackoff: time.Duration(cfg.Pipeline.RetryInitialMS) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.Pipeline.RetryMaxMS) * time.Millisecond,
		},
		SilenceThreshold:       cfg.Framing.SilenceThreshold,
		MaxConcurrentSTT:       cfg.STT.MaxConcurrent,
		MaxConcurrentTranslate: cfg.Translate.MaxConcurrent,
		MaxConcurrentTTS:       cfg.TTS.MaxConcurrent,
		DefaultVoice:           cfg.TTS.Voice,
	}
}

func roomConfig(cfg config.Config) room.Config {
	return room.Config{
		GracePeriod:     cfg.Rooms.GracePeriod(),
		MaxParticipants: cfg.Rooms.MaxParticipants,
		Session: room.SessionConfig{
			QueueSize:       cfg.Rooms.OutboundQueueSize,
			OverflowPolicy:  cfg.Rooms.OverflowPolicy,
			WriteTimeout:    cfg.Rooms.WriteTimeout(),
			PingInterval:    cfg.Rooms.PingInterval(),
			PongTimeout:     cfg.Rooms.PongTimeout(),
			MaxMessageBytes: cfg.Rooms.MaxMessageBytes,
			MaxInflight:     cfg.Pipeline.MaxInflightPerSession,
			Framing: audio.FramingConfig{
				Format:     cfg.Framing.Format,
				SampleRate: cfg.Framing.SampleRate,
				Channels:   cfg.Framing.Channels,
				Window:     cfg.Framing.Window(),
				MaxBytes:   cfg.Framing.MaxUnitBytes,
			},
			ChatRate:  rate.Limit(cfg.Chat.MessagesPerSecond),
			ChatBurst: cfg.Chat.Burst,
		},
	}
}
