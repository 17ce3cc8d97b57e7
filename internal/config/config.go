package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type HTTPConfig struct {
	Bind                string   `yaml:"bind"`
	Port                int      `yaml:"port"`
	ReadHeaderTimeoutMS int      `yaml:"read_header_timeout_ms"`
	MaxUploadBytes      int64    `yaml:"max_upload_bytes"`
	AllowedOrigins      []string `yaml:"allowed_origins"`
}

type TelemetryConfig struct {
	LogLevel          string `yaml:"log_level"`
	LogFormat         string `yaml:"log_format"`
	OTLPEndpoint      string `yaml:"otlp_endpoint"`
	OTLPInsecure      bool   `yaml:"otlp_insecure"`
	TraceStdout       bool   `yaml:"trace_stdout"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
	// Stream is the JetStream stream retaining room events. Empty disables it.
	Stream       string `yaml:"stream"`
	StreamMaxAge int    `yaml:"stream_max_age_hours"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRooms      int    `yaml:"max_rooms"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type RoomsConfig struct {
	GracePeriodMS     int    `yaml:"grace_period_ms"`
	MaxParticipants   int    `yaml:"max_participants"`
	OutboundQueueSize int    `yaml:"outbound_queue_size"`
	OverflowPolicy    string `yaml:"overflow_policy"`
	WriteTimeoutMS    int    `yaml:"write_timeout_ms"`
	PingIntervalMS    int    `yaml:"ping_interval_ms"`
	PongTimeoutMS     int    `yaml:"pong_timeout_ms"`
	MaxMessageBytes   int64  `yaml:"max_message_bytes"`
}

type FramingConfig struct {
	Format           string  `yaml:"format"`
	SampleRate       int     `yaml:"sample_rate"`
	Channels         int     `yaml:"channels"`
	WindowMS         int     `yaml:"window_ms"`
	MaxUnitBytes     int     `yaml:"max_unit_bytes"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
}

type ChatConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

type PipelineConfig struct {
	StageTimeoutMS        int `yaml:"stage_timeout_ms"`
	MaxRetries            int `yaml:"max_retries"`
	RetryInitialMS        int `yaml:"retry_initial_ms"`
	RetryMaxMS            int `yaml:"retry_max_ms"`
	TranslationCacheSize  int `yaml:"translation_cache_size"`
	MaxInflightPerSession int `yaml:"max_inflight_per_session"`
}

type STTConfig struct {
	Mode          string `yaml:"mode"` // mock, exec, openai
	Command       string `yaml:"command"`
	ModelPath     string `yaml:"model_path"`
	Model         string `yaml:"model"`
	Language      string `yaml:"language"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	MockText      string `yaml:"mock_text"`
}

type TranslateConfig struct {
	Mode          string `yaml:"mode"` // mock, exec, ollama, openai
	Command       string `yaml:"command"`
	Endpoint      string `yaml:"endpoint"`
	Model         string `yaml:"model"`
	APIKey        string `yaml:"api_key"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

type TTSConfig struct {
	Mode          string `yaml:"mode"` // mock, exec, elevenlabs, openai
	Command       string `yaml:"command"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Voice         string `yaml:"voice"`
	OutputFormat  string `yaml:"output_format"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

type VoicesConfig struct {
	Mode     string `yaml:"mode"` // mock, elevenlabs
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Rooms       RoomsConfig      `yaml:"rooms"`
	Framing     FramingConfig    `yaml:"framing"`
	Chat        ChatConfig       `yaml:"chat"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	STT         STTConfig        `yaml:"stt"`
	Translate   TranslateConfig  `yaml:"translate"`
	TTS         TTSConfig        `yaml:"tts"`
	Voices      VoicesConfig     `yaml:"voices"`
}

func Default() Config {
	return Config{
		ServiceName: "comet",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:                "0.0.0.0",
			Port:                8000,
			ReadHeaderTimeoutMS: 5000,
			MaxUploadBytes:      25 << 20,
			AllowedOrigins:      []string{"*"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			OTLPInsecure:      true,
			PrometheusEnabled: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "comet",
			Stream:         "COMET_ROOM_EVENTS",
			StreamMaxAge:   24,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/comet-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxRooms:      10000,
		},
		Rooms: RoomsConfig{
			GracePeriodMS:     5000,
			MaxParticipants:   0,
			OutboundQueueSize: 32,
			OverflowPolicy:    "drop_oldest",
			WriteTimeoutMS:    10000,
			PingIntervalMS:    20000,
			PongTimeoutMS:     60000,
			MaxMessageBytes:   8 << 20,
		},
		Framing: FramingConfig{
			Format:           "wav",
			SampleRate:       16000,
			Channels:         1,
			WindowMS:         3000,
			MaxUnitBytes:     2 << 20,
			SilenceThreshold: 0.005,
		},
		Chat: ChatConfig{
			MessagesPerSecond: 5,
			Burst:             10,
		},
		Pipeline: PipelineConfig{
			StageTimeoutMS:        15000,
			MaxRetries:            2,
			RetryInitialMS:        200,
			RetryMaxMS:            2000,
			TranslationCacheSize:  1024,
			MaxInflightPerSession: 8,
		},
		STT: STTConfig{
			Mode:          "mock",
			Model:         "whisper-1",
			MaxConcurrent: 8,
			MockText:      "hello",
		},
		Translate: TranslateConfig{
			Mode:          "mock",
			MaxConcurrent: 16,
		},
		TTS: TTSConfig{
			Mode:          "mock",
			Voice:         "default",
			OutputFormat:  "mp3_44100_128",
			MaxConcurrent: 8,
		},
		Voices: VoicesConfig{
			Mode:     "mock",
			Endpoint: "https://api.elevenlabs.io",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "COMET_SERVICE_NAME")
	overrideString(&cfg.Environment, "COMET_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "COMET_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideInt(&cfg.HTTP.Port, "COMET_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "COMET_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "COMET_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "COMET_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "COMET_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "COMET_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "COMET_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Telemetry.PrometheusEnabled, "COMET_TELEMETRY_PROMETHEUS_ENABLED")
	overrideBool(&cfg.Bus.Enabled, "COMET_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "COMET_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "COMET_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "COMET_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "COMET_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "COMET_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "COMET_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "COMET_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "COMET_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "COMET_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Bus.Stream, "COMET_BUS_STREAM")
	overrideString(&cfg.EventStore.Path, "COMET_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "COMET_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "COMET_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRooms, "COMET_EVENT_STORE_MAX_ROOMS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "COMET_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Rooms.GracePeriodMS, "COMET_ROOMS_GRACE_PERIOD_MS")
	overrideInt(&cfg.Rooms.MaxParticipants, "COMET_ROOMS_MAX_PARTICIPANTS")
	overrideInt(&cfg.Rooms.OutboundQueueSize, "COMET_ROOMS_OUTBOUND_QUEUE_SIZE")
	overrideString(&cfg.Rooms.OverflowPolicy, "COMET_ROOMS_OVERFLOW_POLICY")
	overrideString(&cfg.Framing.Format, "COMET_FRAMING_FORMAT")
	overrideInt(&cfg.Framing.SampleRate, "COMET_FRAMING_SAMPLE_RATE")
	overrideInt(&cfg.Framing.WindowMS, "COMET_FRAMING_WINDOW_MS")
	overrideFloat(&cfg.Framing.SilenceThreshold, "COMET_FRAMING_SILENCE_THRESHOLD")
	overrideFloat(&cfg.Chat.MessagesPerSecond, "COMET_CHAT_MESSAGES_PER_SECOND")
	overrideInt(&cfg.Chat.Burst, "COMET_CHAT_BURST")
	overrideInt(&cfg.Pipeline.StageTimeoutMS, "COMET_PIPELINE_STAGE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.MaxRetries, "COMET_PIPELINE_MAX_RETRIES")
	overrideInt(&cfg.Pipeline.TranslationCacheSize, "COMET_PIPELINE_TRANSLATION_CACHE_SIZE")
	overrideString(&cfg.STT.Mode, "COMET_STT_MODE")
	overrideString(&cfg.STT.Command, "COMET_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "COMET_STT_MODEL_PATH")
	overrideString(&cfg.STT.Model, "COMET_STT_MODEL")
	overrideString(&cfg.STT.Endpoint, "COMET_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "COMET_STT_API_KEY")
	overrideString(&cfg.Translate.Mode, "COMET_TRANSLATE_MODE")
	overrideString(&cfg.Translate.Command, "COMET_TRANSLATE_COMMAND")
	overrideString(&cfg.Translate.Endpoint, "COMET_TRANSLATE_ENDPOINT")
	overrideString(&cfg.Translate.Model, "COMET_TRANSLATE_MODEL")
	overrideString(&cfg.Translate.APIKey, "COMET_TRANSLATE_API_KEY")
	overrideString(&cfg.TTS.Mode, "COMET_TTS_MODE")
	overrideString(&cfg.TTS.Command, "COMET_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "COMET_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "COMET_TTS_API_KEY")
	overrideString(&cfg.TTS.Model, "COMET_TTS_MODEL")
	overrideString(&cfg.TTS.Voice, "COMET_TTS_VOICE")
	overrideString(&cfg.Voices.Mode, "COMET_VOICES_MODE")
	overrideString(&cfg.Voices.Endpoint, "COMET_VOICES_ENDPOINT")
	overrideString(&cfg.Voices.APIKey, "COMET_VOICES_API_KEY")
	// ElevenLabs is shared by synthesis and voice enrollment.
	overrideString(&cfg.TTS.APIKey, "ELEVENLABS_API_KEY")
	overrideString(&cfg.Voices.APIKey, "ELEVENLABS_API_KEY")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.max_upload_bytes must be positive")
	}
	switch cfg.Telemetry.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be json or text")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Rooms.GracePeriodMS < 0 {
		return errors.New("rooms.grace_period_ms must be >= 0")
	}
	if cfg.Rooms.MaxParticipants < 0 {
		return errors.New("rooms.max_participants must be >= 0")
	}
	if cfg.Rooms.OutboundQueueSize <= 0 {
		return errors.New("rooms.outbound_queue_size must be >= 1")
	}
	switch cfg.Rooms.OverflowPolicy {
	case "drop_oldest", "disconnect":
	default:
		return errors.New("rooms.overflow_policy must be drop_oldest or disconnect")
	}
	if cfg.Rooms.WriteTimeoutMS <= 0 {
		return errors.New("rooms.write_timeout_ms must be positive")
	}
	if cfg.Rooms.PingIntervalMS <= 0 || cfg.Rooms.PongTimeoutMS <= cfg.Rooms.PingIntervalMS {
		return errors.New("rooms.pong_timeout_ms must be greater than rooms.ping_interval_ms")
	}
	switch cfg.Framing.Format {
	case "wav", "pcm16":
	default:
		return errors.New("framing.format must be wav or pcm16")
	}
	if cfg.Framing.SampleRate <= 0 {
		return errors.New("framing.sample_rate must be positive")
	}
	if cfg.Framing.Channels <= 0 {
		return errors.New("framing.channels must be positive")
	}
	if cfg.Framing.WindowMS <= 0 {
		return errors.New("framing.window_ms must be positive")
	}
	if cfg.Framing.MaxUnitBytes <= 0 {
		return errors.New("framing.max_unit_bytes must be positive")
	}
	if cfg.Framing.SilenceThreshold < 0 || cfg.Framing.SilenceThreshold >= 1 {
		return errors.New("framing.silence_threshold must be in [0, 1)")
	}
	if cfg.Chat.MessagesPerSecond <= 0 || cfg.Chat.Burst <= 0 {
		return errors.New("chat.messages_per_second and chat.burst must be positive")
	}
	if cfg.Pipeline.StageTimeoutMS <= 0 {
		return errors.New("pipeline.stage_timeout_ms must be positive")
	}
	if cfg.Pipeline.MaxRetries < 0 {
		return errors.New("pipeline.max_retries must be >= 0")
	}
	if cfg.Pipeline.TranslationCacheSize < 0 {
		return errors.New("pipeline.translation_cache_size must be >= 0")
	}
	if cfg.Pipeline.MaxInflightPerSession <= 0 {
		return errors.New("pipeline.max_inflight_per_session must be >= 1")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "openai":
		if cfg.STT.APIKey == "" {
			return errors.New("stt.api_key must be set when mode=openai")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|openai")
	}
	switch cfg.Translate.Mode {
	case "mock":
	case "exec":
		if cfg.Translate.Command == "" {
			return errors.New("translate.command must be set when mode=exec")
		}
	case "ollama":
	case "openai":
		if cfg.Translate.APIKey == "" {
			return errors.New("translate.api_key must be set when mode=openai")
		}
	default:
		return errors.New("translate.mode must be one of mock|exec|ollama|openai")
	}
	switch cfg.TTS.Mode {
	case "mock":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	case "elevenlabs", "openai":
		if cfg.TTS.APIKey == "" {
			return fmt.Errorf("tts.api_key must be set when mode=%s", cfg.TTS.Mode)
		}
	default:
		return errors.New("tts.mode must be one of mock|exec|elevenlabs|openai")
	}
	switch cfg.Voices.Mode {
	case "mock":
	case "elevenlabs":
		if cfg.Voices.APIKey == "" {
			return errors.New("voices.api_key must be set when mode=elevenlabs")
		}
	default:
		return errors.New("voices.mode must be one of mock|elevenlabs")
	}
	return nil
}

func (r RoomsConfig) GracePeriod() time.Duration {
	return time.Duration(r.GracePeriodMS) * time.Millisecond
}

func (r RoomsConfig) WriteTimeout() time.Duration {
	return time.Duration(r.WriteTimeoutMS) * time.Millisecond
}

func (r RoomsConfig) PingInterval() time.Duration {
	return time.Duration(r.PingIntervalMS) * time.Millisecond
}

func (r RoomsConfig) PongTimeout() time.Duration {
	return time.Duration(r.PongTimeoutMS) * time.Millisecond
}

func (f FramingConfig) Window() time.Duration {
	return time.Duration(f.WindowMS) * time.Millisecond
}

func (p PipelineConfig) StageTimeout() time.Duration {
	return time.Duration(p.StageTimeoutMS) * time.Millisecond
}
