package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config contains all runtime settings for the call answering bridge.
type Config struct {
	BindAddr         string        `envconfig:"APP_BIND_ADDR" default:":8080"`
	PublicBaseURL    string        `envconfig:"APP_PUBLIC_BASE_URL" default:""`
	ShutdownTimeout  time.Duration `envconfig:"APP_SHUTDOWN_TIMEOUT" default:"15s"`
	MetricsNamespace string        `envconfig:"APP_METRICS_NAMESPACE" default:"voiceplate"`
	LogLevel         string        `envconfig:"APP_LOG_LEVEL" default:"info"`
	LogPretty        bool          `envconfig:"APP_LOG_PRETTY" default:"false"`

	OpenAIAPIKey      string        `envconfig:"OPENAI_API_KEY"`
	RealtimeBaseURL   string        `envconfig:"OPENAI_REALTIME_BASE_URL" default:"wss://api.openai.com/v1/realtime"`
	RealtimeModel     string        `envconfig:"OPENAI_REALTIME_MODEL" default:"gpt-4o-realtime-preview-2024-10-01"`
	RealtimeVoice     string        `envconfig:"REALTIME_VOICE" default:"alloy"`
	InputAudioFormat  string        `envconfig:"REALTIME_INPUT_AUDIO_FORMAT" default:"g711_ulaw"`
	OutputAudioFormat string        `envconfig:"REALTIME_OUTPUT_AUDIO_FORMAT" default:"g711_ulaw"`
	TurnDetection     string        `envconfig:"REALTIME_TURN_DETECTION" default:"server_vad"`
	Temperature       float64       `envconfig:"REALTIME_TEMPERATURE" default:"0.7"`
	MaxResponseTokens int           `envconfig:"REALTIME_MAX_TOKENS" default:"150"`
	ConnectTimeout    time.Duration `envconfig:"REALTIME_CONNECT_TIMEOUT" default:"30s"`

	StreamStartTimeout time.Duration `envconfig:"BRIDGE_STREAM_START_TIMEOUT" default:"10s"`
	ReceiveTimeout     time.Duration `envconfig:"BRIDGE_RECEIVE_TIMEOUT" default:"1s"`
	ErrorThreshold     int           `envconfig:"BRIDGE_ERROR_THRESHOLD" default:"5"`
	ConfigureAttempts  int           `envconfig:"BRIDGE_CONFIGURE_ATTEMPTS" default:"3"`
	ConfigureBackoff   time.Duration `envconfig:"BRIDGE_CONFIGURE_BACKOFF" default:"1s"`

	MenuAPIURL      string        `envconfig:"MENU_API_URL"`
	BusinessAPIURL  string        `envconfig:"BUSINESS_API_URL"`
	PromoAPIURL     string        `envconfig:"PROMO_API_URL"`
	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"10s"`

	DatabaseURL string `envconfig:"DATABASE_URL"`

	AllowAnyOrigin bool `envconfig:"APP_ALLOW_ANY_ORIGIN" default:"false"`
}

// Load reads environment variables and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	cfg.OpenAIAPIKey = strings.TrimSpace(cfg.OpenAIAPIKey)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.StreamStartTimeout < time.Second {
		return fmt.Errorf("BRIDGE_STREAM_START_TIMEOUT must be at least 1s")
	}
	if c.ReceiveTimeout <= 0 {
		return fmt.Errorf("BRIDGE_RECEIVE_TIMEOUT must be positive")
	}
	if c.ErrorThreshold <= 0 {
		return fmt.Errorf("BRIDGE_ERROR_THRESHOLD must be positive")
	}
	if c.ConfigureAttempts <= 0 {
		return fmt.Errorf("BRIDGE_CONFIGURE_ATTEMPTS must be positive")
	}
	if c.ConfigureBackoff < 0 {
		return fmt.Errorf("BRIDGE_CONFIGURE_BACKOFF must not be negative")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("REALTIME_TEMPERATURE must be between 0 and 2")
	}
	if c.MaxResponseTokens <= 0 {
		return fmt.Errorf("REALTIME_MAX_TOKENS must be positive")
	}
	switch c.InputAudioFormat {
	case "g711_ulaw", "g711_alaw", "pcm16":
	default:
		return fmt.Errorf("REALTIME_INPUT_AUDIO_FORMAT %q is not supported", c.InputAudioFormat)
	}
	switch c.OutputAudioFormat {
	case "g711_ulaw", "g711_alaw", "pcm16":
	default:
		return fmt.Errorf("REALTIME_OUTPUT_AUDIO_FORMAT %q is not supported", c.OutputAudioFormat)
	}
	return nil
}

// StreamWebsocketURL derives the media stream websocket URL handed to the
// telephony provider in the voice webhook response.
func (c Config) StreamWebsocketURL() string {
	base := c.PublicBaseURL
	if base == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws/media"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws/media"
	default:
		return "wss://" + base + "/ws/media"
	}
}
