package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the realtime voice relay.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool
	AllowedOrigins []string

	LogLevel  string
	LogFormat string

	RealtimeBaseURL      string
	RealtimeAPIKey       string
	RealtimeModel        string
	RealtimeVoice        string
	RealtimeInstructions string
	RealtimeRegion       string
	RealtimeAPIVersion   string
	RealtimeWSURL        string

	VADThreshold     float64
	VADPrefixPadding time.Duration
	VADSilence       time.Duration

	AwaitSessionReady bool
	IssueTimeout      time.Duration
	DialTimeout       time.Duration
	RelayWriteTimeout time.Duration
	RelayMaxMessage   int

	PersonaCatalogPath string

	AccessTokenTTL        time.Duration
	AccessTokenSigningKey string

	DatabaseURL       string
	HistorySQLitePath string
	SessionRetention  time.Duration
}

// AudioFormat is the only codec exchanged with the upstream in both directions.
const AudioFormat = "pcm16"

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voicerelay"),
		AllowAnyOrigin:   false,
		AllowedOrigins:   listFromEnv("APP_ALLOWED_ORIGINS", []string{"http://localhost:4200", "https://localhost:4200"}),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "text")),

		RealtimeBaseURL:      stringsTrimSpace("REALTIME_BASE_URL"),
		RealtimeAPIKey:       stringsTrimSpace("REALTIME_API_KEY"),
		RealtimeModel:        envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:        envOrDefault("REALTIME_VOICE", "alloy"),
		RealtimeInstructions: envOrDefault("REALTIME_INSTRUCTIONS", "You are a helpful AI assistant. Speak naturally and conversationally."),
		// WebRTC signaling endpoints are regional; used when the session response carries no URL.
		RealtimeRegion:     envOrDefault("REALTIME_REGION", "swedencentral"),
		RealtimeAPIVersion: envOrDefault("REALTIME_API_VERSION", "2025-04-01-preview"),
		RealtimeWSURL:      stringsTrimSpace("REALTIME_WS_URL"),

		VADThreshold:     0.5,
		VADPrefixPadding: 300 * time.Millisecond,
		VADSilence:       500 * time.Millisecond,

		AwaitSessionReady: false,
		IssueTimeout:      15 * time.Second,
		DialTimeout:       10 * time.Second,
		RelayWriteTimeout: 10 * time.Second,
		RelayMaxMessage:   1 << 20,

		PersonaCatalogPath: stringsTrimSpace("PERSONA_CATALOG_PATH"),

		AccessTokenTTL:        5 * time.Minute,
		AccessTokenSigningKey: stringsTrimSpace("ACCESS_TOKEN_SIGNING_KEY"),

		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		HistorySQLitePath: stringsTrimSpace("HISTORY_SQLITE_PATH"),
		SessionRetention:  10 * time.Minute,
		ShutdownTimeout:   15 * time.Second,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"REALTIME_VAD_PREFIX_PADDING", &cfg.VADPrefixPadding},
		{"REALTIME_VAD_SILENCE", &cfg.VADSilence},
		{"REALTIME_ISSUE_TIMEOUT", &cfg.IssueTimeout},
		{"REALTIME_DIAL_TIMEOUT", &cfg.DialTimeout},
		{"RELAY_WRITE_TIMEOUT", &cfg.RelayWriteTimeout},
		{"ACCESS_TOKEN_TTL", &cfg.AccessTokenTTL},
		{"SESSION_RETENTION", &cfg.SessionRetention},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}
	cfg.VADThreshold, err = floatFromEnv("REALTIME_VAD_THRESHOLD", cfg.VADThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayMaxMessage, err = intFromEnv("RELAY_MAX_MESSAGE_BYTES", cfg.RelayMaxMessage)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AwaitSessionReady, err = boolFromEnv("REALTIME_AWAIT_SESSION_READY", cfg.AwaitSessionReady)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	for _, d := range []struct {
		key string
		v   time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
		{"REALTIME_ISSUE_TIMEOUT", c.IssueTimeout},
		{"REALTIME_DIAL_TIMEOUT", c.DialTimeout},
		{"RELAY_WRITE_TIMEOUT", c.RelayWriteTimeout},
		{"SESSION_RETENTION", c.SessionRetention},
	} {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive", d.key)
		}
	}
	if c.VADPrefixPadding < 0 || c.VADSilence < 0 {
		return fmt.Errorf("REALTIME_VAD_PREFIX_PADDING and REALTIME_VAD_SILENCE must be >= 0")
	}
	if c.VADThreshold < 0 || c.VADThreshold > 1 {
		return fmt.Errorf("REALTIME_VAD_THRESHOLD must be within [0,1]")
	}
	if c.AccessTokenTTL < 30*time.Second {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be at least 30s")
	}
	if c.RelayMaxMessage <= 0 {
		return fmt.Errorf("RELAY_MAX_MESSAGE_BYTES must be positive")
	}
	switch c.LogFormat {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %q (expected text|json|logfmt)", c.LogFormat)
	}
	return nil
}

// IssuerConfigured reports whether upstream session issuance has what it needs.
func (c Config) IssuerConfigured() bool {
	return strings.TrimSpace(c.RealtimeBaseURL) != "" && strings.TrimSpace(c.RealtimeAPIKey) != ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromEnv(key string, fallback []string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
