package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the threadline service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	// Defaults applied to turns that do not choose their own pacing.
	StreamGranularity     string
	StreamStepDelay       time.Duration
	StreamMaxPayloadBytes int

	BrainAdapterMode string
	BrainHTTPURL     string
	// BrainHTTPStrict rejects upstream stream lines that are not JSON.
	BrainHTTPStrict bool

	DatabaseURL string

	EventsKafkaBrokers []string
	EventsKafkaTopic   string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "threadline"),
		AllowAnyOrigin:   false,
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("APP_LOG_FORMAT", "text"),
		// Word pacing reads naturally in the UI; char is opt-in per turn.
		StreamGranularity:        envOrDefault("STREAM_DEFAULT_GRANULARITY", "word"),
		StreamStepDelay:          30 * time.Millisecond,
		StreamMaxPayloadBytes:    64 << 10,
		BrainAdapterMode:         envOrDefault("BRAIN_ADAPTER_MODE", "auto"),
		BrainHTTPURL:             stringsTrimSpace("BRAIN_HTTP_URL"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		EventsKafkaBrokers:       splitList(stringsTrimSpace("EVENTS_KAFKA_BROKERS")),
		EventsKafkaTopic:         envOrDefault("EVENTS_KAFKA_TOPIC", "threadline.turns"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamStepDelay, err = durationFromEnv("STREAM_DEFAULT_STEP_DELAY", cfg.StreamStepDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamMaxPayloadBytes, err = intFromEnv("STREAM_MAX_PAYLOAD_BYTES", cfg.StreamMaxPayloadBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.BrainHTTPStrict, err = boolFromEnv("BRAIN_HTTP_STRICT", cfg.BrainHTTPStrict)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.StreamStepDelay < 0 {
		return Config{}, fmt.Errorf("STREAM_DEFAULT_STEP_DELAY must be >= 0")
	}
	if cfg.StreamMaxPayloadBytes <= 0 {
		return Config{}, fmt.Errorf("STREAM_MAX_PAYLOAD_BYTES must be positive")
	}
	switch strings.ToLower(cfg.StreamGranularity) {
	case "word", "char":
	default:
		return Config{}, fmt.Errorf("STREAM_DEFAULT_GRANULARITY must be word or char")
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "text", "json", "pretty":
	default:
		return Config{}, fmt.Errorf("APP_LOG_FORMAT must be text, json or pretty")
	}

	return cfg, nil
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

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
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
