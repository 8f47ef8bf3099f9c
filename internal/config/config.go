package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates runtime configuration grouped by concern.
type Config struct {
	ServiceName string
	API         APIConfig
	Poller      PollerConfig
	Stream      StreamConfig
	History     HistoryConfig
	DevBackend  DevBackendConfig
}

type APIConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type PollerConfig struct {
	Interval time.Duration
}

type StreamConfig struct {
	// BaseURL is derived from API.BaseURL unless overridden (http -> ws).
	BaseURL              string
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
}

type HistoryConfig struct {
	Path string
}

type DevBackendConfig struct {
	Addr string
}

// Load reads configuration from environment variables, applying sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ServiceName: getEnv("SERVICE_NAME", "dishcart"),
		API: APIConfig{
			BaseURL: strings.TrimRight(getEnv("DISHCART_API_BASE", "http://localhost:8000"), "/"),
			Token:   getEnv("DISHCART_API_TOKEN", ""),
		},
		History: HistoryConfig{
			Path: getEnv("DISHCART_HISTORY_DB", defaultHistoryPath()),
		},
		DevBackend: DevBackendConfig{
			Addr: getEnv("DEVBACKEND_LISTEN_ADDR", ":8000"),
		},
	}

	timeout, err := parseDuration("DISHCART_HTTP_TIMEOUT", "30s")
	if err != nil {
		return Config{}, err
	}
	cfg.API.Timeout = timeout

	interval, err := parseDuration("DISHCART_POLL_INTERVAL", "3s")
	if err != nil {
		return Config{}, err
	}
	cfg.Poller.Interval = interval

	baseDelay, err := parseDuration("DISHCART_WS_RECONNECT_DELAY", "2s")
	if err != nil {
		return Config{}, err
	}
	cfg.Stream.ReconnectBaseDelay = baseDelay

	attemptsStr := getEnv("DISHCART_WS_MAX_RECONNECTS", "5")
	attempts, err := strconv.Atoi(attemptsStr)
	if err != nil {
		return Config{}, fmt.Errorf("parse DISHCART_WS_MAX_RECONNECTS: %w", err)
	}
	cfg.Stream.MaxReconnectAttempts = attempts

	cfg.Stream.BaseURL = getEnv("DISHCART_WS_BASE", httpToWS(cfg.API.BaseURL))

	return cfg, nil
}

// httpToWS converts an http(s) base URL to its ws(s) counterpart.
func httpToWS(base string) string {
	if strings.HasPrefix(base, "https://") {
		return "wss://" + strings.TrimPrefix(base, "https://")
	}
	if strings.HasPrefix(base, "http://") {
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "dishcart-history.db"
	}
	return home + "/.dishcart/history.db"
}

func parseDuration(key, fallback string) (time.Duration, error) {
	raw := getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
