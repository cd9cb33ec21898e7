package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"chat-relay/internal/integrations/openai"
)

const (
	defaultModel         = "gpt-4o-mini"
	defaultListenAddr    = ":8000"
	defaultHeaderTimeout = 30
	defaultRecordTTLDays = 30
)

// Config is everything the process reads from its environment. Nothing else
// in the module looks at environment variables.
type Config struct {
	APIKey      string
	APIKeyParam string
	Model       string
	BaseURL     string
	APIMode     openai.APIMode

	UpstreamHeaderTimeout time.Duration
	ListenAddr            string

	RelayLogTable string
	RelayLogTTL   time.Duration

	LogLevel     slog.Level
	LogFile      string
	TelemetryDir string
}

// SecretSource resolves a named secret, e.g. an SSM parameter.
type SecretSource interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	mode, err := openai.ParseAPIMode(env("OPENAI_API_MODE"))
	if err != nil {
		return Config{}, fmt.Errorf("config: OPENAI_API_MODE: %w", err)
	}
	level, err := parseLevel(env("LOG_LEVEL"))
	if err != nil {
		return Config{}, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	headerTimeout, err := envInt(env, "UPSTREAM_HEADER_TIMEOUT_SECONDS", defaultHeaderTimeout)
	if err != nil {
		return Config{}, err
	}
	ttlDays, err := envInt(env, "RELAY_LOG_TTL_DAYS", defaultRecordTTLDays)
	if err != nil {
		return Config{}, err
	}

	return Config{
		APIKey:                env("OPENAI_API_KEY"),
		APIKeyParam:           env("OPENAI_API_KEY_PARAM"),
		Model:                 envOr(env, "OPENAI_MODEL", defaultModel),
		BaseURL:               env("OPENAI_BASE_URL"),
		APIMode:               mode,
		UpstreamHeaderTimeout: time.Duration(headerTimeout) * time.Second,
		ListenAddr:            envOr(env, "LISTEN_ADDR", defaultListenAddr),
		RelayLogTable:         env("RELAY_LOG_TABLE"),
		RelayLogTTL:           time.Duration(ttlDays) * 24 * time.Hour,
		LogLevel:              level,
		LogFile:               env("LOG_FILE"),
		TelemetryDir:          env("TELEMETRY_DIR"),
	}, nil
}

// NeedsAWS reports whether any configured feature talks to AWS.
func (c Config) NeedsAWS() bool {
	return (c.APIKey == "" && c.APIKeyParam != "") || c.RelayLogTable != ""
}

// ResolveAPIKey returns the provider credential: OPENAI_API_KEY when set,
// otherwise the secret named by OPENAI_API_KEY_PARAM.
func (c Config) ResolveAPIKey(ctx context.Context, secrets SecretSource) (string, error) {
	if c.APIKey != "" {
		return c.APIKey, nil
	}
	if c.APIKeyParam == "" {
		return "", errors.New("config: OPENAI_API_KEY or OPENAI_API_KEY_PARAM must be set")
	}
	if secrets == nil {
		return "", errors.New("config: no secret source for OPENAI_API_KEY_PARAM")
	}
	key, err := secrets.GetSecret(ctx, c.APIKeyParam)
	if err != nil {
		return "", fmt.Errorf("config: resolve api key: %w", err)
	}
	return key, nil
}

func envOr(env func(string) string, key, def string) string {
	if v := env(key); v != "" {
		return v
	}
	return def
}

func envInt(env func(string) string, key string, def int) (int, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return level, nil
}
