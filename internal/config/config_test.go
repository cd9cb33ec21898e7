package config

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/integrations/openai"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

type fakeSecrets struct {
	value string
	err   error
	names []string
}

func (f *fakeSecrets) GetSecret(_ context.Context, name string) (string, error) {
	f.names = append(f.names, name)
	return f.value, f.err
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(envMap(nil))
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", cfg.Model)
	require.Equal(t, ":8000", cfg.ListenAddr)
	require.Equal(t, openai.ModeResponses, cfg.APIMode)
	require.Equal(t, 30*time.Second, cfg.UpstreamHeaderTimeout)
	require.Equal(t, 30*24*time.Hour, cfg.RelayLogTTL)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.Empty(t, cfg.RelayLogTable)
	require.False(t, cfg.NeedsAWS())
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := load(envMap(map[string]string{
		"OPENAI_API_KEY":                  " sk-test ",
		"OPENAI_MODEL":                    "gpt-4.1",
		"OPENAI_BASE_URL":                 "http://localhost:9999/v1",
		"OPENAI_API_MODE":                 "chat",
		"UPSTREAM_HEADER_TIMEOUT_SECONDS": "5",
		"LISTEN_ADDR":                     "127.0.0.1:9000",
		"RELAY_LOG_TABLE":                 "relay-log",
		"RELAY_LOG_TTL_DAYS":              "7",
		"LOG_LEVEL":                       "debug",
		"LOG_FILE":                        "/tmp/relay.log",
		"TELEMETRY_DIR":                   "/tmp/otel",
	}))
	require.NoError(t, err)
	require.Equal(t, "sk-test", cfg.APIKey)
	require.Equal(t, "gpt-4.1", cfg.Model)
	require.Equal(t, "http://localhost:9999/v1", cfg.BaseURL)
	require.Equal(t, openai.ModeChat, cfg.APIMode)
	require.Equal(t, 5*time.Second, cfg.UpstreamHeaderTimeout)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	require.Equal(t, 7*24*time.Hour, cfg.RelayLogTTL)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.Equal(t, "/tmp/relay.log", cfg.LogFile)
	require.Equal(t, "/tmp/otel", cfg.TelemetryDir)
	require.True(t, cfg.NeedsAWS())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "unknown mode", env: map[string]string{"OPENAI_API_MODE": "legacy"}, wantErr: "OPENAI_API_MODE"},
		{name: "bad level", env: map[string]string{"LOG_LEVEL": "loud"}, wantErr: "LOG_LEVEL"},
		{name: "non numeric timeout", env: map[string]string{"UPSTREAM_HEADER_TIMEOUT_SECONDS": "soon"}, wantErr: "UPSTREAM_HEADER_TIMEOUT_SECONDS"},
		{name: "zero ttl", env: map[string]string{"RELAY_LOG_TTL_DAYS": "0"}, wantErr: "RELAY_LOG_TTL_DAYS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(envMap(tt.env))
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestResolveAPIKey(t *testing.T) {
	ctx := context.Background()

	t.Run("env wins", func(t *testing.T) {
		secrets := &fakeSecrets{value: "from-ssm"}
		key, err := Config{APIKey: "from-env", APIKeyParam: "/relay/key"}.ResolveAPIKey(ctx, secrets)
		require.NoError(t, err)
		require.Equal(t, "from-env", key)
		require.Empty(t, secrets.names)
	})

	t.Run("parameter", func(t *testing.T) {
		secrets := &fakeSecrets{value: "from-ssm"}
		cfg := Config{APIKeyParam: "/relay/key"}
		require.True(t, cfg.NeedsAWS())
		key, err := cfg.ResolveAPIKey(ctx, secrets)
		require.NoError(t, err)
		require.Equal(t, "from-ssm", key)
		require.Equal(t, []string{"/relay/key"}, secrets.names)
	})

	t.Run("nothing configured", func(t *testing.T) {
		_, err := Config{}.ResolveAPIKey(ctx, &fakeSecrets{})
		require.ErrorContains(t, err, "OPENAI_API_KEY")
	})

	t.Run("no secret source", func(t *testing.T) {
		_, err := Config{APIKeyParam: "/relay/key"}.ResolveAPIKey(ctx, nil)
		require.Error(t, err)
	})

	t.Run("lookup fails", func(t *testing.T) {
		_, err := Config{APIKeyParam: "/relay/key"}.ResolveAPIKey(ctx, &fakeSecrets{err: errors.New("access denied")})
		require.ErrorContains(t, err, "access denied")
	})
}
