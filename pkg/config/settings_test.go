package config

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so ambient shell state cannot
// leak into the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LOG_LEVEL", "PRODUCTION", "SERVER_PORT", "API_KEY", "SYSTEM_NAME",
		"BROKER_URL", "BROKER_USERNAME", "BROKER_PASSWORD",
		"BROKER_SUBSCRIBE_SUBJECT", "BROKER_STREAM_NAME", "BROKER_STREAM_SUBJECTS",
		"CAMPAIGN_REPOSITORY_BACKEND", "CAMPAIGN_REPOSITORY_MONGO_URI",
		"CAMPAIGN_REPOSITORY_MONGO_DB", "CAMPAIGN_REPOSITORY_POSTGRES_DSN",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "INFO", s.LogLevel)
	assert.False(t, s.Production)
	assert.Equal(t, DefaultServerPort, s.ServerPort)
	assert.Equal(t, strings.Repeat("X", 32), s.APIKey)
	assert.Equal(t, DefaultSystemName, s.SystemName)
	assert.Equal(t, DefaultBrokerURL, s.BrokerURL)
	assert.Equal(t, DefaultSystemName+".response", s.BrokerSubscribeSubject)
	assert.Empty(t, s.BrokerStreamName)
	assert.Equal(t, "memory", s.StoreBackend)
	assert.Equal(t, DefaultMongoURI, s.MongoURI)
	assert.Equal(t, DefaultMongoDB, s.MongoDB)
	assert.Equal(t, DefaultPostgresDSN, s.PostgresDSN)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PRODUCTION", "true")
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("API_KEY", strings.Repeat("k", 40))
	t.Setenv("SYSTEM_NAME", "beamline-7")
	t.Setenv("BROKER_URL", "nats://broker.internal:4222")
	t.Setenv("BROKER_USERNAME", "orchestrator")
	t.Setenv("BROKER_PASSWORD", "secret")
	t.Setenv("BROKER_STREAM_NAME", "CAMPAIGNS")
	t.Setenv("BROKER_STREAM_SUBJECTS", "org.>, beamline-7.response ,")
	t.Setenv("CAMPAIGN_REPOSITORY_BACKEND", "Postgres")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", s.LogLevel)
	assert.True(t, s.Production)
	assert.Equal(t, 9100, s.ServerPort)
	assert.Equal(t, "beamline-7", s.SystemName)
	assert.Equal(t, "beamline-7.response", s.BrokerSubscribeSubject)
	assert.Equal(t, []string{"org.>", "beamline-7.response"}, s.BrokerStreamSubjects)
	assert.Equal(t, "postgres", s.StoreBackend)
}

func TestLoadExplicitSubscribeSubject(t *testing.T) {
	clearEnv(t)
	t.Setenv("BROKER_SUBSCRIBE_SUBJECT", "callbacks.orchestrator")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "callbacks.orchestrator", s.BrokerSubscribeSubject)
}

func TestLoadRejectsBadPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVER_PORT", "eight thousand")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER_PORT")
}

func TestLoadRejectsBadProductionFlag(t *testing.T) {
	clearEnv(t)
	t.Setenv("PRODUCTION", "definitely")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRODUCTION")
}

func TestValidateCollectsAllProblems(t *testing.T) {
	s := Settings{
		LogLevel:               "LOUD",
		ServerPort:             0,
		APIKey:                 "short",
		SystemName:             "Bad Name!",
		BrokerURL:              "nats://127.0.0.1:4222",
		BrokerSubscribeSubject: "callbacks",
		BrokerStreamName:       "CAMPAIGNS",
		StoreBackend:           "etcd",
	}

	err := s.Validate()
	require.Error(t, err)
	for _, fragment := range []string{
		"LOG_LEVEL", "SERVER_PORT", "API_KEY", "SYSTEM_NAME",
		"BROKER_STREAM_SUBJECTS", "CAMPAIGN_REPOSITORY_BACKEND",
	} {
		assert.Contains(t, err.Error(), fragment)
	}
}

func TestListenAddr(t *testing.T) {
	s := Settings{ServerPort: 8000}
	assert.Equal(t, "127.0.0.1:8000", s.ListenAddr())

	s.Production = true
	assert.Equal(t, ":8000", s.ListenAddr())
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"WARNING": slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for level, want := range cases {
		assert.Equal(t, want, Settings{LogLevel: level}.slogLevel(), "level %q", level)
	}
}
