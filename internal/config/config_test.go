package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvGroqKey, EnvOpenAIKey, EnvGeminiKey, EnvProvider, EnvPort, EnvLogLevel, EnvHistoryPath} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Queue.BaseDelay)
	assert.Equal(t, 90, cfg.History.RetentionDays)
	assert.Equal(t, "groq", cfg.LLM.Provider)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
	assert.Empty(t, cfg.Queue.SnapshotPath)
}

func TestLoadValidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: 8080
  rate_limit: 50
  rate_window: 1m
queue:
  worker_count: 8
  task_timeout: 45s
  base_delay: 500ms
breaker:
  error_threshold_percent: 60
  sleep_window: 20s
llm:
  provider: echo
history:
  path: /tmp/vq/history.db
  retention_days: 30
snapshot:
  path: /tmp/vq/snapshot.json
  interval: 10s
grpc:
  port: 50051
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Server.RateLimit)
	assert.Equal(t, time.Minute, cfg.Server.RateWindow)
	assert.Equal(t, "10M", cfg.Server.BodyLimit, "unset keys keep their defaults")
	assert.Equal(t, 8, cfg.Queue.WorkerCount)
	assert.Equal(t, 45*time.Second, cfg.Queue.TaskTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.BaseDelay)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 60.0, cfg.Breaker.ErrorThresholdPercent)
	assert.Equal(t, 20*time.Second, cfg.Breaker.SleepWindow)
	assert.Equal(t, 10, cfg.Breaker.RequestVolumeThreshold)
	assert.Equal(t, "echo", cfg.LLM.Provider)
	assert.Equal(t, 30, cfg.History.RetentionDays)
	assert.Equal(t, "/tmp/vq/snapshot.json", cfg.Queue.SnapshotPath)
	assert.Equal(t, 10*time.Second, cfg.Queue.SnapshotInterval)
	assert.Equal(t, 50051, cfg.GRPC.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestProcessorConfigUsesLLMSampling(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
llm:
  provider: echo
  temperature: 0.2
  max_tokens: 256
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	pc := cfg.ProcessorConfig()
	assert.Equal(t, 0.2, pc.Temperature)
	assert.Equal(t, 256, pc.MaxTokens)

	cfg.Processor.Temperature = 0.9
	cfg.Processor.MaxTokens = 64
	pc = cfg.ProcessorConfig()
	assert.Equal(t, 0.9, pc.Temperature, "processor section wins when set")
	assert.Equal(t, 64, pc.MaxTokens)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "llm:\n  provider: openai\n")
	t.Setenv(EnvOpenAIKey, "sk-test")
	t.Setenv(EnvGroqKey, "gsk-ignored")
	t.Setenv(EnvPort, "4000")
	t.Setenv(EnvHistoryPath, "/var/lib/vq.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "/var/lib/vq.db", cfg.History.Path)

	t.Setenv(EnvProvider, "GEMINI")
	t.Setenv(EnvGeminiKey, "g-key")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "g-key", cfg.LLM.APIKey)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)

	t.Setenv(EnvPort, "eighty")
	_, err = Load("")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"grpc clashes with http", func(c *Config) { c.GRPC.Port = c.Server.Port }},
		{"negative workers", func(c *Config) { c.Queue.WorkerCount = -1 }},
		{"shrinking backoff", func(c *Config) { c.Queue.Multiplier = 0.5 }},
		{"threshold over 100", func(c *Config) { c.Breaker.ErrorThresholdPercent = 150 }},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "anthropic" }},
		{"no history path", func(c *Config) { c.History.Path = " " }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	cfg := Default()
	cfg.Server.Port = 0
	cfg.LLM.Provider = "nope"
	err := cfg.Validate()
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "llm.provider")
}
