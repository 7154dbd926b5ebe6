// Package config loads the voicequeue configuration: a YAML file layered over
// defaults, then environment overrides for secrets and deployment knobs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/voicequeue/internal/breaker"
	"github.com/ChuLiYu/voicequeue/internal/controller"
	"github.com/ChuLiYu/voicequeue/internal/gateway"
	"github.com/ChuLiYu/voicequeue/internal/history"
	"github.com/ChuLiYu/voicequeue/internal/llm"
	"github.com/ChuLiYu/voicequeue/internal/logging"
	"github.com/ChuLiYu/voicequeue/internal/processor"
	"github.com/ChuLiYu/voicequeue/internal/server"
)

var ErrInvalid = errors.New("invalid configuration")

// Environment variables that override the file.
const (
	EnvGroqKey     = "GROQ_API_KEY"
	EnvOpenAIKey   = "OPENAI_API_KEY"
	EnvGeminiKey   = "GEMINI_API_KEY"
	EnvProvider    = "VOICEQUEUE_LLM_PROVIDER"
	EnvPort        = "PORT"
	EnvLogLevel    = "VOICEQUEUE_LOG_LEVEL"
	EnvHistoryPath = "VOICEQUEUE_HISTORY_PATH"
)

type CacheConfig struct {
	MaxEntries    int           `yaml:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type HistoryConfig struct {
	Path            string        `yaml:"path"`
	RetentionDays   int           `yaml:"retention_days"`
	RecorderBuffer  int           `yaml:"recorder_buffer"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // 0 disables the periodic cleanup
}

type MetricsConfig struct {
	// Port > 0 also serves /metrics on a dedicated listener.
	Port int `yaml:"port"`
}

type SnapshotConfig struct {
	Path     string        `yaml:"path"` // empty disables queue persistence
	Interval time.Duration `yaml:"interval"`
}

// Config represents the complete system configuration.
type Config struct {
	Server    gateway.Config    `yaml:"server"`
	Queue     controller.Config `yaml:"queue"`
	Breaker   breaker.Config    `yaml:"breaker"`
	Cache     CacheConfig       `yaml:"cache"`
	LLM       llm.Config        `yaml:"llm"`
	History   HistoryConfig     `yaml:"history"`
	Processor processor.Config  `yaml:"processor"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	GRPC      server.Config     `yaml:"grpc"`
	Snapshot  SnapshotConfig    `yaml:"snapshot"`
	Logging   logging.Config    `yaml:"logging"`
}

// Default returns a configuration that runs out of the box with the groq provider.
func Default() Config {
	return Config{
		Server:  gateway.DefaultConfig(),
		Queue:   controller.DefaultConfig(),
		Breaker: breaker.DefaultConfig(),
		Cache: CacheConfig{
			MaxEntries:    10000,
			SweepInterval: time.Minute,
		},
		LLM: llm.Config{
			Provider:    "groq",
			Temperature: llm.DefaultTemp,
			MaxTokens:   llm.DefaultTokens,
		},
		History: HistoryConfig{
			Path:            "data/history.db",
			RetentionDays:   history.DefaultRetentionDays,
			RecorderBuffer:  history.DefaultRecorderBuffer,
			CleanupInterval: 24 * time.Hour,
		},
		Processor: processor.Config{
			AssistantName:  "Voicera AI",
			ResultTTL:      30 * time.Minute,
			TranslationTTL: time.Hour,
		},
		GRPC: server.Config{
			ShutdownTimeout: 5 * time.Second,
		},
		Snapshot: SnapshotConfig{
			Interval: 30 * time.Second,
		},
		Logging: logging.Config{Level: "info"},
	}
}

// Load reads .env (if present), the YAML file at path (skipped when path is
// empty) and the environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if cfg.Snapshot.Path != "" {
		cfg.Queue.SnapshotPath = cfg.Snapshot.Path
	}
	if cfg.Snapshot.Interval > 0 {
		cfg.Queue.SnapshotInterval = cfg.Snapshot.Interval
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ProcessorConfig is the processor section with the llm section's sampling
// settings filled in where the processor leaves them unset.
func (c *Config) ProcessorConfig() processor.Config {
	pc := c.Processor
	if pc.Temperature <= 0 {
		pc.Temperature = c.LLM.Temperature
	}
	if pc.MaxTokens <= 0 {
		pc.MaxTokens = c.LLM.MaxTokens
	}
	return pc
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvProvider); ok && v != "" {
		c.LLM.Provider = strings.ToLower(v)
	}
	if c.LLM.APIKey == "" {
		var key string
		switch c.LLM.Provider {
		case "", "groq":
			key = EnvGroqKey
		case "openai":
			key = EnvOpenAIKey
		case "gemini":
			key = EnvGeminiKey
		}
		if key != "" {
			if v, ok := lookup(key); ok {
				c.LLM.APIKey = v
			}
		}
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a port", ErrInvalid, EnvPort, v)
		}
		c.Server.Port = port
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvHistoryPath); ok && v != "" {
		c.History.Path = v
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	if c.GRPC.Port < 0 || c.GRPC.Port > 65535 {
		add("grpc.port %d out of range", c.GRPC.Port)
	}
	if c.GRPC.Port != 0 && c.GRPC.Port == c.Server.Port {
		add("grpc.port must differ from server.port")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		add("metrics.port %d out of range", c.Metrics.Port)
	}
	if c.Queue.WorkerCount < 0 {
		add("queue.worker_count must not be negative")
	}
	if c.Queue.MaxAttempts < 0 {
		add("queue.max_attempts must not be negative")
	}
	if c.Queue.Multiplier != 0 && c.Queue.Multiplier < 1 {
		add("queue.multiplier must be at least 1")
	}
	if p := c.Breaker.ErrorThresholdPercent; p < 0 || p > 100 {
		add("breaker.error_threshold_percent %.1f out of range", p)
	}
	switch c.LLM.Provider {
	case "", "groq", "openai", "gemini", "echo":
	default:
		add("llm.provider %q unknown", c.LLM.Provider)
	}
	if strings.TrimSpace(c.History.Path) == "" {
		add("history.path is required")
	}
	if c.History.RetentionDays < 0 {
		add("history.retention_days must not be negative")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
			add("logging.level %q unknown", c.Logging.Level)
		}
	}
	return errors.Join(errs...)
}
