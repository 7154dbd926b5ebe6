// Package processor turns a free-form command into a CommandResult: it resolves the
// language, consults the result cache, asks the language model through a circuit
// breaker, and derives intent, entities and confidence.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/voicequeue/internal/breaker"
	"github.com/ChuLiYu/voicequeue/internal/cache"
	"github.com/ChuLiYu/voicequeue/internal/llm"
	"github.com/ChuLiYu/voicequeue/internal/metrics"
	"github.com/ChuLiYu/voicequeue/pkg/types"
)

// BreakerName guards every language model call.
const BreakerName = "language-model-call"

// Config tunes the processor.
type Config struct {
	AssistantName  string        `yaml:"assistant_name"`
	Capabilities   []string      `yaml:"capabilities"`
	ResultTTL      time.Duration `yaml:"result_ttl"`
	TranslationTTL time.Duration `yaml:"translation_ttl"`
	Temperature    float64       `yaml:"temperature"`
	MaxTokens      int           `yaml:"max_tokens"`
	LanguagesFile  string        `yaml:"languages_file"`
}

func (c Config) withDefaults() Config {
	if c.AssistantName == "" {
		c.AssistantName = "Voicera AI"
	}
	if len(c.Capabilities) == 0 {
		c.Capabilities = DefaultCapabilities
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = 30 * time.Minute
	}
	if c.TranslationTTL <= 0 {
		c.TranslationTTL = time.Hour
	}
	if c.Temperature <= 0 {
		c.Temperature = llm.DefaultTemp
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = llm.DefaultTokens
	}
	return c
}

// Request is one command to process.
type Request struct {
	Command   string
	Language  string // requested language; empty means detect
	Context   map[string]interface{}
	UserID    string
	SessionID string
}

// Processor is safe for concurrent use.
type Processor struct {
	cfg       Config
	model     llm.Client
	breakers  *breaker.Registry
	cache     cache.Cache
	languages *Languages
	metrics   *metrics.Collector
	logger    *zap.Logger
	group     singleflight.Group
	now       func() time.Time
}

func New(cfg Config, model llm.Client, breakers *breaker.Registry, c cache.Cache,
	languages *Languages, m *metrics.Collector, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:       cfg.withDefaults(),
		model:     model,
		breakers:  breakers,
		cache:     c,
		languages: languages,
		metrics:   m,
		logger:    logger.Named("processor"),
		now:       time.Now,
	}
}

// Process handles one command. Validation failures wrap types.ErrValidation; model
// failures (including an open circuit) wrap types.ErrUpstreamUnavailable.
func (p *Processor) Process(ctx context.Context, req Request) (types.CommandResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return types.CommandResult{}, fmt.Errorf("%w: command is required", types.ErrValidation)
	}

	start := p.now()
	tables := p.languages.Current()
	detected := tables.Detect(req.Command)
	language := req.Language
	if language == "" || !tables.Supported(language) {
		language = detected
	}

	key := cache.CommandKey(req.Command, language)
	if hit, ok := cache.GetJSON[types.CommandResult](ctx, p.cache, key, p.logger); ok {
		p.metrics.RecordCacheHit()
		p.metrics.RecordProcessed(0, true)
		hit.Cached = true
		hit.ProcessingTimeMs = 0
		return hit, nil
	}
	p.metrics.RecordCacheMiss()

	// Concurrent misses for the same key share one upstream call. The shared call
	// outlives any single caller (the breaker timeout bounds it); each caller
	// stops waiting when its own context ends.
	computeCtx := context.WithoutCancel(ctx)
	ch := p.group.DoChan(key, func() (interface{}, error) {
		return p.compute(computeCtx, req, tables, language, detected, start, key)
	})
	select {
	case <-ctx.Done():
		return types.CommandResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			p.metrics.RecordProcessFailed()
			return types.CommandResult{}, res.Err
		}
		return res.Val.(types.CommandResult).Clone(), nil
	}
}

func (p *Processor) compute(ctx context.Context, req Request, tables *Tables,
	language, detected string, start time.Time, key string) (types.CommandResult, error) {
	prompt := llm.Prompt{
		System: buildSystemPrompt(promptInput{
			assistant:    p.cfg.AssistantName,
			capabilities: p.cfg.Capabilities,
			language:     tables.Info(language),
			match:        detected == language,
			context:      req.Context,
		}),
		User:        req.Command,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	}

	response, err := p.complete(ctx, prompt)
	if err != nil {
		p.logger.Warn("language model call failed",
			zap.String("language", language), zap.Error(err))
		return types.CommandResult{}, err
	}

	result := types.CommandResult{
		Command:          req.Command,
		Response:         response,
		Intent:           tables.Intent(req.Command, language),
		Entities:         tables.Entities(req.Command, language),
		Confidence:       tables.Confidence(response),
		Language:         language,
		DetectedLanguage: detected,
		Timestamp:        p.now(),
	}
	elapsed := p.now().Sub(start)
	result.ProcessingTimeMs = elapsed.Milliseconds()

	cache.SetJSON(ctx, p.cache, key, result, p.cfg.ResultTTL, p.logger)
	p.metrics.RecordProcessed(elapsed.Seconds(), false)
	p.logger.Debug("command processed",
		zap.String("intent", result.Intent),
		zap.String("language", language),
		zap.Int64("processing_ms", result.ProcessingTimeMs))
	return result, nil
}

// complete calls the model through the breaker and classifies failures as upstream errors.
func (p *Processor) complete(ctx context.Context, prompt llm.Prompt) (string, error) {
	var text string
	started := p.now()
	err := p.breakers.Get(BreakerName).Execute(ctx, func(ctx context.Context) error {
		out, err := p.model.Complete(ctx, prompt)
		if err != nil {
			return err
		}
		text = out
		return nil
	}, nil)

	if errors.Is(err, breaker.ErrCircuitOpen) {
		p.metrics.RecordShortCircuit(BreakerName)
		return "", err
	}
	p.metrics.RecordUpstreamLatency(p.now().Sub(started).Seconds())
	if err != nil {
		if errors.Is(err, types.ErrUpstreamUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", types.ErrUpstreamUnavailable, err)
	}
	return text, nil
}

// Handle processes a queued job. It satisfies worker.Handler.
func (p *Processor) Handle(ctx context.Context, job *types.CommandJob) (types.CommandResult, error) {
	return p.Process(ctx, Request{
		Command:   job.Command,
		Language:  job.Language,
		Context:   job.Context,
		UserID:    job.UserID,
		SessionID: job.SessionID,
	})
}

// Translate asks the model for a translation. Identical languages, unknown languages and
// upstream failures return text unchanged.
func (p *Processor) Translate(ctx context.Context, text, from, to string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: text is required", types.ErrValidation)
	}
	tables := p.languages.Current()
	if from == "" {
		from = tables.Detect(text)
	}
	if !tables.Supported(to) {
		return "", fmt.Errorf("%w: %w %q", types.ErrValidation, ErrUnsupportedLanguage, to)
	}
	if from == to {
		return text, nil
	}

	key := cache.TranslationKey(text, from, to)
	if hit, ok := cache.GetJSON[string](ctx, p.cache, key, p.logger); ok {
		p.metrics.RecordTranslationCacheHit()
		return hit, nil
	}
	p.metrics.RecordTranslationCacheMiss()

	translated, err := p.complete(ctx, llm.Prompt{
		System:      "You are a precise translator.",
		User:        buildTranslatePrompt(text, tables.Info(from), tables.Info(to)),
		Temperature: 0.3,
		MaxTokens:   500,
	})
	if err != nil || translated == llm.FallbackResponse {
		p.logger.Warn("translation failed, returning original text",
			zap.String("from", from), zap.String("to", to), zap.Error(err))
		return text, nil
	}

	cache.SetJSON(ctx, p.cache, key, translated, p.cfg.TranslationTTL, p.logger)
	return translated, nil
}

// Suggestions returns example commands in language (default language if unknown).
func (p *Processor) Suggestions(language string, limit int) []string {
	return p.languages.Current().Suggestions(language, limit)
}

// SupportedLanguages lists the languages the processor can detect and answer in.
func (p *Processor) SupportedLanguages() []LanguageInfo {
	return p.languages.Current().Languages()
}

// DetectLanguage exposes language detection to callers that only need the code.
func (p *Processor) DetectLanguage(text string) string {
	return p.languages.Current().Detect(text)
}
