package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/ChuLiYu/voicequeue/internal/breaker"
	"github.com/ChuLiYu/voicequeue/internal/cache"
	"github.com/ChuLiYu/voicequeue/internal/llm"
	"github.com/ChuLiYu/voicequeue/internal/metrics"
	"github.com/ChuLiYu/voicequeue/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingModel struct {
	calls    atomic.Int32
	mu       sync.Mutex
	prompts  []llm.Prompt
	response string
	err      error
	release  chan struct{}
}

func (m *recordingModel) Complete(ctx context.Context, p llm.Prompt) (string, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.prompts = append(m.prompts, p)
	m.mu.Unlock()
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

func (m *recordingModel) lastPrompt() llm.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[len(m.prompts)-1]
}

func newTestTables(t *testing.T) *Tables {
	t.Helper()
	tables, err := LoadTables("")
	require.NoError(t, err)
	return tables
}

func newTestProcessor(t *testing.T, model llm.Client) (*Processor, *metrics.Collector) {
	t.Helper()
	langs, err := NewLanguages("", zap.NewNop())
	require.NoError(t, err)
	m := metrics.NewCollector(nil)
	p := New(Config{}, model, breaker.NewRegistry(breaker.DefaultConfig(), nil),
		cache.NewMemoryCache(), langs, m, zap.NewNop())
	return p, m
}

// ============================================================================
// Process
// ============================================================================

func TestProcessShowCourses(t *testing.T) {
	model := &recordingModel{response: "You are enrolled in Math 101 and Biology 110."}
	p, _ := newTestProcessor(t, model)

	result, err := p.Process(context.Background(), Request{Command: "Show me my courses"})
	require.NoError(t, err)

	assert.Equal(t, "get_courses", result.Intent)
	assert.Equal(t, "en", result.Language)
	assert.Equal(t, "en", result.DetectedLanguage)
	assert.GreaterOrEqual(t, result.Confidence, 0.6)
	assert.LessOrEqual(t, result.Confidence, 0.9)
	assert.False(t, result.Cached)
	assert.Equal(t, model.response, result.Response)

	prompt := model.lastPrompt()
	assert.Equal(t, "Show me my courses", prompt.User)
	assert.Contains(t, prompt.System, "Voicera AI")
	assert.Contains(t, prompt.System, "Language Match: Yes")
	assert.Contains(t, prompt.System, "Current context: {}")
}

func TestProcessCacheHit(t *testing.T) {
	model := &recordingModel{response: "You have three courses this term."}
	p, m := newTestProcessor(t, model)
	ctx := context.Background()

	first, err := p.Process(ctx, Request{Command: "Show me my courses"})
	require.NoError(t, err)
	second, err := p.Process(ctx, Request{Command: "  show me MY courses "})
	require.NoError(t, err)

	assert.Equal(t, int32(1), model.calls.Load(), "second identical command must not reach the model")
	assert.True(t, second.Cached)
	assert.Zero(t, second.ProcessingTimeMs)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, first.Intent, second.Intent)

	snap := m.Snapshot()
	assert.Equal(t, 1.0, snap.CacheHits)
	assert.Equal(t, 1.0, snap.CacheMisses)
}

func TestProcessRejectsEmptyCommand(t *testing.T) {
	model := &recordingModel{response: "unused"}
	p, _ := newTestProcessor(t, model)

	for _, cmd := range []string{"", "   ", "\n\t"} {
		_, err := p.Process(context.Background(), Request{Command: cmd})
		assert.ErrorIs(t, err, types.ErrValidation)
	}
	assert.Zero(t, model.calls.Load())
}

func TestProcessUpstreamFailureOpensBreaker(t *testing.T) {
	model := &recordingModel{err: errors.New("503 service unavailable")}
	p, m := newTestProcessor(t, model)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := p.Process(ctx, Request{Command: "What are my grades number " + string(rune('a'+i))})
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	}
	require.Equal(t, int32(10), model.calls.Load())

	_, err := p.Process(ctx, Request{Command: "What is due tomorrow?"})
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	assert.Equal(t, int32(10), model.calls.Load(), "open breaker must not call the model")
	assert.Equal(t, 11.0, m.Snapshot().CommandsFailed)
}

func TestProcessLanguages(t *testing.T) {
	tests := []struct {
		name         string
		req          Request
		wantLanguage string
		wantDetected string
		wantIntent   string
		wantMatch    bool
	}{
		{
			name:         "arabic greeting detected",
			req:          Request{Command: "مرحبا"},
			wantLanguage: "ar",
			wantDetected: "ar",
			wantIntent:   "greeting",
			wantMatch:    true,
		},
		{
			name:         "requested language differs from detected",
			req:          Request{Command: "Show me my courses", Language: "es"},
			wantLanguage: "es",
			wantDetected: "en",
			wantIntent:   DefaultIntent,
			wantMatch:    false,
		},
		{
			name:         "unsupported requested language falls back to detection",
			req:          Request{Command: "¿Cuáles son mis cursos?", Language: "xx"},
			wantLanguage: "es",
			wantDetected: "es",
			wantIntent:   "question",
			wantMatch:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &recordingModel{response: "Here is the information you asked for."}
			p, _ := newTestProcessor(t, model)

			result, err := p.Process(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLanguage, result.Language)
			assert.Equal(t, tt.wantDetected, result.DetectedLanguage)
			assert.Equal(t, tt.wantIntent, result.Intent)

			system := model.lastPrompt().System
			if tt.wantMatch {
				assert.Contains(t, system, "Language Match: Yes")
			} else {
				assert.Contains(t, system, "Language Match: No")
			}
		})
	}
}

func TestProcessCoalescesConcurrentMisses(t *testing.T) {
	model := &recordingModel{response: "You have three courses this term.", release: make(chan struct{})}
	p, _ := newTestProcessor(t, model)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]types.CommandResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := p.Process(context.Background(), Request{Command: "Show me my courses"})
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}

	require.Eventually(t, func() bool { return model.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(model.release)
	wg.Wait()

	assert.Equal(t, int32(1), model.calls.Load())
	for _, r := range results {
		assert.Equal(t, "get_courses", r.Intent)
	}
}

func TestProcessSharedCallSurvivesCallerCancel(t *testing.T) {
	model := &recordingModel{response: "You have two courses.", release: make(chan struct{})}
	p, _ := newTestProcessor(t, model)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := p.Process(leaderCtx, Request{Command: "Show me my courses"})
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return model.calls.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	// the upstream call is still running and the next caller joins it
	followerDone := make(chan struct{})
	var (
		result types.CommandResult
		err    error
	)
	go func() {
		defer close(followerDone)
		result, err = p.Process(context.Background(), Request{Command: "Show me my courses"})
	}()
	close(model.release)
	<-followerDone

	require.NoError(t, err)
	assert.Equal(t, "You have two courses.", result.Response)
	assert.Equal(t, int32(1), model.calls.Load())
	assert.Equal(t, breaker.StateClosed, p.breakers.Get(BreakerName).State())
}

func TestHandleUsesJobFields(t *testing.T) {
	model := &recordingModel{response: "Bonjour ! Voici vos cours."}
	p, _ := newTestProcessor(t, model)

	result, err := p.Handle(context.Background(), &types.CommandJob{
		ID:       "job-1",
		Command:  "Montrez-moi mes cours",
		Language: "fr",
		Context:  map[string]interface{}{"page": "dashboard"},
	})
	require.NoError(t, err)
	assert.Equal(t, "fr", result.Language)
	assert.Equal(t, "action", result.Intent)
	assert.Contains(t, model.lastPrompt().System, `"page":"dashboard"`)
}

// ============================================================================
// Translate / Suggestions
// ============================================================================

func TestTranslate(t *testing.T) {
	ctx := context.Background()

	t.Run("same language is identity", func(t *testing.T) {
		model := &recordingModel{response: "unused"}
		p, _ := newTestProcessor(t, model)
		out, err := p.Translate(ctx, "hello", "en", "en")
		require.NoError(t, err)
		assert.Equal(t, "hello", out)
		assert.Zero(t, model.calls.Load())
	})

	t.Run("cached after first call", func(t *testing.T) {
		model := &recordingModel{response: "Hola"}
		p, m := newTestProcessor(t, model)
		for i := 0; i < 2; i++ {
			out, err := p.Translate(ctx, "hello", "en", "es")
			require.NoError(t, err)
			assert.Equal(t, "Hola", out)
		}
		assert.Equal(t, int32(1), model.calls.Load())
		snap := m.Snapshot()
		assert.Zero(t, snap.CacheHits, "translations do not count as command cache lookups")
		assert.Zero(t, snap.CacheMisses)
		assert.Contains(t, model.lastPrompt().User, "to Español")
	})

	t.Run("upstream failure returns original", func(t *testing.T) {
		model := &recordingModel{err: errors.New("timeout")}
		p, _ := newTestProcessor(t, model)
		out, err := p.Translate(ctx, "hello", "en", "fr")
		require.NoError(t, err)
		assert.Equal(t, "hello", out)
	})

	t.Run("unsupported target", func(t *testing.T) {
		p, _ := newTestProcessor(t, &recordingModel{})
		_, err := p.Translate(ctx, "hello", "en", "tlh")
		assert.ErrorIs(t, err, types.ErrValidation)
		assert.ErrorIs(t, err, ErrUnsupportedLanguage)
	})
}

func TestSuggestionsAndLanguages(t *testing.T) {
	p, _ := newTestProcessor(t, &recordingModel{})

	assert.Equal(t, []string{"Muéstrame mis cursos", "¿Cuáles son mis calificaciones?"}, p.Suggestions("es", 2))
	assert.Equal(t, "Show me my courses", p.Suggestions("tlh", 5)[0], "unknown language falls back to default")
	assert.Len(t, p.Suggestions("en", 0), 5)

	langs := p.SupportedLanguages()
	require.NotEmpty(t, langs)
	assert.Equal(t, "ar", langs[0].Code)
	codes := make([]string, 0, len(langs))
	for _, l := range langs {
		codes = append(codes, l.Code)
	}
	assert.Subset(t, codes, []string{"en", "es", "fr", "de", "ja", "ko", "zh", "ar", "hi", "ur", "ru"})
}

// ============================================================================
// Hot reload
// ============================================================================

const overrideYAML = `
languages:
  en:
    name: English
    native_name: English
    whole_words: true
    intents:
      - tag: %s
        any: [yo]
`

func writeOverride(t *testing.T, path, tag string) {
	t.Helper()
	content := strings.Replace(overrideYAML, "%s", tag, 1)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLanguagesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "languages.yaml")
	writeOverride(t, path, "custom_greeting")

	langs, err := NewLanguages(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "custom_greeting", langs.Current().Intent("yo there", "en"))
	assert.True(t, langs.Current().Supported("ja"), "other languages keep their embedded tables")

	require.NoError(t, os.WriteFile(path, []byte("languages: [broken"), 0o644))
	assert.Error(t, langs.Reload())
	assert.Equal(t, "custom_greeting", langs.Current().Intent("yo there", "en"), "failed reload keeps previous tables")
}

func TestLanguagesWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "languages.yaml")
	writeOverride(t, path, "first")

	langs, err := NewLanguages(path, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, langs.Watch(ctx))

	writeOverride(t, path, "second")
	assert.Eventually(t, func() bool {
		return langs.Current().Intent("yo", "en") == "second"
	}, 3*time.Second, 20*time.Millisecond)
}
