package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/ChuLiYu/voicequeue/internal/cache"
	"github.com/ChuLiYu/voicequeue/internal/metrics"
	"github.com/ChuLiYu/voicequeue/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql 連線池的背景 goroutine
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T, c cache.Cache) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), c, zap.NewNop())
	require.NoError(t, err)
	s.now = func() time.Time { return base }
	t.Cleanup(func() { s.Close() })
	return s
}

func record(user, command, intent string, confidence float64, ms int64, at time.Time) types.HistoryRecord {
	return types.HistoryRecord{
		UserID:           user,
		SessionID:        "s1",
		Command:          command,
		Response:         "response to " + command,
		Intent:           intent,
		Entities:         types.Entities{Courses: []string{"Biology"}, Numbers: []int{12}},
		Confidence:       confidence,
		ProcessingTimeMs: ms,
		Language:         "en",
		Timestamp:        at,
	}
}

func mustRecord(t *testing.T, s *SQLiteStore, recs ...types.HistoryRecord) {
	t.Helper()
	for _, r := range recs {
		require.NoError(t, s.Record(context.Background(), r))
	}
}

func commands(recs []types.HistoryRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Command
	}
	return out
}

func TestRecordAndQuery(t *testing.T) {
	s := openStore(t, nil)
	ctx := context.Background()

	rec := record("u1", "show my courses", "get_courses", 0.9, 120, base.Add(-3*time.Hour))
	rec.Context = map[string]interface{}{"page": "dashboard"}
	mustRecord(t, s,
		rec,
		record("u1", "hello", "greeting", 0.8, 80, base.Add(-2*time.Hour)),
		record("u1", "what is due", "question", 0.7, 100, base.Add(-1*time.Hour)),
		record("u2", "hello", "greeting", 0.8, 90, base.Add(-1*time.Hour)),
	)

	all, err := s.Query(ctx, Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"what is due", "hello", "show my courses"}, commands(all))

	oldest := all[2]
	assert.Equal(t, []string{"Biology"}, oldest.Entities.Courses)
	assert.Equal(t, []int{12}, oldest.Entities.Numbers)
	assert.Equal(t, "dashboard", oldest.Context["page"])
	assert.Equal(t, int64(120), oldest.ProcessingTimeMs)
	assert.True(t, oldest.Timestamp.Equal(base.Add(-3*time.Hour)))
	assert.NotZero(t, oldest.ID)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"by intent", Filter{UserID: "u1", Intent: "greeting"}, []string{"hello"}},
		{"from", Filter{UserID: "u1", From: base.Add(-90 * time.Minute)}, []string{"what is due"}},
		{"to", Filter{UserID: "u1", To: base.Add(-150 * time.Minute)}, []string{"show my courses"}},
		{"limit", Filter{UserID: "u1", Limit: 1}, []string{"what is due"}},
		{"offset", Filter{UserID: "u1", Limit: 1, Offset: 1}, []string{"hello"}},
		{"other user", Filter{UserID: "u2"}, []string{"hello"}},
		{"unknown user", Filter{UserID: "nobody"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, commands(got))
		})
	}
}

func TestRecordIsIdempotentPerJob(t *testing.T) {
	s := openStore(t, nil)
	ctx := context.Background()

	first := record("u1", "hello", "greeting", 0.8, 10, base)
	first.JobID = "job-1"
	retry := first
	retry.Response = "second attempt"
	mustRecord(t, s, first, retry)

	direct := record("u1", "hello", "greeting", 0.8, 10, base)
	mustRecord(t, s, direct, direct)

	all, err := s.Query(ctx, Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, all, 3)

	var jobRows []types.HistoryRecord
	for _, r := range all {
		if r.JobID == "job-1" {
			jobRows = append(jobRows, r)
		}
	}
	require.Len(t, jobRows, 1)
	assert.Equal(t, "response to hello", jobRows[0].Response)
}

func TestRecordDefaults(t *testing.T) {
	s := openStore(t, nil)
	mustRecord(t, s, types.HistoryRecord{Command: "hi", Intent: ErrorIntent, Error: "boom"})

	got, err := s.Query(context.Background(), Filter{UserID: "anonymous"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "boom", got[0].Error)
	assert.True(t, got[0].Timestamp.Equal(base))
}

func TestAggregateStats(t *testing.T) {
	c := cache.NewMemoryCache()
	defer c.Close()
	s := openStore(t, c)
	ctx := context.Background()

	mustRecord(t, s,
		record("u1", "hello", "greeting", 0.8, 100, base.Add(-2*time.Hour)),
		record("u1", "hi", "greeting", 0.9, 200, base.Add(-time.Hour)),
		record("u1", "show my grades", "get_grades", 0.75, 301, base),
	)

	stats, err := s.AggregateStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalCommands)
	assert.Equal(t, 0.82, stats.AvgConfidence)
	assert.Equal(t, 200.33, stats.AvgProcessingTime)
	assert.Equal(t, map[string]int64{"greeting": 2, "get_grades": 1}, stats.IntentDistribution)
	require.NotNil(t, stats.LastCommand)
	assert.True(t, stats.LastCommand.Equal(base))

	// 快取期間新增的紀錄不會反映
	mustRecord(t, s, record("u1", "bye", "general_query", 0.5, 10, base))
	cached, err := s.AggregateStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cached.TotalCommands)

	require.NoError(t, c.Delete(ctx, cache.StatsPrefix+"u1"))
	fresh, err := s.AggregateStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), fresh.TotalCommands)
}

func TestAggregateStatsEmpty(t *testing.T) {
	s := openStore(t, nil)
	stats, err := s.AggregateStats(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalCommands)
	assert.Zero(t, stats.AvgConfidence)
	assert.Empty(t, stats.IntentDistribution)
	assert.NotNil(t, stats.IntentDistribution)
	assert.Nil(t, stats.LastCommand)
}

func TestPopularCommands(t *testing.T) {
	c := cache.NewMemoryCache()
	defer c.Close()
	s := openStore(t, c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustRecord(t, s, record(fmt.Sprintf("u%d", i), "show my courses", "get_courses", 0.9, 10, base))
	}
	mustRecord(t, s,
		record("u1", "hello", "greeting", 0.8, 10, base),
		record("u2", "hello", "greeting", 0.6, 10, base),
		record("u1", "only once", "general_query", 0.5, 10, base),
	)

	popular, err := s.PopularCommands(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []PopularCommand{
		{Command: "show my courses", Count: 3, AvgConfidence: 0.9},
		{Command: "hello", Count: 2, AvgConfidence: 0.7},
	}, popular)

	top1, err := s.PopularCommands(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top1, 1)
	assert.Equal(t, "show my courses", top1[0].Command)

	ok, err := c.ExistsPattern(ctx, cache.PopularPrefix+"*")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSearch(t *testing.T) {
	s := openStore(t, nil)
	ctx := context.Background()

	mustRecord(t, s,
		record("u1", "Show my Biology grades", "get_grades", 0.9, 10, base.Add(-time.Hour)),
		record("u1", "open biology notes", "action", 0.9, 10, base),
		record("u1", "score 100% please", "general_query", 0.9, 10, base),
		record("u1", "score 1000 please", "general_query", 0.9, 10, base),
		record("u2", "biology for u2", "general_query", 0.9, 10, base),
	)

	tests := []struct {
		name  string
		query string
		limit int
		want  []string
	}{
		{"case insensitive", "BIOLOGY", 0, []string{"open biology notes", "Show my Biology grades"}},
		{"every token must match", "biology grades", 0, []string{"Show my Biology grades"}},
		{"matches response too", "response to open", 0, []string{"open biology notes"}},
		{"percent is literal", "100%", 0, []string{"score 100% please"}},
		{"limit", "biology", 1, []string{"open biology notes"}},
		{"blank query", "   ", 0, []string{}},
		{"no match", "chemistry", 0, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Search(ctx, "u1", tt.query, tt.limit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, commands(got))
		})
	}
}

func TestCleanupOlderThan(t *testing.T) {
	c := cache.NewMemoryCache()
	defer c.Close()
	s := openStore(t, c)
	ctx := context.Background()

	mustRecord(t, s,
		record("u1", "ancient", "greeting", 0.8, 10, base.AddDate(0, 0, -100)),
		record("u1", "old", "greeting", 0.8, 10, base.AddDate(0, 0, -31)),
		record("u1", "recent", "greeting", 0.8, 10, base.AddDate(0, 0, -1)),
	)
	_, err := s.AggregateStats(ctx, "u1")
	require.NoError(t, err)

	n, err := s.CleanupOlderThan(ctx, 0) // 預設 90 天
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.CleanupOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := s.Query(ctx, Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"recent"}, commands(left))

	ok, err := c.ExistsPattern(ctx, cache.StatsPrefix+"*")
	require.NoError(t, err)
	assert.False(t, ok, "stats cache should be flushed after cleanup")
}

// ============================================================================
// Recorder
// ============================================================================

type failingStore struct {
	Store
	mu    sync.Mutex
	calls int
}

func (f *failingStore) Record(ctx context.Context, rec types.HistoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("disk full")
}

func TestRecorderWritesAndDrains(t *testing.T) {
	s := openStore(t, nil)
	r := NewRecorder(s, 4, nil, zap.NewNop())

	for i := 0; i < 4; i++ {
		rec := record("u1", fmt.Sprintf("cmd %d", i), "general_query", 0.5, 1, base)
		rec.JobID = types.JobID(fmt.Sprintf("job-%d", i))
		assert.True(t, r.Record(rec))
	}
	r.Close()

	got, err := s.Query(context.Background(), Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestRecorderAfterClose(t *testing.T) {
	r := NewRecorder(openStore(t, nil), 1, nil, nil)
	r.Close()

	assert.NotPanics(t, func() {
		assert.False(t, r.Record(record("u1", "late", "greeting", 0.5, 1, base)))
		r.Close()
	})
}

func TestRecorderFailuresAreCounted(t *testing.T) {
	m := metrics.NewCollector(nil)
	store := &failingStore{}
	r := NewRecorder(store, 8, m, zap.NewNop())

	for i := 0; i < 3; i++ {
		r.Record(record("u1", "x", "greeting", 0.5, 1, base))
	}
	r.Close()

	assert.Equal(t, 3, store.calls)
	assert.Equal(t, float64(3), m.Snapshot().HistoryWriteFailures)
}
