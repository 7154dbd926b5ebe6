// Package history persists terminal command outcomes and answers the read-side
// queries behind the history endpoints: filtered listing, per-user aggregates,
// popular commands, fuzzy search and retention cleanup.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/voicequeue/internal/cache"
	"github.com/ChuLiYu/voicequeue/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

const (
	DefaultQueryLimit    = 50
	MaxQueryLimit        = 500
	DefaultSearchLimit   = 20
	DefaultPopularLimit  = 10
	DefaultRetentionDays = 90

	StatsTTL   = 30 * time.Minute
	PopularTTL = time.Hour

	// ErrorIntent marks rows recorded for commands that failed permanently.
	ErrorIntent = "error"
)

// Filter narrows Query. Zero values mean "no constraint".
type Filter struct {
	UserID string
	Intent string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// Stats is the per-user aggregate.
type Stats struct {
	TotalCommands      int64            `json:"totalCommands"`
	AvgConfidence      float64          `json:"avgConfidence"`
	AvgProcessingTime  float64          `json:"avgProcessingTime"`
	IntentDistribution map[string]int64 `json:"intentDistribution"`
	LastCommand        *time.Time       `json:"lastCommand"`
}

// PopularCommand is one row of the popular-commands ranking.
type PopularCommand struct {
	Command       string  `json:"command"`
	Count         int64   `json:"count"`
	AvgConfidence float64 `json:"avgConfidence"`
}

// Store is the history persistence contract.
type Store interface {
	Record(ctx context.Context, rec types.HistoryRecord) error
	Query(ctx context.Context, f Filter) ([]types.HistoryRecord, error)
	AggregateStats(ctx context.Context, userID string) (Stats, error)
	PopularCommands(ctx context.Context, limit int) ([]PopularCommand, error)
	Search(ctx context.Context, userID, query string, limit int) ([]types.HistoryRecord, error)
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
	Close() error
}

// SQLiteStore implements Store on an embedded SQLite database.
// Aggregates are served from the cache when one is supplied.
type SQLiteStore struct {
	db    *sql.DB
	cache cache.Cache
	log   *zap.Logger
	now   func() time.Time
}

// Open creates (or opens) the database at path and applies the schema.
// c may be nil, in which case aggregates are always recomputed.
func Open(path string, c cache.Cache, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history dir: %w", err)
		}
	}

	// pragma 放在 DSN，連線池裡的每條連線都會套用
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping history db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return &SQLiteStore{
		db:    db,
		cache: c,
		log:   logger.Named("history"),
		now:   time.Now,
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// 寫入
// ============================================================================

// Record appends rec. A record whose JobID was already recorded is ignored,
// so a retried job never produces a second row.
func (s *SQLiteStore) Record(ctx context.Context, rec types.HistoryRecord) error {
	if strings.TrimSpace(rec.UserID) == "" {
		rec.UserID = "anonymous"
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}

	entities, err := json.Marshal(rec.Entities)
	if err != nil {
		return fmt.Errorf("failed to encode entities: %w", err)
	}
	var contextJSON sql.NullString
	if len(rec.Context) > 0 {
		raw, err := json.Marshal(rec.Context)
		if err != nil {
			return fmt.Errorf("failed to encode context: %w", err)
		}
		contextJSON = sql.NullString{String: string(raw), Valid: true}
	}
	jobID := sql.NullString{String: string(rec.JobID), Valid: rec.JobID != ""}

	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO command_history
		(job_id, user_id, session_id, command, response, intent, entities, confidence,
		 processing_time_ms, language, context, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, rec.UserID, rec.SessionID, rec.Command, rec.Response, rec.Intent,
		string(entities), rec.Confidence, rec.ProcessingTimeMs, rec.Language,
		contextJSON, rec.Error, rec.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}
	return nil
}

// CleanupOlderThan deletes records older than days and returns how many were removed.
// Cached aggregates are dropped because they may include deleted rows.
func (s *SQLiteStore) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	cutoff := s.now().AddDate(0, 0, -days).UnixMilli()

	res, err := s.db.ExecContext(ctx, `DELETE FROM command_history WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if s.cache != nil && n > 0 {
		for _, pattern := range []string{cache.StatsPrefix + "*", cache.PopularPrefix + "*"} {
			if _, err := s.cache.FlushPattern(ctx, pattern); err != nil {
				s.log.Warn("cache flush failed", zap.String("pattern", pattern), zap.Error(err))
			}
		}
	}
	s.log.Info("cleaned up old commands", zap.Int64("deleted", n), zap.Int("days", days))
	return n, nil
}

// ============================================================================
// 查詢
// ============================================================================

const selectColumns = `SELECT id, job_id, user_id, session_id, command, response, intent, entities,
	confidence, processing_time_ms, language, context, error, created_at FROM command_history`

// Query lists a user's records newest first.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]types.HistoryRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Intent != "" {
		where = append(where, "intent = ?")
		args = append(args, f.Intent)
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, f.To.UnixMilli())
	}

	limit := clampLimit(f.Limit, DefaultQueryLimit)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var b strings.Builder
	b.WriteString(selectColumns)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	return s.queryRecords(ctx, b.String(), args...)
}

// Search finds a user's records whose command or response contains every
// whitespace-separated token of query, ignoring ASCII case.
func (s *SQLiteStore) Search(ctx context.Context, userID, query string, limit int) ([]types.HistoryRecord, error) {
	tokens := strings.Fields(query)
	if len(tokens) == 0 {
		return []types.HistoryRecord{}, nil
	}

	var b strings.Builder
	b.WriteString(selectColumns)
	b.WriteString(" WHERE user_id = ?")
	args := []interface{}{userID}
	for _, tok := range tokens {
		b.WriteString(` AND (command LIKE ? ESCAPE '\' OR response LIKE ? ESCAPE '\')`)
		pattern := "%" + escapeLike(tok) + "%"
		args = append(args, pattern, pattern)
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC LIMIT ?")
	args = append(args, clampLimit(limit, DefaultSearchLimit))

	return s.queryRecords(ctx, b.String(), args...)
}

// AggregateStats summarises a user's history. The result is cached for StatsTTL,
// so it may lag recent writes.
func (s *SQLiteStore) AggregateStats(ctx context.Context, userID string) (Stats, error) {
	key := cache.StatsPrefix + userID
	if s.cache != nil {
		if cached, ok := cache.GetJSON[Stats](ctx, s.cache, key, s.log); ok {
			return cached, nil
		}
	}

	stats := Stats{IntentDistribution: map[string]int64{}}
	var (
		avgConf, avgTime sql.NullFloat64
		last             sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), AVG(confidence), AVG(processing_time_ms), MAX(created_at)
		FROM command_history WHERE user_id = ?`, userID).
		Scan(&stats.TotalCommands, &avgConf, &avgTime, &last)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to aggregate history: %w", err)
	}
	stats.AvgConfidence = round2(avgConf.Float64)
	stats.AvgProcessingTime = round2(avgTime.Float64)
	if last.Valid {
		t := time.UnixMilli(last.Int64).UTC()
		stats.LastCommand = &t
	}

	rows, err := s.db.QueryContext(ctx, `SELECT intent, COUNT(*) FROM command_history
		WHERE user_id = ? GROUP BY intent`, userID)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to aggregate intents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			intent string
			n      int64
		)
		if err := rows.Scan(&intent, &n); err != nil {
			return Stats{}, err
		}
		stats.IntentDistribution[intent] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	if s.cache != nil {
		cache.SetJSON(ctx, s.cache, key, stats, StatsTTL, s.log)
	}
	return stats, nil
}

// PopularCommands ranks commands issued at least twice, most frequent first.
func (s *SQLiteStore) PopularCommands(ctx context.Context, limit int) ([]PopularCommand, error) {
	limit = clampLimit(limit, DefaultPopularLimit)
	key := cache.PopularPrefix + "commands:" + strconv.Itoa(limit)
	if s.cache != nil {
		if cached, ok := cache.GetJSON[[]PopularCommand](ctx, s.cache, key, s.log); ok {
			return cached, nil
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT command, COUNT(*) AS n, AVG(confidence)
		FROM command_history
		GROUP BY command
		HAVING n >= 2
		ORDER BY n DESC, command ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to rank commands: %w", err)
	}
	defer rows.Close()

	out := make([]PopularCommand, 0)
	for rows.Next() {
		var (
			p    PopularCommand
			conf sql.NullFloat64
		)
		if err := rows.Scan(&p.Command, &p.Count, &conf); err != nil {
			return nil, err
		}
		p.AvgConfidence = round2(conf.Float64)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.cache != nil {
		cache.SetJSON(ctx, s.cache, key, out, PopularTTL, s.log)
	}
	return out, nil
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...interface{}) ([]types.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	out := make([]types.HistoryRecord, 0)
	for rows.Next() {
		var (
			rec         types.HistoryRecord
			jobID       sql.NullString
			entities    string
			contextJSON sql.NullString
			createdAt   int64
		)
		if err := rows.Scan(&rec.ID, &jobID, &rec.UserID, &rec.SessionID, &rec.Command,
			&rec.Response, &rec.Intent, &entities, &rec.Confidence, &rec.ProcessingTimeMs,
			&rec.Language, &contextJSON, &rec.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		rec.JobID = types.JobID(jobID.String)
		rec.Timestamp = time.UnixMilli(createdAt).UTC()
		if err := json.Unmarshal([]byte(entities), &rec.Entities); err != nil {
			s.log.Warn("undecodable entities", zap.Int64("id", rec.ID), zap.Error(err))
		}
		if contextJSON.Valid {
			if err := json.Unmarshal([]byte(contextJSON.String), &rec.Context); err != nil {
				s.log.Warn("undecodable context", zap.Int64("id", rec.ID), zap.Error(err))
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func round2(f float64) float64 {
	v, _ := strconv.ParseFloat(strconv.FormatFloat(f, 'f', 2, 64), 64)
	return v
}
