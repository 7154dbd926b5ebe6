// Package cache provides the key/value store used for command results, translations and
// history aggregates. Values are opaque bytes with a per-entry TTL; typed access goes
// through GetJSON/SetJSON.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

// Cache is a TTL key/value store. Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// ExistsPattern reports whether any live key matches the glob pattern.
	ExistsPattern(ctx context.Context, pattern string) (bool, error)
	// FlushPattern deletes every key matching the glob pattern.
	FlushPattern(ctx context.Context, pattern string) (int, error)
}

// Key prefixes shared by the packages that read and write cached values.
const (
	CommandPrefix     = "voice:command:"
	TranslationPrefix = "voice:translate:"
	StatsPrefix       = "voice:stats:"
	PopularPrefix     = "voice:popular:"
)

// NormalizeCommand folds a command to the form used for cache keys:
// NFC, lower case, runs of whitespace collapsed to one space.
func NormalizeCommand(command string) string {
	folded := strings.ToLower(norm.NFC.String(command))
	return strings.Join(strings.Fields(folded), " ")
}

// CommandKey returns the cache key for a command processed in language.
// Commands differing only in case, whitespace or Unicode composition share a key.
func CommandKey(command, language string) string {
	return CommandPrefix + language + ":" + digest(language, NormalizeCommand(command))
}

// TranslationKey returns the cache key for translating text between two languages.
func TranslationKey(text, from, to string) string {
	return TranslationPrefix + from + ":" + to + ":" + digest(from, to, norm.NFC.String(text))
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// GetJSON loads and decodes a cached value. Backend and decode errors are logged and
// reported as a miss; a cache problem never fails the caller.
func GetJSON[T any](ctx context.Context, c Cache, key string, logger *zap.Logger) (T, bool) {
	var zero T
	raw, ok, err := c.Get(ctx, key)
	if err != nil {
		logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	if !ok {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		logger.Warn("cache entry undecodable, dropping", zap.String("key", key), zap.Error(err))
		_ = c.Delete(ctx, key)
		return zero, false
	}
	return v, true
}

// SetJSON encodes and stores a value. Failures are logged and swallowed.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration, logger *zap.Logger) {
	raw, err := json.Marshal(v)
	if err != nil {
		logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.Set(ctx, key, raw, ttl); err != nil {
		logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}
