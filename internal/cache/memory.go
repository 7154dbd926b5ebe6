package cache

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed MemoryCache.
var ErrClosed = errors.New("cache closed")

// DefaultTTL applies when Set is called with a non-positive ttl.
const DefaultTTL = 30 * time.Minute

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache. Expired entries are dropped lazily on read and
// periodically by the janitor goroutine. When MaxEntries is reached the entry closest
// to expiry is evicted.
type MemoryCache struct {
	mu         sync.RWMutex
	items      map[string]entry
	maxEntries int
	now        func() time.Time
	closed     bool

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithMaxEntries caps the number of stored entries. Zero means unbounded.
func WithMaxEntries(n int) MemoryOption {
	return func(c *MemoryCache) { c.maxEntries = n }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.now = now }
}

func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		items:  make(map[string]entry),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the janitor that sweeps expired entries every interval.
func (c *MemoryCache) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.Sweep()
				case <-c.stopCh:
					return
				}
			}
		}()
	})
}

// Close stops the janitor. Further operations return ErrClosed.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		c.closed = true
		c.items = make(map[string]entry)
		c.mu.Unlock()
	})
	c.wg.Wait()
	return nil
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, false, ErrClosed
	}
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		if cur, still := c.items[key]; still && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, exists := c.items[key]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.evictLocked()
	}
	c.items[key] = entry{value: stored, expiresAt: c.now().Add(ttl)}
	return nil
}

// evictLocked drops expired entries, or failing that the one expiring soonest.
func (c *MemoryCache) evictLocked() {
	now := c.now()
	var (
		victim string
		soon   time.Time
	)
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
			continue
		}
		if victim == "" || e.expiresAt.Before(soon) {
			victim, soon = k, e.expiresAt
		}
	}
	if len(c.items) >= c.maxEntries && victim != "" {
		delete(c.items, victim)
	}
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	delete(c.items, key)
	return nil
}

func (c *MemoryCache) ExistsPattern(_ context.Context, pattern string) (bool, error) {
	if _, err := globMatch(pattern, ""); err != nil {
		return false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false, ErrClosed
	}
	now := c.now()
	for k, e := range c.items {
		if now.Before(e.expiresAt) {
			if ok, _ := globMatch(pattern, k); ok {
				return true, nil
			}
		}
	}
	return false, nil
}

func (c *MemoryCache) FlushPattern(_ context.Context, pattern string) (int, error) {
	if _, err := globMatch(pattern, ""); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	n := 0
	for k := range c.items {
		if ok, _ := globMatch(pattern, k); ok {
			delete(c.items, k)
			n++
		}
	}
	return n, nil
}

// globMatch matches key against a Redis-style glob. Keys are flat, so '/' is an
// ordinary character and '*' matches across it (path.Match alone would stop there).
func globMatch(pattern, key string) (bool, error) {
	return path.Match(strings.ReplaceAll(pattern, "/", "\x00"), strings.ReplaceAll(key, "/", "\x00"))
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
