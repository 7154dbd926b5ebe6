// Package breaker implements a rolling-window circuit breaker guarding calls to an
// unreliable upstream. A breaker trips to Open once enough calls in the window failed,
// short-circuits while Open, and lets a single trial call through after the sleep window.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/voicequeue/pkg/types"
)

// ErrCircuitOpen is returned when a call is rejected without being attempted.
var ErrCircuitOpen = fmt.Errorf("circuit open: %w", types.ErrUpstreamUnavailable)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker. Zero fields take the defaults from DefaultConfig.
type Config struct {
	Timeout                time.Duration `yaml:"timeout"`
	ErrorThresholdPercent  float64       `yaml:"error_threshold_percent"`
	RequestVolumeThreshold int           `yaml:"request_volume_threshold"`
	SleepWindow            time.Duration `yaml:"sleep_window"`
	StatisticalWindow      time.Duration `yaml:"statistical_window"`
	Buckets                int           `yaml:"buckets"`
}

func DefaultConfig() Config {
	return Config{
		Timeout:                5 * time.Second,
		ErrorThresholdPercent:  50,
		RequestVolumeThreshold: 10,
		SleepWindow:            10 * time.Second,
		StatisticalWindow:      10 * time.Second,
		Buckets:                10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ErrorThresholdPercent <= 0 {
		c.ErrorThresholdPercent = d.ErrorThresholdPercent
	}
	if c.RequestVolumeThreshold <= 0 {
		c.RequestVolumeThreshold = d.RequestVolumeThreshold
	}
	if c.SleepWindow <= 0 {
		c.SleepWindow = d.SleepWindow
	}
	if c.StatisticalWindow <= 0 {
		c.StatisticalWindow = d.StatisticalWindow
	}
	if c.Buckets <= 0 {
		c.Buckets = d.Buckets
	}
	return c
}

// StateChangeFunc is invoked after every transition, outside the breaker lock.
type StateChangeFunc func(name string, from, to State)

type bucket struct {
	epoch    int64
	requests int
	failures int
}

// Breaker guards one named upstream operation.
type Breaker struct {
	name     string
	cfg      Config
	width    time.Duration
	now      func() time.Time
	onChange StateChangeFunc

	mu            sync.Mutex
	state         State
	openedAt      time.Time
	trialInFlight bool
	buckets       []bucket
	shortCircuits uint64
}

// New creates a closed breaker. now may be nil.
func New(name string, cfg Config, now func() time.Time, onChange StateChangeFunc) *Breaker {
	cfg = cfg.withDefaults()
	if now == nil {
		now = time.Now
	}
	width := cfg.StatisticalWindow / time.Duration(cfg.Buckets)
	if width <= 0 {
		width = time.Millisecond
	}
	return &Breaker{
		name:     name,
		cfg:      cfg,
		width:    width,
		now:      now,
		onChange: onChange,
		buckets:  make([]bucket, cfg.Buckets),
	}
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state. An Open breaker whose sleep window has elapsed is
// still reported as Open until a call arrives to trial it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn under the breaker with the configured timeout.
//
// When the call is rejected or fails, fallback (if non-nil) receives the error and its
// return value becomes the result of Execute.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error, fallback func(error) error) error {
	trial, ok := b.allow()
	if !ok {
		if fallback != nil {
			return fallback(ErrCircuitOpen)
		}
		return ErrCircuitOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	err := fn(callCtx)
	if err == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		// fn ignored its context and finished late; still a timeout
		err = fmt.Errorf("%s: %w", b.name, context.DeadlineExceeded)
	}
	cancel()

	if cerr := ctx.Err(); cerr != nil {
		// the caller left; the outcome says nothing about the upstream
		b.abandon(trial)
		if err == nil {
			return nil
		}
		return cerr
	}

	b.record(err == nil, trial)

	if err != nil && fallback != nil {
		return fallback(err)
	}
	return err
}

func (b *Breaker) allow() (trial bool, ok bool) {
	b.mu.Lock()
	var from State
	changed := false
	defer func() {
		b.mu.Unlock()
		if changed {
			b.notify(from, StateHalfOpen)
		}
	}()

	switch b.state {
	case StateClosed:
		return false, true
	case StateHalfOpen:
		// a previous trial was abandoned by its caller
		if !b.trialInFlight {
			b.trialInFlight = true
			return true, true
		}
	case StateOpen:
		if !b.trialInFlight && b.now().Sub(b.openedAt) >= b.cfg.SleepWindow {
			from, changed = b.state, true
			b.state = StateHalfOpen
			b.trialInFlight = true
			return true, true
		}
	}
	b.shortCircuits++
	return false, false
}

// abandon releases a call whose caller cancelled. Nothing is counted; an abandoned
// trial leaves the breaker half-open so the next caller runs the trial.
func (b *Breaker) abandon(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

func (b *Breaker) record(success, trial bool) {
	b.mu.Lock()
	from := b.state
	to := from

	if trial {
		b.trialInFlight = false
		if success {
			to = StateClosed
			b.resetLocked()
		} else {
			to = StateOpen
			b.openedAt = b.now()
		}
		b.state = to
	} else {
		bk := b.currentLocked()
		bk.requests++
		if !success {
			bk.failures++
		}
		if b.state == StateClosed {
			requests, failures := b.countsLocked()
			if requests >= b.cfg.RequestVolumeThreshold &&
				float64(failures)*100/float64(requests) >= b.cfg.ErrorThresholdPercent {
				to = StateOpen
				b.state = to
				b.openedAt = b.now()
			}
		}
	}
	b.mu.Unlock()

	if to != from {
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

func (b *Breaker) epoch(t time.Time) int64 {
	return t.UnixNano() / int64(b.width)
}

func (b *Breaker) currentLocked() *bucket {
	e := b.epoch(b.now())
	bk := &b.buckets[int(e%int64(len(b.buckets)))]
	if bk.epoch != e {
		*bk = bucket{epoch: e}
	}
	return bk
}

func (b *Breaker) countsLocked() (requests, failures int) {
	oldest := b.epoch(b.now()) - int64(len(b.buckets)) + 1
	for _, bk := range b.buckets {
		if bk.epoch >= oldest && (bk.requests > 0 || bk.failures > 0) {
			requests += bk.requests
			failures += bk.failures
		}
	}
	return requests, failures
}

func (b *Breaker) resetLocked() {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Requests      int       `json:"requests"`
	Failures      int       `json:"failures"`
	ShortCircuits uint64    `json:"shortCircuits"`
	OpenedAt      time.Time `json:"openedAt,omitempty"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	requests, failures := b.countsLocked()
	s := Stats{
		Name:          b.name,
		State:         b.state.String(),
		Requests:      requests,
		Failures:      failures,
		ShortCircuits: b.shortCircuits,
	}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	return s
}
