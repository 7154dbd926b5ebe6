package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/voicequeue/pkg/types"
)

var errUpstream = errors.New("503 from upstream")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transition struct{ from, to State }

func newTestBreaker(t *testing.T) (*Breaker, *fakeClock, *[]transition) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	var (
		mu  sync.Mutex
		log []transition
	)
	b := New("language-model-call", DefaultConfig(), clock.Now, func(_ string, from, to State) {
		mu.Lock()
		log = append(log, transition{from, to})
		mu.Unlock()
	})
	return b, clock, &log
}

func fail(context.Context) error    { return errUpstream }
func succeed(context.Context) error { return nil }

func TestOpensAfterVolumeAndThreshold(t *testing.T) {
	b, _, transitions := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail, nil), errUpstream)
		assert.Equal(t, StateClosed, b.State(), "below request volume after %d calls", i+1)
	}
	assert.ErrorIs(t, b.Execute(ctx, fail, nil), errUpstream)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil }, nil)
	assert.False(t, called, "open breaker must not invoke the upstream")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)

	assert.Equal(t, []transition{{StateClosed, StateOpen}}, *transitions)
	assert.Equal(t, uint64(1), b.Stats().ShortCircuits)
}

func TestStaysClosedBelowThreshold(t *testing.T) {
	b, _, _ := newTestBreaker(t)
	ctx := context.Background()

	// 4 failures out of 10 is 40%
	for i := 0; i < 6; i++ {
		require.NoError(t, b.Execute(ctx, succeed, nil))
	}
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, fail, nil)
	}
	assert.Equal(t, StateClosed, b.State())
	stats := b.Stats()
	assert.Equal(t, 10, stats.Requests)
	assert.Equal(t, 4, stats.Failures)
}

func TestWindowRollsOff(t *testing.T) {
	b, clock, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_ = b.Execute(ctx, fail, nil)
	}
	clock.Advance(11 * time.Second)
	_ = b.Execute(ctx, fail, nil)

	assert.Equal(t, StateClosed, b.State(), "old failures left the statistical window")
	assert.Equal(t, 1, b.Stats().Requests)
}

func TestHalfOpenTrial(t *testing.T) {
	tests := []struct {
		name      string
		trial     func(context.Context) error
		wantState State
	}{
		{name: "trial success closes", trial: succeed, wantState: StateClosed},
		{name: "trial failure reopens", trial: fail, wantState: StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clock, _ := newTestBreaker(t)
			ctx := context.Background()
			for i := 0; i < 10; i++ {
				_ = b.Execute(ctx, fail, nil)
			}
			require.Equal(t, StateOpen, b.State())

			clock.Advance(5 * time.Second)
			assert.ErrorIs(t, b.Execute(ctx, succeed, nil), ErrCircuitOpen, "still sleeping")

			clock.Advance(5 * time.Second)
			_ = b.Execute(ctx, tt.trial, nil)
			assert.Equal(t, tt.wantState, b.State())

			if tt.wantState == StateClosed {
				assert.Equal(t, 0, b.Stats().Requests, "window resets on close")
				require.NoError(t, b.Execute(ctx, succeed, nil))
			} else {
				assert.ErrorIs(t, b.Execute(ctx, succeed, nil), ErrCircuitOpen, "fresh sleep window")
			}
		})
	}
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	b, clock, _ := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = b.Execute(ctx, fail, nil)
	}
	clock.Advance(10 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		}, nil)
	}()
	<-started

	assert.Equal(t, StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Execute(ctx, succeed, nil), ErrCircuitOpen, "second caller rejected while trial runs")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 10 * time.Millisecond
	cfg.RequestVolumeThreshold = 1
	b := New("slow", cfg, nil, nil)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateOpen, b.State())
}

func TestCallerCancellationIsNotCounted(t *testing.T) {
	b, _, _ := newTestBreaker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 10; i++ {
		err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() }, nil)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Stats().Requests)
	require.NoError(t, b.Execute(context.Background(), succeed, nil))
}

func TestAbandonedTrialKeepsHalfOpen(t *testing.T) {
	b, clock, _ := newTestBreaker(t)
	for i := 0; i < 10; i++ {
		_ = b.Execute(context.Background(), fail, nil)
	}
	clock.Advance(10 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	err := b.Execute(ctx, func(context.Context) error {
		cancel()
		return context.Canceled
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(context.Background(), succeed, nil), "next caller runs the trial")
	assert.Equal(t, StateClosed, b.State())
}

func TestFallback(t *testing.T) {
	b, _, _ := newTestBreaker(t)
	var got error
	err := b.Execute(context.Background(), fail, func(err error) error {
		got = err
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, got, errUpstream)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	var (
		mu   sync.Mutex
		seen []string
	)
	r.OnStateChange(func(name string, _, to State) {
		mu.Lock()
		seen = append(seen, name+":"+to.String())
		mu.Unlock()
	})

	a := r.Get("b-call")
	assert.Same(t, a, r.Get("b-call"))
	r.Get("a-call")

	for i := 0; i < 10; i++ {
		_ = a.Execute(context.Background(), fail, nil)
	}

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a-call", snap[0].Name)
	assert.Equal(t, "closed", snap[0].State)
	assert.Equal(t, "open", snap[1].State)
	assert.False(t, snap[1].OpenedAt.IsZero())
	assert.Equal(t, []string{"b-call:open"}, seen)
}
