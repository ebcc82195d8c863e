package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("503 from indexer")

func fail() error    { return errBoom }
func succeed() error { return nil }

func newBreaker(threshold int) (*Breaker, *clock) {
	clk := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	return New(Config{Threshold: threshold, Cooldown: 30 * time.Second, Now: clk.Now}), clk
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, 5, b.cfg.Threshold)
	assert.Equal(t, 30*time.Second, b.cfg.Cooldown)
	assert.NotNil(t, b.cfg.Now)
}

func TestDo_TripsAfterThreshold(t *testing.T) {
	b, _ := newBreaker(3)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do("txs", fail, nil), errBoom)
	}
	assert.Equal(t, StateClosed, b.State("txs"))

	assert.ErrorIs(t, b.Do("txs", fail, nil), errBoom)
	assert.Equal(t, StateOpen, b.State("txs"))

	called := false
	err := b.Do("txs", func() error { called = true; return nil }, nil)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "an open circuit must not run fn")
}

func TestDo_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newBreaker(2)

	_ = b.Do("txs", fail, nil)
	require.NoError(t, b.Do("txs", succeed, nil))
	_ = b.Do("txs", fail, nil)
	assert.Equal(t, StateClosed, b.State("txs"), "failures must be consecutive")
}

func TestDo_HalfOpenTrial(t *testing.T) {
	tests := []struct {
		name  string
		trial func() error
		want  State
	}{
		{"success closes", succeed, StateClosed},
		{"failure reopens", fail, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clk := newBreaker(1)
			_ = b.Do("submit", fail, nil)
			require.Equal(t, StateOpen, b.State("submit"))

			clk.advance(29 * time.Second)
			assert.ErrorIs(t, b.Do("submit", succeed, nil), ErrOpen)

			clk.advance(time.Second)
			_ = b.Do("submit", tt.trial, nil)
			assert.Equal(t, tt.want, b.State("submit"))
		})
	}
}

func TestDo_HalfOpenAllowsSingleTrial(t *testing.T) {
	b, clk := newBreaker(1)
	_ = b.Do("txs", fail, nil)
	clk.advance(time.Minute)

	probing := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Do("txs", func() error {
			close(probing)
			<-release
			return nil
		}, nil)
	}()

	<-probing
	assert.Equal(t, StateHalfOpen, b.State("txs"))
	assert.ErrorIs(t, b.Do("txs", succeed, nil), ErrOpen, "second caller during the trial call is rejected")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State("txs"))
}

func TestDo_UncountedErrorsPassThrough(t *testing.T) {
	b, _ := newBreaker(1)
	notFound := errors.New("404")
	countable := func(err error) bool {
		return !errors.Is(err, notFound) && !errors.Is(err, context.Canceled)
	}

	for i := 0; i < 3; i++ {
		err := b.Do("txs", func() error { return notFound }, countable)
		assert.ErrorIs(t, err, notFound)
	}
	assert.Equal(t, StateClosed, b.State("txs"))

	_ = b.Do("txs", fail, countable)
	assert.Equal(t, StateOpen, b.State("txs"))
}

func TestOpen_ListsTrippedKeys(t *testing.T) {
	b, _ := newBreaker(1)
	assert.Empty(t, b.Open())

	_ = b.Do("txs", fail, nil)
	_ = b.Do("addresses", fail, nil)
	require.NoError(t, b.Do("health", succeed, nil))

	assert.Equal(t, []string{"addresses", "txs"}, b.Open())
	assert.Equal(t, StateClosed, b.State("health"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
