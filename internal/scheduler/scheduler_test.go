package scheduler

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigvault/escrowd/internal/escrow"
	"github.com/gigvault/escrowd/internal/logging"
)

type countingSweeper struct {
	calls   atomic.Int32
	block   chan struct{}
	panicky bool
}

func (c *countingSweeper) Sweep(ctx context.Context) escrow.SweepResult {
	c.calls.Add(1)
	if c.panicky {
		panic("boom")
	}
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
		}
	}
	return escrow.SweepResult{Checked: 1, Refunded: []string{"e1"}}
}

func TestAddSweep_RejectsBadSpec(t *testing.T) {
	s := New(logging.Discard())
	err := s.AddSweep("every now and then", &countingSweeper{})
	assert.ErrorContains(t, err, "every now and then")
	require.NoError(t, s.AddSweep("@every 30s", &countingSweeper{}))
	require.NoError(t, s.AddSweep("*/5 * * * *", &countingSweeper{}))
}

func TestSweepJob_LogsResult(t *testing.T) {
	var buf bytes.Buffer
	sw := &countingSweeper{}
	sweepJob{ctx: context.Background(), monitor: sw, logger: logging.NewWithWriter(&buf, "info", "json")}.Run()

	assert.Equal(t, int32(1), sw.calls.Load())
	assert.Contains(t, buf.String(), `"msg":"expiry sweep finished"`)
	assert.Contains(t, buf.String(), `"refunded":1`)
}

func TestSweepJob_CancelledContextSkips(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sw := &countingSweeper{}
	sweepJob{ctx: ctx, monitor: sw, logger: logging.Discard()}.Run()
	assert.Zero(t, sw.calls.Load())
}

func TestChain_SkipsOverlappingRuns(t *testing.T) {
	s := New(logging.Discard())
	sw := &countingSweeper{block: make(chan struct{})}
	cl := cronLogger{logging.Discard()}
	job := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).
		Then(sweepJob{ctx: s.ctx, monitor: sw, logger: logging.Discard()})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		job.Run()
	}()
	require.Eventually(t, func() bool { return sw.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	job.Run() // returns immediately while the first run holds the slot
	assert.Equal(t, int32(1), sw.calls.Load())

	close(sw.block)
	wg.Wait()
}

func TestChain_RecoversPanics(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, "info", "json")
	cl := cronLogger{logger}
	job := cron.NewChain(cron.Recover(cl)).
		Then(sweepJob{ctx: context.Background(), monitor: &countingSweeper{panicky: true}, logger: logger})

	assert.NotPanics(t, job.Run)
	assert.Contains(t, buf.String(), "cron: panic")
}

func TestStart_RunsAndStopCancels(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a one-second cron tick")
	}
	s := New(logging.Discard())
	sw := &countingSweeper{block: make(chan struct{})}
	require.NoError(t, s.AddSweep("@every 1s", sw))
	s.Start()

	require.Eventually(t, func() bool { return sw.calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx), "Stop cancels the blocked sweep and waits for it")
}
