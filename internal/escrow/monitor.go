package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gigvault/escrowd/internal/metrics"
	"github.com/gigvault/escrowd/internal/pagination"
)

// sweepBatch is how many expired escrows the sweep reads per store call.
const sweepBatch = 500

// DisputeChecker reports whether an escrow is under an open dispute.
type DisputeChecker interface {
	HasOpenDispute(ctx context.Context, escrowID string) (bool, error)
}

// SweepResult summarizes one expiry sweep.
type SweepResult struct {
	Checked    int               `json:"checked"`
	Refunded   []string          `json:"refunded"`
	Skipped    []string          `json:"skipped"`
	Failed     map[string]string `json:"failed,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Monitor refunds escrows that expired while LOCKED.
type Monitor struct {
	service  *Service
	store    Store
	disputes DisputeChecker
	logger   *slog.Logger
	batch    int
	running  atomic.Bool
	lastRun  atomic.Pointer[time.Time]
}

// NewMonitor creates an expiry monitor.
func NewMonitor(service *Service, store Store, logger *slog.Logger) *Monitor {
	return &Monitor{
		service: service,
		store:   store,
		logger:  logger,
		batch:   sweepBatch,
	}
}

// WithDisputes makes the sweep leave disputed escrows alone.
func (m *Monitor) WithDisputes(d DisputeChecker) *Monitor {
	m.disputes = d
	return m
}

// Running reports whether a sweep is in progress.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// LastRun returns when the last sweep finished, or the zero time.
func (m *Monitor) LastRun() time.Time {
	if t := m.lastRun.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// Sweep refunds every LOCKED escrow whose expiry has passed. Each escrow is
// handled independently: a failure is recorded and the sweep moves on.
// Running Sweep concurrently with itself or with user actions is safe
// because ExpireRefund re-checks eligibility under the escrow's lock.
func (m *Monitor) Sweep(ctx context.Context) SweepResult {
	m.running.Store(true)
	defer m.running.Store(false)

	res := SweepResult{
		Refunded:  []string{},
		Skipped:   []string{},
		StartedAt: m.service.now().UTC(),
	}
	defer func() {
		res.FinishedAt = m.service.now().UTC()
		m.lastRun.Store(&res.FinishedAt)
	}()

	var after *pagination.Cursor
	for {
		expired, err := m.store.ListExpired(ctx, res.StartedAt, after, m.batch)
		if err != nil {
			m.logger.Warn("failed to list expired escrows", "error", err)
			if res.Failed == nil {
				res.Failed = make(map[string]string)
			}
			res.Failed["*"] = err.Error()
			break
		}
		for _, e := range expired {
			m.sweepOne(ctx, &res, e)
		}
		if len(expired) < m.batch || ctx.Err() != nil {
			break
		}
		last := expired[len(expired)-1]
		after = &pagination.Cursor{At: last.ExpiresAt, ID: last.ID}
	}

	switch {
	case len(res.Failed) == 0:
		metrics.ExpirySweepsTotal.WithLabelValues("ok").Inc()
	case len(res.Refunded) > 0:
		metrics.ExpirySweepsTotal.WithLabelValues("partial").Inc()
	default:
		metrics.ExpirySweepsTotal.WithLabelValues("error").Inc()
	}
	return res
}

// sweepOne refunds e unless it is disputed or no longer eligible.
func (m *Monitor) sweepOne(ctx context.Context, res *SweepResult, e *Escrow) {
	res.Checked++

	if m.disputes != nil {
		disputed, err := m.disputes.HasOpenDispute(ctx, e.ID)
		if err != nil {
			m.fail(res, e.ID, fmt.Errorf("check disputes: %w", err))
			return
		}
		if disputed {
			m.logger.Debug("skipping disputed escrow", "escrowId", e.ID)
			res.Skipped = append(res.Skipped, e.ID)
			return
		}
	}

	refunded, err := m.service.ExpireRefund(ctx, e.ID)
	if err != nil {
		m.fail(res, e.ID, err)
		return
	}
	if !refunded {
		res.Skipped = append(res.Skipped, e.ID)
		return
	}
	res.Refunded = append(res.Refunded, e.ID)
	m.logger.Info("refunded expired escrow",
		"escrowId", e.ID,
		"buyer", e.BuyerID,
		"amount", e.Amount,
	)
}

func (m *Monitor) fail(res *SweepResult, id string, err error) {
	m.logger.Warn("failed to refund expired escrow", "escrowId", id, "error", err)
	if res.Failed == nil {
		res.Failed = make(map[string]string)
	}
	res.Failed[id] = err.Error()
}
