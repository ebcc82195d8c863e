// Package dispute implements arbitration of escrows.
//
// A party of a LOCKED or DELIVERED escrow opens a dispute, which is assigned
// to the least-loaded arbiter. The arbiter's signed ruling settles the escrow
// (release to the seller or refund to the buyer) and resolves the dispute.
// A resolved dispute can then be closed.
package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gigvault/escrowd/internal/apperr"
	"github.com/gigvault/escrowd/internal/escrow"
	"github.com/gigvault/escrowd/internal/notification"
	"github.com/gigvault/escrowd/internal/pagination"
	"github.com/gigvault/escrowd/internal/syncutil"
)

var (
	ErrDisputeNotFound  = fmt.Errorf("dispute %w", apperr.ErrNotFound)
	ErrDisputeExists    = fmt.Errorf("a dispute already exists for this escrow: %w", apperr.ErrConflict)
	ErrInvalidState     = fmt.Errorf("dispute: %w", apperr.ErrInvalidState)
	ErrNotParty         = fmt.Errorf("only the buyer or seller can open a dispute: %w", apperr.ErrUnauthorized)
	ErrNotArbiter       = fmt.Errorf("signer is not an authorized arbiter: %w", apperr.ErrUnauthorized)
	ErrConflictInterest = fmt.Errorf("arbiter is a party to this escrow: %w", apperr.ErrUnauthorized)
	ErrNotAssigned      = fmt.Errorf("dispute is assigned to another arbiter: %w", apperr.ErrUnauthorized)
	ErrVersionConflict  = fmt.Errorf("dispute was modified concurrently: %w", apperr.ErrConflict)
	ErrNoArbiter        = fmt.Errorf("no eligible arbiter %w", apperr.ErrNotFound)
)

// Status is the lifecycle position of a dispute.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
	StatusClosed   Status = "CLOSED"
)

// Outcome is an arbiter's ruling.
type Outcome string

const (
	OutcomeReleaseToSeller Outcome = "RELEASE_TO_SELLER"
	OutcomeRefundToBuyer   Outcome = "REFUND_TO_BUYER"
)

// Valid reports whether o is a known ruling.
func (o Outcome) Valid() bool {
	return o == OutcomeReleaseToSeller || o == OutcomeRefundToBuyer
}

// Dispute is an arbitration case against one escrow. ArbiterID and
// Resolution are set exactly when Status is not OPEN.
type Dispute struct {
	ID                string     `json:"id"`
	EscrowID          string     `json:"escrow_id"`
	ComplainantID     string     `json:"complainant_id"`
	Status            Status     `json:"status"`
	Reason            string     `json:"reason"`
	AssignedArbiterID string     `json:"assigned_arbiter_id,omitempty"`
	ArbiterID         string     `json:"arbiter_id,omitempty"`
	Resolution        Outcome    `json:"resolution,omitempty"`
	Version           int64      `json:"version"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// Store persists disputes.
type Store interface {
	// Create fails with ErrDisputeExists if the escrow already has a dispute.
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// Update replaces the record if its stored version is still
	// expectedVersion, and fails with ErrVersionConflict otherwise.
	Update(ctx context.Context, d *Dispute, expectedVersion int64) error
	ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error)
	// ListByStatus returns disputes in status ordered by (created_at, id),
	// starting after the cursor.
	ListByStatus(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Dispute, error)
	// OpenAssignments counts OPEN disputes per assigned arbiter.
	OpenAssignments(ctx context.Context) (map[string]int, error)
}

// Escrows is the part of the escrow service disputes drive.
type Escrows interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
	ReleaseAsArbiter(ctx context.Context, id, arbiterID, signature string) (*escrow.Escrow, error)
	RefundAsArbiter(ctx context.Context, id, arbiterID, signature, reason string) (*escrow.Escrow, error)
}

// ArbiterDirectory knows who may arbitrate and picks an arbiter for new
// disputes.
type ArbiterDirectory interface {
	IsArbiter(ctx context.Context, userID string) (bool, error)
	// Assign returns the arbiter for a new dispute, never one of exclude.
	Assign(ctx context.Context, exclude ...string) (string, error)
}

// Notifier delivers user notifications.
type Notifier interface {
	Notify(ctx context.Context, userID string, typ notification.Type, subject, content string)
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	EscrowID      string `json:"escrow_id" binding:"required"`
	Reason        string `json:"reason" binding:"required"`
	ComplainantID string `json:"complainant_id" binding:"required"`
}

// ResolveRequest is an arbiter's signed ruling. The signature covers the
// escrow action the outcome implies ("release" or "refund").
type ResolveRequest struct {
	ArbiterID string  `json:"arbiter_id" binding:"required"`
	Signature string  `json:"signature" binding:"required"`
	Outcome   Outcome `json:"outcome" binding:"required"`
}

// Service implements dispute business logic.
type Service struct {
	store     Store
	escrows   Escrows
	arbiters  ArbiterDirectory
	notifier  Notifier
	logger    *slog.Logger
	escrowMu  *syncutil.KeyLock // serializes Open per escrow
	disputeMu *syncutil.KeyLock // serializes transitions per dispute
	now       func() time.Time
}

// NewService creates a new dispute service.
func NewService(store Store, escrows Escrows, arbiters ArbiterDirectory, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		escrows:   escrows,
		arbiters:  arbiters,
		logger:    logger,
		escrowMu:  syncutil.NewKeyLock(),
		disputeMu: syncutil.NewKeyLock(),
		now:       time.Now,
	}
}

// WithNotifier adds a notifier for dispute events.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByEscrow returns the disputes of an escrow.
func (s *Service) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	return s.store.ListByEscrow(ctx, escrowID)
}

// Page is one window of the open disputes.
type Page struct {
	Disputes   []*Dispute `json:"disputes"`
	NextCursor string     `json:"next_cursor,omitempty"`
	HasMore    bool       `json:"has_more"`
}

const listBatch = 500

// ListOpen returns every OPEN dispute, oldest first.
func (s *Service) ListOpen(ctx context.Context) ([]*Dispute, error) {
	all := []*Dispute{}
	var after *pagination.Cursor
	for {
		batch, err := s.store.ListByStatus(ctx, StatusOpen, after, listBatch)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < listBatch {
			return all, nil
		}
		last := batch[len(batch)-1]
		after = &pagination.Cursor{At: last.CreatedAt, ID: last.ID}
	}
}

// ListOpenPage returns up to limit OPEN disputes after cursor, oldest first.
func (s *Service) ListOpenPage(ctx context.Context, cursor string, limit int) (*Page, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	items, err := s.store.ListByStatus(ctx, StatusOpen, after, limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(d *Dispute) (time.Time, string) {
		return d.CreatedAt, d.ID
	})
	if items == nil {
		items = []*Dispute{}
	}
	return &Page{Disputes: items, NextCursor: next, HasMore: more}, nil
}

// HasOpenDispute reports whether escrowID is under an OPEN dispute.
func (s *Service) HasOpenDispute(ctx context.Context, escrowID string) (bool, error) {
	ds, err := s.store.ListByEscrow(ctx, escrowID)
	if err != nil {
		return false, err
	}
	for _, d := range ds {
		if d.Status == StatusOpen {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) notify(ctx context.Context, userID string, typ notification.Type, subject, content string) {
	if s.notifier == nil || userID == "" {
		return
	}
	s.notifier.Notify(ctx, userID, typ, subject, content)
}
