// Package escrow implements the escrow state machine for gig payments.
//
// Flow:
//  1. Buyer creates an escrow for a gig → CREATED, with the parameters of the
//     funding transaction (script address, datum, lovelace)
//  2. Buyer funds the script and reports the tx hash → LOCKED once the chain
//     confirms the deposit
//  3. Seller delivers → DELIVERED
//  4. Buyer (or an arbiter) signs a release → RELEASED
//  5. Seller (or an arbiter) signs a refund, or the escrow expires while
//     LOCKED → REFUNDED
package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gigvault/escrowd/internal/apperr"
	"github.com/gigvault/escrowd/internal/marketplace"
	"github.com/gigvault/escrowd/internal/notification"
	"github.com/gigvault/escrowd/internal/pagination"
	"github.com/gigvault/escrowd/internal/syncutil"
)

var (
	ErrEscrowNotFound  = fmt.Errorf("escrow %w", apperr.ErrNotFound)
	ErrInvalidState    = fmt.Errorf("escrow: %w", apperr.ErrInvalidState)
	ErrVersionConflict = fmt.Errorf("escrow was modified concurrently: %w", apperr.ErrConflict)
	ErrSignerNotParty  = fmt.Errorf("signer may not settle this escrow: %w", apperr.ErrUnauthorized)
)

// State is the lifecycle position of an escrow.
type State string

const (
	StateCreated   State = "CREATED"
	StateLocked    State = "LOCKED"
	StateDelivered State = "DELIVERED"
	StateReleased  State = "RELEASED"
	StateRefunded  State = "REFUNDED"
	StateClosed    State = "CLOSED"
)

// The expiry monitor settles as this signer, with this signature.
const (
	SystemSigner    = "SYSTEM"
	SystemSignature = "AUTOMATIC_TIMEOUT"
)

// Actions named in settlement signatures.
const (
	ActionRelease = "release"
	ActionRefund  = "refund"
)

// Escrow is a buyer's payment for a gig held by the escrow validator.
// OnChainTxHash and DeliveryHash are write-once.
type Escrow struct {
	ID               string      `json:"id"`
	GigID            string      `json:"gig_id"`
	BuyerID          string      `json:"buyer_id"`
	SellerID         string      `json:"seller_id"`
	State            State       `json:"state"`
	Amount           json.Number `json:"amount"`
	ExpiresAt        time.Time   `json:"expires_at"`
	OnChainTxHash    string      `json:"on_chain_tx_hash,omitempty"`
	DeliveryHash     string      `json:"delivery_hash,omitempty"`
	DeliveryMessage  string      `json:"delivery_message,omitempty"`
	SettlementTxHash string      `json:"settlement_tx_hash,omitempty"`
	RefundReason     string      `json:"refund_reason,omitempty"`
	SettledBy        string      `json:"settled_by,omitempty"`
	Version          int64       `json:"version"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// IsTerminal returns true if no further settlement is possible.
func (e *Escrow) IsTerminal() bool {
	switch e.State {
	case StateReleased, StateRefunded, StateClosed:
		return true
	}
	return false
}

// IsParty reports whether userID is the buyer or the seller.
func (e *Escrow) IsParty(userID string) bool {
	return userID == e.BuyerID || userID == e.SellerID
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	// Update replaces the record if its stored version is still
	// expectedVersion, and fails with ErrVersionConflict otherwise.
	Update(ctx context.Context, escrow *Escrow, expectedVersion int64) error
	// ListByUser returns the user's escrows ordered by (created_at, id)
	// descending, starting after the cursor.
	ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Escrow, error)
	// ListExpired returns LOCKED escrows whose expiry is at or before before,
	// ordered by (expires_at, id) and starting after the cursor.
	ListExpired(ctx context.Context, before time.Time, after *pagination.Cursor, limit int) ([]*Escrow, error)
}

// Directory resolves the users and gigs an escrow refers to.
type Directory interface {
	GetUser(ctx context.Context, id string) (*marketplace.User, error)
	GetGig(ctx context.Context, id string) (*marketplace.Gig, error)
}

// ChainAdapter is everything the state machine needs from the chain.
type ChainAdapter interface {
	// BuildLockPayload returns the opaque parameters of the funding
	// transaction for e.
	BuildLockPayload(ctx context.Context, e *Escrow) (json.RawMessage, error)
	// VerifyDeposit checks that txHash funded e.
	VerifyDeposit(ctx context.Context, txHash string, e *Escrow) error
	// SubmitSettlement submits an optional signed settlement transaction and
	// returns its hash ("" when signedTx is empty).
	SubmitSettlement(ctx context.Context, e *Escrow, action, signedTx string) (string, error)
}

// Verifier checks settlement signatures.
type Verifier interface {
	Verify(ctx context.Context, signature, signerID, escrowID, action string) error
}

// Notifier delivers user notifications.
type Notifier interface {
	Notify(ctx context.Context, userID string, typ notification.Type, subject, content string)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	GigID     string      `json:"gig_id" binding:"required"`
	BuyerID   string      `json:"buyer_id" binding:"required"`
	Amount    json.Number `json:"amount" binding:"required"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// CreateResult is a new escrow plus what the buyer needs to fund it.
type CreateResult struct {
	Escrow      *Escrow         `json:"escrow"`
	LockPayload json.RawMessage `json:"lock_payload"`
}

// LockRequest reports the funding transaction.
type LockRequest struct {
	TxHash string `json:"tx_hash" binding:"required"`
}

// DeliverRequest records the delivered work.
type DeliverRequest struct {
	DeliveryHash string `json:"delivery_hash" binding:"required"`
	Message      string `json:"message"`
}

// SettleRequest authorizes a release or refund. SignedTx is an optional
// signed settlement transaction in CBOR hex.
type SettleRequest struct {
	Signature string `json:"signature" binding:"required"`
	SignerID  string `json:"signer_id" binding:"required"`
	SignedTx  string `json:"signed_tx"`
	Reason    string `json:"reason"`
}

// Page is one window of a user's escrows.
type Page struct {
	Escrows    []*Escrow `json:"escrows"`
	NextCursor string    `json:"next_cursor,omitempty"`
	HasMore    bool      `json:"has_more"`
}

// Service implements escrow business logic.
type Service struct {
	store    Store
	dir      Directory
	chain    ChainAdapter
	verifier Verifier
	notifier Notifier
	logger   *slog.Logger
	locks    *syncutil.KeyLock // per-escrow serialization
	now      func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, dir Directory, chain ChainAdapter, verifier Verifier, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		dir:      dir,
		chain:    chain,
		verifier: verifier,
		logger:   logger,
		locks:    syncutil.NewKeyLock(),
		now:      time.Now,
	}
}

// WithNotifier adds a notifier for lifecycle events.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// listBatch is the store page size used when reading a whole list.
const listBatch = 500

// ListByUser returns every escrow where userID is buyer or seller, newest
// first.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*Escrow, error) {
	var (
		all   []*Escrow
		after *pagination.Cursor
	)
	for {
		batch, err := s.store.ListByUser(ctx, userID, after, listBatch)
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

// ListByUserPage returns up to limit of the user's escrows after cursor,
// newest first.
func (s *Service) ListByUserPage(ctx context.Context, userID, cursor string, limit int) (*Page, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	items, err := s.store.ListByUser(ctx, userID, after, limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if items == nil {
		items = []*Escrow{}
	}
	return &Page{Escrows: items, NextCursor: next, HasMore: more}, nil
}

func (s *Service) notify(ctx context.Context, userID string, typ notification.Type, subject, content string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, userID, typ, subject, content)
}
