package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/gigvault/escrowd/internal/ada"
	"github.com/gigvault/escrowd/internal/apperr"
	"github.com/gigvault/escrowd/internal/idgen"
	"github.com/gigvault/escrowd/internal/logging"
	"github.com/gigvault/escrowd/internal/marketplace"
	"github.com/gigvault/escrowd/internal/metrics"
	"github.com/gigvault/escrowd/internal/notification"
	"github.com/gigvault/escrowd/internal/traces"
	"github.com/gigvault/escrowd/internal/validation"
)

// errSkip aborts a transition without reporting an error.
var errSkip = errors.New("skip")

// Create opens a new escrow in CREATED and returns it with the lock payload.
// Nothing is persisted when validation or payload construction fails.
func (s *Service) Create(ctx context.Context, req CreateRequest) (res *CreateResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.UserID(req.BuyerID))
	defer func() { s.finish(span, "create", err) }()

	// Postgres keeps microseconds; the record must read back as written.
	now := s.now().UTC().Truncate(time.Microsecond)
	expiresAt := req.ExpiresAt.UTC().Truncate(time.Microsecond)
	if errs := validation.Validate(
		validation.Required("gig_id", req.GigID),
		validation.Required("buyer_id", req.BuyerID),
		validation.Required("amount", req.Amount.String()),
		validation.PositiveAmount("amount", req.Amount.String()),
		validation.FutureTime("expires_at", expiresAt, now),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", apperr.ErrInvalidArgument, errs.Error())
	}
	lovelace, _ := ada.ParsePositive(req.Amount.String())

	gig, err := s.dir.GetGig(ctx, req.GigID)
	if err != nil {
		return nil, err
	}
	if _, err := s.dir.GetUser(ctx, req.BuyerID); err != nil {
		return nil, err
	}
	if gig.SellerID == req.BuyerID {
		return nil, fmt.Errorf("%w: buyer cannot purchase their own gig", apperr.ErrInvalidArgument)
	}

	e := &Escrow{
		ID:        idgen.New(),
		GigID:     gig.ID,
		BuyerID:   req.BuyerID,
		SellerID:  gig.SellerID,
		State:     StateCreated,
		Amount:    json.Number(ada.Format(lovelace)),
		ExpiresAt: expiresAt,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	span.SetAttributes(traces.EscrowID(e.ID), traces.Amount(e.Amount.String()))

	payload, err := s.chain.BuildLockPayload(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("build lock payload: %w", err)
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StateCreated)).Inc()

	s.notify(ctx, e.SellerID, notification.TypeEscrowCreated, "New Escrow Created",
		fmt.Sprintf("A new escrow has been created for your gig %q with amount %s ADA.", gig.Title, e.Amount))

	return &CreateResult{Escrow: e, LockPayload: payload}, nil
}

// Lock moves a CREATED escrow to LOCKED once the chain confirms txHash
// funded it. On any failure the escrow is unchanged. The deposit is verified
// before the escrow's lock is taken. It reads only fields that never change,
// so the transition re-checks just the state.
func (s *Service) Lock(ctx context.Context, id, txHash string) (e *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Lock", traces.EscrowID(id), traces.TxHash(txHash))
	defer func() { s.finish(span, "lock", err) }()

	if txHash == "" {
		return nil, fmt.Errorf("%w: tx_hash is required", apperr.ErrInvalidArgument)
	}

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State != StateCreated {
		return nil, fmt.Errorf("%w: cannot lock an escrow in state %s", ErrInvalidState, current.State)
	}
	if err := s.chain.VerifyDeposit(ctx, txHash, current); err != nil {
		return nil, err
	}

	e, err = s.transition(ctx, id, func(e *Escrow) error {
		if e.State != StateCreated {
			return fmt.Errorf("%w: cannot lock an escrow in state %s", ErrInvalidState, e.State)
		}
		e.OnChainTxHash = txHash
		e.State = StateLocked
		return nil
	})
	if err != nil {
		return nil, err
	}

	title := s.gigTitle(ctx, e.GigID)
	s.notify(ctx, e.BuyerID, notification.TypeEscrowLocked, "Escrow Locked",
		fmt.Sprintf("Your escrow for gig %q has been locked on the blockchain.", title))
	s.notify(ctx, e.SellerID, notification.TypeEscrowLocked, "Escrow Locked",
		fmt.Sprintf("The escrow for your gig %q has been locked. You can now start working.", title))
	return e, nil
}

// Deliver records the seller's delivery on a LOCKED escrow.
func (s *Service) Deliver(ctx context.Context, id string, req DeliverRequest) (e *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Deliver", traces.EscrowID(id))
	defer func() { s.finish(span, "deliver", err) }()

	hash := validation.SanitizeString(req.DeliveryHash, 512)
	if hash == "" {
		return nil, fmt.Errorf("%w: delivery_hash is required", apperr.ErrInvalidArgument)
	}
	msg := validation.SanitizeString(req.Message, validation.MaxStringLength)

	e, err = s.transition(ctx, id, func(e *Escrow) error {
		if e.State != StateLocked {
			return fmt.Errorf("%w: cannot deliver an escrow in state %s", ErrInvalidState, e.State)
		}
		e.DeliveryHash = hash
		e.DeliveryMessage = msg
		e.State = StateDelivered
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, e.BuyerID, notification.TypeEscrowDelivered, "Work Delivered",
		fmt.Sprintf("Your work for escrow %q has been delivered. Please review and release payment.", e.ID))
	return e, nil
}

// Release pays a DELIVERED escrow out to the seller. The signer must be the
// buyer or an arbiter and must have signed the release of this escrow.
func (s *Service) Release(ctx context.Context, id string, req SettleRequest) (*Escrow, error) {
	return s.settle(ctx, id, ActionRelease, req, false)
}

// Refund returns a LOCKED or DELIVERED escrow to the buyer. The signer must
// be the buyer, the seller or an arbiter and must have signed the refund of
// this escrow.
func (s *Service) Refund(ctx context.Context, id string, req SettleRequest) (*Escrow, error) {
	return s.settle(ctx, id, ActionRefund, req, false)
}

// ReleaseAsArbiter is Release on behalf of a dispute ruling.
func (s *Service) ReleaseAsArbiter(ctx context.Context, id, arbiterID, signature string) (*Escrow, error) {
	return s.settle(ctx, id, ActionRelease, SettleRequest{Signature: signature, SignerID: arbiterID}, true)
}

// RefundAsArbiter is Refund on behalf of a dispute ruling.
func (s *Service) RefundAsArbiter(ctx context.Context, id, arbiterID, signature, reason string) (*Escrow, error) {
	return s.settle(ctx, id, ActionRefund, SettleRequest{Signature: signature, SignerID: arbiterID, Reason: reason}, true)
}

func (s *Service) settle(ctx context.Context, id, action string, req SettleRequest, arbiterOnly bool) (e *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+action, traces.EscrowID(id), traces.UserID(req.SignerID))
	defer func() { s.finish(span, action, err) }()

	if req.SignerID == SystemSigner {
		return nil, fmt.Errorf("%w: %s settlements are reserved for the expiry monitor", apperr.ErrUnauthorized, SystemSigner)
	}
	if req.Signature == "" || req.SignerID == "" {
		return nil, fmt.Errorf("%w: signature and signer_id are required", apperr.ErrInvalidArgument)
	}

	e, err = s.transition(ctx, id, func(e *Escrow) error {
		if !settleableFrom(action, e.State) {
			return fmt.Errorf("%w: cannot %s an escrow in state %s", ErrInvalidState, action, e.State)
		}
		if err := s.authorizeSigner(ctx, e, action, req.SignerID, arbiterOnly); err != nil {
			return err
		}
		if err := s.verifier.Verify(ctx, req.Signature, req.SignerID, e.ID, action); err != nil {
			return err
		}
		settlementTx, err := s.chain.SubmitSettlement(ctx, e, action, req.SignedTx)
		if err != nil {
			return err
		}

		e.SettlementTxHash = settlementTx
		e.SettledBy = req.SignerID
		if action == ActionRelease {
			e.State = StateReleased
		} else {
			e.State = StateRefunded
			e.RefundReason = validation.SanitizeString(req.Reason, validation.MaxStringLength)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifySettled(ctx, e)
	return e, nil
}

// ExpireRefund refunds an escrow that expired while LOCKED, as SYSTEM and
// without a signature. It reports false when the escrow is no longer
// eligible, which makes concurrent sweeps harmless.
func (s *Service) ExpireRefund(ctx context.Context, id string) (refunded bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ExpireRefund", traces.EscrowID(id))
	defer func() { s.finish(span, "expire", err) }()

	e, err := s.transition(ctx, id, func(e *Escrow) error {
		if e.State != StateLocked || e.ExpiresAt.After(s.now()) {
			return errSkip
		}
		settlementTx, err := s.chain.SubmitSettlement(ctx, e, ActionRefund, "")
		if err != nil {
			return err
		}
		e.SettlementTxHash = settlementTx
		e.SettledBy = SystemSigner
		e.RefundReason = "escrow expired before delivery"
		e.State = StateRefunded
		return nil
	})
	if errors.Is(err, errSkip) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	metrics.ExpiryRefundsTotal.Inc()
	s.notifySettled(ctx, e)
	return true, nil
}

func settleableFrom(action string, st State) bool {
	switch action {
	case ActionRelease:
		return st == StateDelivered
	case ActionRefund:
		return st == StateLocked || st == StateDelivered
	}
	return false
}

// authorizeSigner checks who may sign: the buyer may release or refund, the
// seller may only refund, and an arbiter who is not a party may do either.
func (s *Service) authorizeSigner(ctx context.Context, e *Escrow, action, signerID string, arbiterOnly bool) error {
	if !arbiterOnly {
		if signerID == e.BuyerID {
			return nil
		}
		if action == ActionRefund && signerID == e.SellerID {
			return nil
		}
	}
	if e.IsParty(signerID) {
		return ErrSignerNotParty
	}
	u, err := s.dir.GetUser(ctx, signerID)
	if errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("signer %s is not registered: %w", signerID, apperr.ErrUnauthorized)
	}
	if err != nil {
		return err
	}
	if u.Role != marketplace.RoleArbiter {
		return ErrSignerNotParty
	}
	return nil
}

// transition runs fn on a fresh copy of the escrow under the per-escrow
// lock and persists the result conditioned on the version it read.
func (s *Service) transition(ctx context.Context, id string, fn func(e *Escrow) error) (*Escrow, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := e.State
	expected := e.Version

	if err := fn(e); err != nil {
		return nil, err
	}

	e.Version = expected + 1
	e.UpdatedAt = s.now().UTC().Truncate(time.Microsecond)
	if err := s.store.Update(ctx, e, expected); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(e.State)).Inc()
	if e.IsTerminal() {
		metrics.EscrowDuration.Observe(e.UpdatedAt.Sub(e.CreatedAt).Seconds())
	}
	logging.L(ctx).Info("escrow transition",
		"escrowId", e.ID, "from", from, "to", e.State, "version", e.Version)
	return e, nil
}

func (s *Service) notifySettled(ctx context.Context, e *Escrow) {
	switch e.State {
	case StateReleased:
		s.notify(ctx, e.SellerID, notification.TypeEscrowReleased, "Payment Released",
			fmt.Sprintf("Payment for escrow %q has been released to your wallet.", e.ID))
		s.notify(ctx, e.BuyerID, notification.TypeEscrowReleased, "Payment Released",
			fmt.Sprintf("Payment for escrow %q has been released to the seller.", e.ID))
	case StateRefunded:
		s.notify(ctx, e.BuyerID, notification.TypeEscrowRefunded, "Payment Refunded",
			fmt.Sprintf("Payment for escrow %q has been refunded to your wallet.", e.ID))
		s.notify(ctx, e.SellerID, notification.TypeEscrowRefunded, "Payment Refunded",
			fmt.Sprintf("Payment for escrow %q has been refunded to the buyer.", e.ID))
	}
}

// finish ends span and counts rejected operations by error kind.
func (s *Service) finish(span trace.Span, op string, err error) {
	traces.End(span, err)
	if err != nil {
		metrics.EscrowRejectedTotal.WithLabelValues(op, string(apperr.KindOf(err))).Inc()
	}
}

// gigTitle names a gig for notification text, falling back to its id.
func (s *Service) gigTitle(ctx context.Context, gigID string) string {
	if g, err := s.dir.GetGig(ctx, gigID); err == nil && g.Title != "" {
		return g.Title
	}
	return gigID
}
