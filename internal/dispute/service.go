package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/gigvault/escrowd/internal/apperr"
	"github.com/gigvault/escrowd/internal/escrow"
	"github.com/gigvault/escrowd/internal/idgen"
	"github.com/gigvault/escrowd/internal/logging"
	"github.com/gigvault/escrowd/internal/metrics"
	"github.com/gigvault/escrowd/internal/notification"
	"github.com/gigvault/escrowd/internal/traces"
	"github.com/gigvault/escrowd/internal/validation"
)

// Open files a dispute against a LOCKED or DELIVERED escrow on behalf of
// one of its parties. An escrow can carry at most one dispute, whatever
// that dispute's status.
func (s *Service) Open(ctx context.Context, req OpenRequest) (d *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open",
		traces.EscrowID(req.EscrowID), traces.UserID(req.ComplainantID))
	defer func() { traces.End(span, err) }()

	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	if req.EscrowID == "" || req.ComplainantID == "" || reason == "" {
		return nil, fmt.Errorf("%w: escrow_id, reason and complainant_id are required", apperr.ErrInvalidArgument)
	}

	unlock, err := s.escrowMu.Lock(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.escrows.Get(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(req.ComplainantID) {
		return nil, ErrNotParty
	}
	if e.State != escrow.StateLocked && e.State != escrow.StateDelivered {
		return nil, fmt.Errorf("%w: disputes can only be opened for LOCKED or DELIVERED escrows, escrow is %s",
			ErrInvalidState, e.State)
	}
	existing, err := s.store.ListByEscrow(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ErrDisputeExists
	}

	now := s.now().UTC()
	d = &Dispute{
		ID:            idgen.New(),
		EscrowID:      e.ID,
		ComplainantID: req.ComplainantID,
		Status:        StatusOpen,
		Reason:        reason,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	span.SetAttributes(traces.DisputeID(d.ID))

	// A dispute without an arbiter is still a dispute; any arbiter may
	// pick it up from the open list.
	arbiter, err := s.arbiters.Assign(ctx, e.BuyerID, e.SellerID)
	if err != nil {
		logging.L(ctx).Warn("arbiter assignment failed", "escrowId", e.ID, "error", err)
	} else {
		d.AssignedArbiterID = arbiter
	}

	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues(string(StatusOpen)).Inc()
	logging.L(ctx).Info("dispute opened",
		"disputeId", d.ID, "escrowId", e.ID, "complainant", d.ComplainantID, "arbiter", d.AssignedArbiterID)

	content := fmt.Sprintf("A dispute has been opened for escrow %q. Reason: %s", e.ID, reason)
	s.notify(ctx, e.BuyerID, notification.TypeDisputeOpened, "Dispute Opened", content)
	s.notify(ctx, e.SellerID, notification.TypeDisputeOpened, "Dispute Opened", content)
	s.notify(ctx, d.AssignedArbiterID, notification.TypeDisputeAssigned, "Dispute Assigned",
		fmt.Sprintf("You have been assigned the dispute for escrow %q. Reason: %s", e.ID, reason))
	return d, nil
}

// Resolve applies an arbiter's ruling: the escrow is released or refunded
// with the arbiter as signer, and the dispute becomes RESOLVED. If the
// escrow cannot be settled the dispute stays OPEN.
func (s *Service) Resolve(ctx context.Context, id string, req ResolveRequest) (d *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(id), traces.UserID(req.ArbiterID))
	defer func() { traces.End(span, err) }()

	if !req.Outcome.Valid() {
		return nil, fmt.Errorf("%w: outcome must be %s or %s",
			apperr.ErrInvalidArgument, OutcomeReleaseToSeller, OutcomeRefundToBuyer)
	}
	if req.ArbiterID == "" || req.Signature == "" {
		return nil, fmt.Errorf("%w: arbiter_id and signature are required", apperr.ErrInvalidArgument)
	}

	unlock, err := s.disputeMu.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: dispute is %s, not OPEN", ErrInvalidState, d.Status)
	}

	ok, err := s.arbiters.IsArbiter(ctx, req.ArbiterID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotArbiter
	}
	if d.AssignedArbiterID != "" && d.AssignedArbiterID != req.ArbiterID {
		return nil, ErrNotAssigned
	}

	e, err := s.escrows.Get(ctx, d.EscrowID)
	if err != nil {
		return nil, err
	}
	if e.IsParty(req.ArbiterID) {
		return nil, ErrConflictInterest
	}

	if !settledBy(e, req.Outcome, req.ArbiterID) {
		switch req.Outcome {
		case OutcomeReleaseToSeller:
			e, err = s.escrows.ReleaseAsArbiter(ctx, e.ID, req.ArbiterID, req.Signature)
		case OutcomeRefundToBuyer:
			e, err = s.escrows.RefundAsArbiter(ctx, e.ID, req.ArbiterID, req.Signature,
				"Dispute resolved: "+d.Reason)
		}
		if err != nil {
			return nil, err
		}
	}

	expected := d.Version
	now := s.now().UTC()
	d.Status = StatusResolved
	d.ArbiterID = req.ArbiterID
	d.Resolution = req.Outcome
	d.ResolvedAt = &now
	d.UpdatedAt = now
	d.Version = expected + 1
	if err := s.store.Update(ctx, d, expected); err != nil {
		// The escrow is settled; a retry of this ruling finishes the record.
		logging.L(ctx).Error("escrow settled but dispute not recorded",
			"disputeId", d.ID, "escrowId", e.ID, "error", err)
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues(string(StatusResolved)).Inc()
	logging.L(ctx).Info("dispute resolved",
		"disputeId", d.ID, "escrowId", e.ID, "arbiter", d.ArbiterID, "outcome", d.Resolution)

	content := fmt.Sprintf("Dispute for escrow %q has been resolved. Outcome: %s", e.ID, req.Outcome)
	s.notify(ctx, e.BuyerID, notification.TypeDisputeResolved, "Dispute Resolved", content)
	s.notify(ctx, e.SellerID, notification.TypeDisputeResolved, "Dispute Resolved", content)
	return d, nil
}

// settledBy reports whether e already carries arbiterID's ruling, which
// happens when a previous Resolve settled the escrow but failed to record
// the dispute.
func settledBy(e *escrow.Escrow, outcome Outcome, arbiterID string) bool {
	if e.SettledBy != arbiterID {
		return false
	}
	switch outcome {
	case OutcomeReleaseToSeller:
		return e.State == escrow.StateReleased
	case OutcomeRefundToBuyer:
		return e.State == escrow.StateRefunded
	}
	return false
}

// Close archives a RESOLVED dispute.
func (s *Service) Close(ctx context.Context, id string) (d *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Close", traces.DisputeID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := s.disputeMu.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusResolved {
		return nil, fmt.Errorf("%w: only resolved disputes can be closed", ErrInvalidState)
	}

	expected := d.Version
	d.Status = StatusClosed
	d.UpdatedAt = s.now().UTC()
	d.Version = expected + 1
	if err := s.store.Update(ctx, d, expected); err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues(string(StatusClosed)).Inc()
	return d, nil
}

// isNotFound is shared by the directory implementations.
func isNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}
