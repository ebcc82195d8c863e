package escrow

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gigvault/escrowd/internal/ada"
	"github.com/gigvault/escrowd/internal/apperr"
	"github.com/gigvault/escrowd/internal/cardano"
	"github.com/gigvault/escrowd/internal/signing"
)

// CardanoAdapter is the ChainAdapter backed by the escrow validator.
type CardanoAdapter struct {
	adapter *cardano.Adapter
	dir     Directory
}

// NewCardanoAdapter maps escrow records onto validator lock terms, looking
// up the parties' keys in dir.
func NewCardanoAdapter(adapter *cardano.Adapter, dir Directory) *CardanoAdapter {
	return &CardanoAdapter{adapter: adapter, dir: dir}
}

// BuildLockPayload returns the JSON-encoded cardano.LockPayload for e.
func (a *CardanoAdapter) BuildLockPayload(ctx context.Context, e *Escrow) (json.RawMessage, error) {
	terms, err := a.terms(ctx, e)
	if err != nil {
		return nil, err
	}
	payload, err := a.adapter.BuildLockPayload(terms)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

func (a *CardanoAdapter) VerifyDeposit(ctx context.Context, txHash string, e *Escrow) error {
	terms, err := a.terms(ctx, e)
	if err != nil {
		return err
	}
	return a.adapter.VerifyDeposit(ctx, txHash, terms)
}

func (a *CardanoAdapter) SubmitSettlement(ctx context.Context, e *Escrow, action, signedTx string) (string, error) {
	return a.adapter.SubmitSettlement(ctx, e.ID, cardano.Action(action), signedTx)
}

func (a *CardanoAdapter) terms(ctx context.Context, e *Escrow) (cardano.LockTerms, error) {
	lovelace, ok := ada.Parse(e.Amount.String())
	if !ok || !lovelace.IsInt64() {
		return cardano.LockTerms{}, fmt.Errorf("%w: amount %s is not representable in lovelace",
			apperr.ErrInvalidArgument, e.Amount)
	}
	buyer, err := a.keyHash(ctx, e.BuyerID)
	if err != nil {
		return cardano.LockTerms{}, fmt.Errorf("buyer key: %w", err)
	}
	seller, err := a.keyHash(ctx, e.SellerID)
	if err != nil {
		return cardano.LockTerms{}, fmt.Errorf("seller key: %w", err)
	}
	return cardano.LockTerms{
		EscrowID:      e.ID,
		BuyerKeyHash:  buyer,
		SellerKeyHash: seller,
		Lovelace:      lovelace.Int64(),
		ExpiresAt:     e.ExpiresAt,
	}, nil
}

// keyHash returns the 28-byte hash the validator knows userID by. Ethereum
// keys are hashed from their address bytes.
func (a *CardanoAdapter) keyHash(ctx context.Context, userID string) ([]byte, error) {
	u, err := a.dir.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.KeyType == signing.KeySecp256k1 {
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(u.VerificationKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: malformed address for user %s", apperr.ErrInvalidArgument, userID)
		}
		return cardano.KeyHash(raw), nil
	}
	h, err := cardano.KeyHashHex(u.VerificationKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidArgument, err)
	}
	return h, nil
}

var _ ChainAdapter = (*CardanoAdapter)(nil)
