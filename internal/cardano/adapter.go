package cardano

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gigvault/escrowd/internal/apperr"
	"github.com/gigvault/escrowd/internal/chain"
	"github.com/gigvault/escrowd/internal/traces"
)

// Indexer is the subset of the chain client the adapter needs.
type Indexer interface {
	Transaction(ctx context.Context, hash string) (*chain.Transaction, error)
	TransactionUTxOs(ctx context.Context, hash string) (*chain.TxUTxOs, error)
	SubmitTransaction(ctx context.Context, cborHex string) (string, error)
}

// Config describes the deployed escrow validator.
type Config struct {
	Network string
	// ScriptAddress is the bech32 validator address. When empty it is
	// derived from ScriptHash.
	ScriptAddress string
	ScriptHash    string
	// ArbiterKeyHash is placed in every datum so the validator accepts the
	// platform arbiter's signature.
	ArbiterKeyHash string
	MinUTxO        int64
	// RequireDepositMatch makes VerifyDeposit look for a script output
	// carrying the expected value and datum.
	RequireDepositMatch bool
}

// LockTerms are the escrow facts that go on chain.
type LockTerms struct {
	EscrowID      string
	BuyerKeyHash  []byte
	SellerKeyHash []byte
	Lovelace      int64
	ExpiresAt     time.Time
}

// LockPayload is what a buyer's wallet needs to build the funding transaction.
type LockPayload struct {
	EscrowID      string            `json:"escrow_id"`
	Network       string            `json:"network"`
	ScriptAddress string            `json:"script_address,omitempty"`
	Lovelace      int64             `json:"lovelace"`
	ExpirySlot    int64             `json:"expiry_slot"`
	DatumCBOR     string            `json:"datum_cbor"`
	DatumHash     string            `json:"datum_hash"`
	Redeemers     map[Action]string `json:"redeemers"`
}

// ContractInfo describes the validator for clients.
type ContractInfo struct {
	Network        string `json:"network"`
	ScriptAddress  string `json:"script_address,omitempty"`
	ScriptHash     string `json:"script_hash,omitempty"`
	ArbiterKeyHash string `json:"arbiter_key_hash,omitempty"`
	MinUTxO        int64  `json:"min_utxo_lovelace"`
	DepositMatch   bool   `json:"deposit_match_required"`
}

// Adapter bridges escrow records and the chain.
type Adapter struct {
	net          Network
	script       string
	scriptHash   string
	arbiter      []byte
	minUTxO      int64
	requireMatch bool
	indexer      Indexer
}

// NewAdapter validates cfg and returns an Adapter backed by indexer.
func NewAdapter(cfg Config, indexer Indexer) (*Adapter, error) {
	net, err := NetworkByName(cfg.Network)
	if err != nil {
		return nil, err
	}
	arbiter, err := DecodeHash(cfg.ArbiterKeyHash)
	if err != nil {
		return nil, fmt.Errorf("arbiter key hash: %w", err)
	}

	a := &Adapter{
		net:          net,
		scriptHash:   cfg.ScriptHash,
		arbiter:      arbiter,
		minUTxO:      cfg.MinUTxO,
		requireMatch: cfg.RequireDepositMatch,
		indexer:      indexer,
	}

	switch {
	case cfg.ScriptAddress != "":
		addr, err := DecodeAddress(net, cfg.ScriptAddress)
		if err != nil {
			return nil, fmt.Errorf("escrow contract address: %w", err)
		}
		if !addr.IsScript() {
			return nil, fmt.Errorf("escrow contract address: %w: payment part is not a script", ErrInvalidAddress)
		}
		if cfg.ScriptHash != "" && hex.EncodeToString(addr.Credential) != cfg.ScriptHash {
			return nil, errors.New("escrow contract address does not match script hash")
		}
		a.script = cfg.ScriptAddress
		a.scriptHash = hex.EncodeToString(addr.Credential)
	case cfg.ScriptHash != "":
		hash, err := DecodeHash(cfg.ScriptHash)
		if err != nil {
			return nil, fmt.Errorf("escrow script hash: %w", err)
		}
		addr, err := ScriptAddress(net, hash)
		if err != nil {
			return nil, err
		}
		a.script = addr.String()
	}
	return a, nil
}

// Network returns the adapter's network parameters.
func (a *Adapter) Network() Network { return a.net }

// MinUTxO is the smallest lovelace value a script output may carry.
func (a *Adapter) MinUTxO() int64 { return a.minUTxO }

// Info describes the configured validator.
func (a *Adapter) Info() ContractInfo {
	return ContractInfo{
		Network:        a.net.Name,
		ScriptAddress:  a.script,
		ScriptHash:     a.scriptHash,
		ArbiterKeyHash: hex.EncodeToString(a.arbiter),
		MinUTxO:        a.minUTxO,
		DepositMatch:   a.requireMatch,
	}
}

// Datum returns the lock datum for t.
func (a *Adapter) Datum(t LockTerms) Datum {
	return Datum{
		Buyer:      t.BuyerKeyHash,
		Seller:     t.SellerKeyHash,
		Arbiter:    a.arbiter,
		ExpirySlot: a.net.SlotAt(t.ExpiresAt),
		EscrowID:   t.EscrowID,
	}
}

// BuildLockPayload returns the parameters of the funding transaction for t.
func (a *Adapter) BuildLockPayload(t LockTerms) (*LockPayload, error) {
	if t.Lovelace < a.minUTxO {
		return nil, fmt.Errorf("amount of %d lovelace is below the minimum UTxO value of %d: %w",
			t.Lovelace, a.minUTxO, apperr.ErrInvalidArgument)
	}
	d := a.Datum(t)
	datumHex, err := d.Hex()
	if err != nil {
		return nil, fmt.Errorf("encode datum: %w", err)
	}
	datumHash, err := d.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash datum: %w", err)
	}

	redeemers := make(map[Action]string, 2)
	for _, act := range []Action{ActionRelease, ActionRefund} {
		r, err := Redeemer(act)
		if err != nil {
			return nil, err
		}
		redeemers[act] = hex.EncodeToString(r)
	}

	return &LockPayload{
		EscrowID:      t.EscrowID,
		Network:       a.net.Name,
		ScriptAddress: a.script,
		Lovelace:      t.Lovelace,
		ExpirySlot:    d.ExpirySlot,
		DatumCBOR:     datumHex,
		DatumHash:     datumHash,
		Redeemers:     redeemers,
	}, nil
}

// VerifyDeposit checks that txHash is a confirmed, script-valid transaction
// and, when deposit matching is on, that it pays at least t.Lovelace to the
// validator with the expected datum.
//
// Negative answers wrap apperr.ErrVerificationFailed. An unreachable indexer
// wraps both ErrVerificationFailed and apperr.ErrChainUnavailable.
func (a *Adapter) VerifyDeposit(ctx context.Context, txHash string, t LockTerms) (err error) {
	ctx, span := traces.StartSpan(ctx, "cardano.VerifyDeposit", traces.EscrowID(t.EscrowID), traces.TxHash(txHash))
	defer func() { traces.End(span, err) }()

	tx, err := a.indexer.Transaction(ctx, txHash)
	if errors.Is(err, chain.ErrNotFound) {
		return fmt.Errorf("transaction %s not found: %w", txHash, apperr.ErrVerificationFailed)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrVerificationFailed, err)
	}
	if !tx.ValidContract {
		return fmt.Errorf("transaction %s failed script validation: %w", txHash, apperr.ErrVerificationFailed)
	}
	if !tx.Confirmed() {
		return fmt.Errorf("transaction %s is not yet in a block: %w", txHash, apperr.ErrVerificationFailed)
	}

	if !a.requireMatch || a.script == "" {
		return nil
	}

	utxos, err := a.indexer.TransactionUTxOs(ctx, txHash)
	if errors.Is(err, chain.ErrNotFound) {
		return fmt.Errorf("outputs of %s not found: %w", txHash, apperr.ErrVerificationFailed)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrVerificationFailed, err)
	}

	d := a.Datum(t)
	datumHex, err := d.Hex()
	if err != nil {
		return fmt.Errorf("encode datum: %w", err)
	}
	datumHash, err := d.Hash()
	if err != nil {
		return fmt.Errorf("hash datum: %w", err)
	}

	for _, out := range utxos.Outputs {
		if out.Address != a.script || out.Collateral {
			continue
		}
		paid, err := chain.Lovelace(out.Amount)
		if err != nil || paid < t.Lovelace {
			continue
		}
		if out.InlineDatum == datumHex || out.DataHash == datumHash {
			return nil
		}
	}
	return fmt.Errorf("transaction %s has no output paying %d lovelace with the escrow datum to %s: %w",
		txHash, t.Lovelace, a.script, apperr.ErrVerificationFailed)
}

// SubmitSettlement forwards a signed settlement transaction (CBOR hex) to
// the indexer and returns its hash. An empty signedTx submits nothing and
// returns "".
func (a *Adapter) SubmitSettlement(ctx context.Context, escrowID string, action Action, signedTx string) (hash string, err error) {
	if _, err := action.constructor(); err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrInvalidArgument, err)
	}
	if signedTx == "" {
		return "", nil
	}
	ctx, span := traces.StartSpan(ctx, "cardano.SubmitSettlement", traces.EscrowID(escrowID))
	defer func() { traces.End(span, err) }()

	hash, err = a.indexer.SubmitTransaction(ctx, signedTx)
	if err != nil {
		if errors.Is(err, apperr.ErrChainSubmission) || errors.Is(err, apperr.ErrInvalidArgument) {
			return "", err
		}
		// Whether or not the node saw it, the settlement was not accepted.
		return "", fmt.Errorf("%w: %w", apperr.ErrChainSubmission, err)
	}
	return hash, nil
}
