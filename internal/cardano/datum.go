package cardano

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// Plutus Constr n is CBOR tag 121+n for n in 0..6.
const constrTagBase = 121

// Action selects the spending redeemer of the escrow validator.
type Action string

const (
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
)

// constructor index of each redeemer in the validator.
func (a Action) constructor() (uint64, error) {
	switch a {
	case ActionRelease:
		return 0, nil
	case ActionRefund:
		return 1, nil
	default:
		return 0, fmt.Errorf("unknown escrow action %q", a)
	}
}

// Datum is the inline datum attached to the script output that locks an
// escrow's funds:
//
//	Constr 0 [buyer_pkh, seller_pkh, arbiter_pkh, expiry_slot, escrow_id]
type Datum struct {
	Buyer      []byte
	Seller     []byte
	Arbiter    []byte
	ExpirySlot int64
	EscrowID   string
}

func constr(n uint64, fields ...any) cbor.Tag {
	if fields == nil {
		fields = []any{}
	}
	return cbor.Tag{Number: constrTagBase + n, Content: fields}
}

func bytesOrEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// MarshalCBOR encodes the datum as Plutus data.
func (d Datum) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(constr(0,
		bytesOrEmpty(d.Buyer),
		bytesOrEmpty(d.Seller),
		bytesOrEmpty(d.Arbiter),
		d.ExpirySlot,
		[]byte(d.EscrowID),
	))
}

// UnmarshalCBOR decodes Plutus data produced by MarshalCBOR.
func (d *Datum) UnmarshalCBOR(data []byte) error {
	var tag cbor.RawTag
	if err := cbor.Unmarshal(data, &tag); err != nil {
		return err
	}
	if tag.Number != constrTagBase {
		return fmt.Errorf("datum: expected constructor 0, got tag %d", tag.Number)
	}
	var fields []cbor.RawMessage
	if err := cbor.Unmarshal(tag.Content, &fields); err != nil {
		return err
	}
	if len(fields) != 5 {
		return fmt.Errorf("datum: expected 5 fields, got %d", len(fields))
	}
	var id []byte
	for i, dst := range []any{&d.Buyer, &d.Seller, &d.Arbiter, &d.ExpirySlot, &id} {
		if err := cbor.Unmarshal(fields[i], dst); err != nil {
			return fmt.Errorf("datum field %d: %w", i, err)
		}
	}
	d.EscrowID = string(id)
	return nil
}

// Hex returns the CBOR encoding in hex, as indexers report inline datums.
func (d Datum) Hex() (string, error) {
	b, err := d.MarshalCBOR()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Hash returns blake2b-256 of the CBOR encoding in hex, as indexers report
// datum hashes.
func (d Datum) Hash() (string, error) {
	b, err := d.MarshalCBOR()
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Redeemer returns the CBOR-encoded redeemer for action.
func Redeemer(action Action) ([]byte, error) {
	n, err := action.constructor()
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(constr(n))
}
