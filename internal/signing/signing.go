// Package signing verifies that a settlement request was signed by the
// party it names.
//
// The signed message is "gigvault|<action>|<escrow_id>". Two key schemes are
// accepted: raw ed25519 signatures (Cardano wallet keys) and EIP-191
// personal_sign signatures over secp256k1, verified against the signer's
// registered address.
package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gigvault/escrowd/internal/apperr"
)

// KeyType names a signature scheme.
type KeyType string

const (
	KeyEd25519   KeyType = "ed25519"
	KeySecp256k1 KeyType = "secp256k1"
)

// Valid reports whether k is a supported scheme.
func (k KeyType) Valid() bool {
	return k == KeyEd25519 || k == KeySecp256k1
}

// ErrInvalidSignature is returned when a signature does not verify.
var ErrInvalidSignature = fmt.Errorf("invalid signature: %w", apperr.ErrUnauthorized)

// Key is a signer's registered verification key. For ed25519 Material is
// the 32-byte public key in hex; for secp256k1 it is the 0x address.
type Key struct {
	Type     KeyType
	Material string
}

// KeyResolver looks up a user's verification key. Unknown users return an
// error wrapping apperr.ErrNotFound.
type KeyResolver interface {
	VerificationKey(ctx context.Context, userID string) (Key, error)
}

// Message returns the canonical text a signer signs for action on escrowID.
func Message(action, escrowID string) string {
	return "gigvault|" + action + "|" + escrowID
}

// Verifier checks settlement signatures against registered keys.
type Verifier struct {
	keys KeyResolver
}

// NewVerifier creates a Verifier.
func NewVerifier(keys KeyResolver) *Verifier {
	return &Verifier{keys: keys}
}

// Verify checks that signature was produced by signerID over
// Message(action, escrowID). It returns nil on success and an error wrapping
// apperr.ErrUnauthorized when the signature, the key or the signer is bad.
func (v *Verifier) Verify(ctx context.Context, signature, signerID, escrowID, action string) error {
	key, err := v.keys.VerificationKey(ctx, signerID)
	if errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("signer %s is not registered: %w", signerID, apperr.ErrUnauthorized)
	}
	if err != nil {
		return fmt.Errorf("resolve signer key: %w", err)
	}
	if key.Material == "" {
		return fmt.Errorf("signer %s has no verification key: %w", signerID, apperr.ErrUnauthorized)
	}
	return VerifyWith(key, Message(action, escrowID), signature)
}

// VerifyWith checks signature over message with key.
func VerifyWith(key Key, message, signature string) error {
	switch key.Type {
	case KeyEd25519:
		return verifyEd25519(key.Material, message, signature)
	case KeySecp256k1:
		return verifyEIP191(key.Material, message, signature)
	default:
		return fmt.Errorf("unsupported key type %q: %w", key.Type, apperr.ErrUnauthorized)
	}
}

func verifyEd25519(pubHex, message, sigHex string) error {
	pub, err := hex.DecodeString(strings.TrimPrefix(pubHex, "0x"))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("malformed ed25519 key: %w", apperr.ErrUnauthorized)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(pub, []byte(message), sig) {
		return ErrInvalidSignature
	}
	return nil
}

// HashMessage returns the EIP-191 personal_sign digest of message.
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress returns the lower-case 0x address that produced a 65-byte
// r||s||v signature over message.
func RecoverAddress(message, sigHex string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	// Wallets emit v as 27/28; Ecrecover wants 0/1.
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubBytes, err := crypto.Ecrecover(HashMessage(message), sig)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return "", fmt.Errorf("unmarshal public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

func verifyEIP191(address, message, sigHex string) error {
	recovered, err := RecoverAddress(message, sigHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !strings.EqualFold(recovered, address) {
		return ErrInvalidSignature
	}
	return nil
}
