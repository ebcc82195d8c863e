package cardano

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"golang.org/x/crypto/blake2b"
)

// Shelley address header types (high nibble).
const (
	headerEnterpriseKey    byte = 0x60
	headerEnterpriseScript byte = 0x70
)

// HashSize is the length of key and script hashes (blake2b-224).
const HashSize = 28

// ErrInvalidAddress is returned for malformed or foreign-network addresses.
var ErrInvalidAddress = errors.New("invalid cardano address")

// Address is a decoded enterprise address: a header byte and a single
// payment credential.
type Address struct {
	HRP        string
	Header     byte
	Credential []byte
}

// String encodes the address as bech32.
func (a Address) String() string {
	payload := append([]byte{a.Header}, a.Credential...)
	conv, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(a.HRP, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// IsScript reports whether the payment credential is a script hash.
func (a Address) IsScript() bool {
	return a.Header&0xf0 == headerEnterpriseScript
}

// NetworkID returns the network tag from the header's low nibble.
func (a Address) NetworkID() byte {
	return a.Header & 0x0f
}

// ScriptAddress returns the enterprise address locking funds to scriptHash.
func ScriptAddress(n Network, scriptHash []byte) (Address, error) {
	if len(scriptHash) != HashSize {
		return Address{}, fmt.Errorf("%w: script hash must be %d bytes", ErrInvalidAddress, HashSize)
	}
	return Address{HRP: n.HRP, Header: headerEnterpriseScript | n.ID, Credential: scriptHash}, nil
}

// KeyAddress returns the enterprise address paying to keyHash.
func KeyAddress(n Network, keyHash []byte) (Address, error) {
	if len(keyHash) != HashSize {
		return Address{}, fmt.Errorf("%w: key hash must be %d bytes", ErrInvalidAddress, HashSize)
	}
	return Address{HRP: n.HRP, Header: headerEnterpriseKey | n.ID, Credential: keyHash}, nil
}

// DecodeAddress parses a bech32 enterprise address and checks it belongs to n.
// Base addresses (with a stake part) exceed bech32's 90-character limit and
// are not accepted here.
func DecodeAddress(n Network, s string) (Address, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(payload) != 1+HashSize {
		return Address{}, fmt.Errorf("%w: expected an enterprise address", ErrInvalidAddress)
	}
	a := Address{HRP: hrp, Header: payload[0], Credential: payload[1:]}
	if hrp != n.HRP || a.NetworkID() != n.ID {
		return Address{}, fmt.Errorf("%w: address is not on %s", ErrInvalidAddress, n.Name)
	}
	return a, nil
}

// KeyHash returns blake2b-224 of a verification key, the form in which
// Plutus scripts see a signer.
func KeyHash(verificationKey []byte) []byte {
	h, _ := blake2b.New(HashSize, nil)
	h.Write(verificationKey)
	return h.Sum(nil)
}

// KeyHashHex hashes a hex-encoded verification key.
func KeyHashHex(verificationKeyHex string) ([]byte, error) {
	vk, err := hex.DecodeString(verificationKeyHex)
	if err != nil || len(vk) == 0 {
		return nil, fmt.Errorf("verification key must be hex encoded")
	}
	return KeyHash(vk), nil
}

// DecodeHash parses a hex 28-byte key or script hash. Empty input yields nil.
func DecodeHash(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != HashSize {
		return nil, fmt.Errorf("hash must be %d hex-encoded bytes", HashSize)
	}
	return b, nil
}
