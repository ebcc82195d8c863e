package cardano

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatum_Encoding(t *testing.T) {
	d := Datum{
		Buyer:      bytes.Repeat([]byte{0xaa}, 28),
		Seller:     bytes.Repeat([]byte{0xbb}, 28),
		ExpirySlot: 100,
		EscrowID:   "e1",
	}

	got, err := d.MarshalCBOR()
	require.NoError(t, err)

	want := []byte{0xd8, 0x79, 0x85, 0x58, 0x1c}
	want = append(want, bytes.Repeat([]byte{0xaa}, 28)...)
	want = append(want, 0x58, 0x1c)
	want = append(want, bytes.Repeat([]byte{0xbb}, 28)...)
	want = append(want, 0x40)       // no arbiter
	want = append(want, 0x18, 0x64) // 100
	want = append(want, 0x42, 'e', '1')
	assert.Equal(t, hex.EncodeToString(want), hex.EncodeToString(got))
}

func TestDatum_RoundTripAndHash(t *testing.T) {
	d := Datum{
		Buyer:      bytes.Repeat([]byte{1}, 28),
		Seller:     bytes.Repeat([]byte{2}, 28),
		Arbiter:    bytes.Repeat([]byte{3}, 28),
		ExpirySlot: 98_765_432,
		EscrowID:   "0191d6f2-7c1e-7b4a-9a51-3f2c8d1e0b7a",
	}
	raw, err := d.MarshalCBOR()
	require.NoError(t, err)

	var back Datum
	require.NoError(t, back.UnmarshalCBOR(raw))
	assert.Equal(t, d, back)

	h1, err := d.Hash()
	require.NoError(t, err)
	assert.Len(t, h1, 64)

	d.ExpirySlot++
	h2, _ := d.Hash()
	assert.NotEqual(t, h1, h2)
}

func TestDatum_UnmarshalRejectsOtherConstructors(t *testing.T) {
	var d Datum
	assert.Error(t, d.UnmarshalCBOR([]byte{0xd8, 0x7a, 0x80}))
}

func TestRedeemer(t *testing.T) {
	rel, err := Redeemer(ActionRelease)
	require.NoError(t, err)
	assert.Equal(t, "d87980", hex.EncodeToString(rel))

	ref, err := Redeemer(ActionRefund)
	require.NoError(t, err)
	assert.Equal(t, "d87a80", hex.EncodeToString(ref))

	_, err = Redeemer("split")
	assert.Error(t, err)
}
