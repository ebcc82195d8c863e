// Package idgen provides time-ordered, opaque, globally unique identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 string. The leading 48 bits carry the creation time
// in milliseconds, so ids sort by creation order.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Time extracts the creation time embedded in an id produced by New.
// ok is false for ids that are not version 7 UUIDs.
func Time(id string) (t time.Time, ok bool) {
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec), true
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
