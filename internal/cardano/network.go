// Package cardano builds and checks the on-chain side of an escrow: script
// addresses, party key hashes, the Plutus lock datum, deposit verification
// and settlement submission.
package cardano

import (
	"fmt"
	"time"
)

// Network holds the per-network constants needed to derive addresses and
// convert wall-clock time to slots.
type Network struct {
	Name string
	// ID is the address network tag: 0 for test networks, 1 for mainnet.
	ID  byte
	HRP string

	zeroTime   int64 // unix ms of ZeroSlot
	zeroSlot   int64
	slotLength int64 // ms
}

var networks = map[string]Network{
	"mainnet": {Name: "mainnet", ID: 1, HRP: "addr", zeroTime: 1596059091000, zeroSlot: 4492800, slotLength: 1000},
	"preprod": {Name: "preprod", ID: 0, HRP: "addr_test", zeroTime: 1655683200000, zeroSlot: 0, slotLength: 1000},
	"preview": {Name: "preview", ID: 0, HRP: "addr_test", zeroTime: 1666656000000, zeroSlot: 0, slotLength: 1000},
}

// NetworkByName returns the parameters of a named network.
func NetworkByName(name string) (Network, error) {
	n, ok := networks[name]
	if !ok {
		return Network{}, fmt.Errorf("unknown cardano network %q", name)
	}
	return n, nil
}

// SlotAt returns the slot containing t. Times before the Shelley zero point
// clamp to the zero slot.
func (n Network) SlotAt(t time.Time) int64 {
	ms := t.UnixMilli() - n.zeroTime
	if ms < 0 {
		return n.zeroSlot
	}
	return n.zeroSlot + ms/n.slotLength
}

// TimeAt returns the start time of slot.
func (n Network) TimeAt(slot int64) time.Time {
	return time.UnixMilli(n.zeroTime + (slot-n.zeroSlot)*n.slotLength).UTC()
}
