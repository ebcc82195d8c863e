package chain

import (
	"fmt"
	"strconv"
	"time"
)

// UnitLovelace is the asset unit of ADA in indexer amount lists.
const UnitLovelace = "lovelace"

// Amount is one asset quantity. Quantities are decimal strings.
type Amount struct {
	Unit     string `json:"unit"`
	Quantity string `json:"quantity"`
}

// Lovelace sums the lovelace entries of amounts.
func Lovelace(amounts []Amount) (int64, error) {
	var total int64
	for _, a := range amounts {
		if a.Unit != UnitLovelace {
			continue
		}
		q, err := strconv.ParseInt(a.Quantity, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse lovelace quantity %q: %w", a.Quantity, err)
		}
		total += q
	}
	return total, nil
}

// NetworkInfo is the /network response.
type NetworkInfo struct {
	Supply struct {
		Max         string `json:"max"`
		Total       string `json:"total"`
		Circulating string `json:"circulating"`
		Locked      string `json:"locked"`
	} `json:"supply"`
	Stake struct {
		Live   string `json:"live"`
		Active string `json:"active"`
	} `json:"stake"`
}

// Clock is the chain tip: the latest block's slot and time.
type Clock struct {
	Hash   string `json:"hash"`
	Height int64  `json:"height"`
	Slot   int64  `json:"slot"`
	Epoch  int64  `json:"epoch"`
	Unix   int64  `json:"time"`
}

// Time returns the block time.
func (c Clock) Time() time.Time {
	return time.Unix(c.Unix, 0).UTC()
}

// AddressInfo is the /addresses/{address} response.
type AddressInfo struct {
	Address      string   `json:"address"`
	Amount       []Amount `json:"amount"`
	StakeAddress string   `json:"stake_address"`
	Type         string   `json:"type"`
	Script       bool     `json:"script"`
}

// UTxO is an unspent output held at an address.
type UTxO struct {
	Address             string   `json:"address"`
	TxHash              string   `json:"tx_hash"`
	OutputIndex         int      `json:"output_index"`
	Amount              []Amount `json:"amount"`
	Block               string   `json:"block"`
	DataHash            string   `json:"data_hash,omitempty"`
	InlineDatum         string   `json:"inline_datum,omitempty"`
	ReferenceScriptHash string   `json:"reference_script_hash,omitempty"`
}

// AddressTx is one entry of an address's transaction history.
type AddressTx struct {
	TxHash      string `json:"tx_hash"`
	TxIndex     int    `json:"tx_index"`
	BlockHeight int64  `json:"block_height"`
	BlockTime   int64  `json:"block_time"`
}

// Transaction is the /txs/{hash} response.
type Transaction struct {
	Hash          string   `json:"hash"`
	Block         string   `json:"block"`
	BlockHeight   int64    `json:"block_height"`
	BlockTime     int64    `json:"block_time"`
	Slot          int64    `json:"slot"`
	Index         int      `json:"index"`
	OutputAmount  []Amount `json:"output_amount"`
	Fees          string   `json:"fees"`
	Size          int      `json:"size"`
	UTxOCount     int      `json:"utxo_count"`
	ValidContract bool     `json:"valid_contract"`
}

// Confirmed reports whether the transaction is included in a block.
func (t *Transaction) Confirmed() bool {
	return t.Block != "" && t.BlockHeight > 0
}

// TxIO is one input or output of a transaction.
type TxIO struct {
	Address     string   `json:"address"`
	Amount      []Amount `json:"amount"`
	TxHash      string   `json:"tx_hash,omitempty"`
	OutputIndex int      `json:"output_index"`
	DataHash    string   `json:"data_hash,omitempty"`
	InlineDatum string   `json:"inline_datum,omitempty"`
	Collateral  bool     `json:"collateral"`
}

// TxUTxOs is the /txs/{hash}/utxos response.
type TxUTxOs struct {
	Hash    string `json:"hash"`
	Inputs  []TxIO `json:"inputs"`
	Outputs []TxIO `json:"outputs"`
}

// Script is the /scripts/{hash} response.
type Script struct {
	ScriptHash     string `json:"script_hash"`
	Type           string `json:"type"`
	SerialisedSize int    `json:"serialised_size"`
}
