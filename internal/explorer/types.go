package explorer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Dec is a decimal value carried as a string. The upstream emits wei and gas
// amounts sometimes as JSON strings and sometimes as bare numbers; either way
// we keep the literal text so 256-bit values never pass through a float.
type Dec string

func (d *Dec) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*d = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = Dec(s)
		return nil
	}
	// Bare number: keep the raw literal.
	*d = Dec(data)
	return nil
}

func (d Dec) String() string { return string(d) }

// AddressRef is the upstream's {"id": "0x..."} address wrapper.
type AddressRef struct {
	ID string `json:"id"`
}

// Tx is one item of the list endpoint. Unknown fields are ignored; optional
// fields default to their zero values.
type Tx struct {
	ID                string      `json:"id"`
	TxHash            string      `json:"txHash"`
	ChainID           json.Number `json:"chainId"`
	BlockNumber       int64       `json:"blockNumber"`
	BlockHash         string      `json:"blockHash"`
	Index             int         `json:"index"`
	Timestamp         string      `json:"timestamp"` // ISO-8601
	From              AddressRef  `json:"from"`
	To                *AddressRef `json:"to"`
	Value             Dec         `json:"value"`
	GasLimit          Dec         `json:"gasLimit"`
	GasUsed           Dec         `json:"gasUsed"`
	GasPrice          Dec         `json:"gasPrice"`
	EffectiveGasPrice Dec         `json:"effectiveGasPrice"`
	MaxFeePerGas      Dec         `json:"maxFeePerGas"`
	MaxPriorityFee    Dec         `json:"maxPriorityFeePerGas"`
	BurnedFees        Dec         `json:"burnedFees"`
	L1GasUsed         Dec         `json:"l1GasUsed"`
	L1GasPrice        Dec         `json:"l1GasPrice"`
	L1Fee             Dec         `json:"l1Fee"`
	MethodID          string      `json:"methodId"`
	Method            string      `json:"method"`
	Status            bool        `json:"status"`
	Nonce             uint64      `json:"nonce"`
	Type              int         `json:"type"`
	Input             string      `json:"input"`
}

// Hash returns txHash, falling back to the item id. Empty means the item is
// unusable and must be skipped.
func (t *Tx) Hash() string {
	if t.TxHash != "" {
		return t.TxHash
	}
	return t.ID
}

// ParsedTimestamp parses the ISO-8601 timestamp field.
func (t *Tx) ParsedTimestamp() (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, t.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", t.Timestamp, err)
	}
	return ts, nil
}

// Page is the list endpoint response envelope. Pagination terminates when
// Link.NextToken is empty.
type Page struct {
	Items []Tx `json:"items"`
	Count int  `json:"count"`
	Link  struct {
		NextToken string `json:"nextToken"`
	} `json:"link"`
}

// TxDetail is the per-hash detail response: the list fields plus logs and
// internal operations. Both arrays stay structured JSON end to end.
type TxDetail struct {
	Tx
	ContractVerified bool            `json:"contractVerified"`
	Logs             json.RawMessage `json:"logs"`
	Operations       json.RawMessage `json:"operations"`
}
