// Package messages defines the payloads carried on the blocks topic.
package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// Block is a fully hydrated block of one chain. Big integers travel as
// decimal strings so consumers in other languages do not lose precision.
type Block struct {
	Chain           string         `json:"chain"`
	Number          uint64         `json:"number"`
	Hash            string         `json:"hash"`
	ParentHash      string         `json:"parentHash"`
	Timestamp       uint64         `json:"timestamp"`
	Miner           string         `json:"miner"`
	Difficulty      *big.Int       `json:"difficulty"`
	TotalDifficulty *big.Int       `json:"totalDifficulty"`
	GasUsed         uint64         `json:"gasUsed"`
	GasLimit        uint64         `json:"gasLimit"`
	Size            uint64         `json:"size"`
	ReceiptsRoot    string         `json:"receiptsRoot"`
	TxCount         int            `json:"txCount"`
	Transactions    []*Transaction `json:"transactions"`
}

// Transaction is a transaction summary embedded in its Block. To is nil for
// contract creations.
type Transaction struct {
	Hash        string   `json:"hash"`
	BlockNumber uint64   `json:"blockNumber"`
	BlockHash   string   `json:"blockHash"`
	Index       uint64   `json:"transactionIndex"`
	From        string   `json:"from"`
	To          *string  `json:"to"`
	Value       *big.Int `json:"value"`
	GasPrice    *big.Int `json:"gasPrice"`
	Gas         uint64   `json:"gas"`
	Input       string   `json:"input"`
	Nonce       uint64   `json:"nonce"`
}

var (
	errMissingChain = errors.New("missing chain")
	errMissingHash  = errors.New("missing hash")
)

func (b *Block) MarshalJSON() ([]byte, error) {
	type alias Block
	return json.Marshal(&struct {
		*alias
		Difficulty      string `json:"difficulty,omitempty"`
		TotalDifficulty string `json:"totalDifficulty,omitempty"`
	}{
		alias:           (*alias)(b),
		Difficulty:      bigToString(b.Difficulty),
		TotalDifficulty: bigToString(b.TotalDifficulty),
	})
}

func (b *Block) UnmarshalJSON(data []byte) error {
	type alias Block
	aux := &struct {
		*alias
		Difficulty      string `json:"difficulty"`
		TotalDifficulty string `json:"totalDifficulty"`
	}{alias: (*alias)(b)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	var err error
	if b.Difficulty, err = stringToBig("difficulty", aux.Difficulty); err != nil {
		return err
	}
	if b.TotalDifficulty, err = stringToBig("totalDifficulty", aux.TotalDifficulty); err != nil {
		return err
	}
	return nil
}

func (t *Transaction) MarshalJSON() ([]byte, error) {
	type alias Transaction
	return json.Marshal(&struct {
		*alias
		Value    string `json:"value,omitempty"`
		GasPrice string `json:"gasPrice,omitempty"`
	}{
		alias:    (*alias)(t),
		Value:    bigToString(t.Value),
		GasPrice: bigToString(t.GasPrice),
	})
}

func (t *Transaction) UnmarshalJSON(data []byte) error {
	type alias Transaction
	aux := &struct {
		*alias
		Value    string `json:"value"`
		GasPrice string `json:"gasPrice"`
	}{alias: (*alias)(t)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	var err error
	if t.Value, err = stringToBig("value", aux.Value); err != nil {
		return err
	}
	if t.GasPrice, err = stringToBig("gasPrice", aux.GasPrice); err != nil {
		return err
	}
	return nil
}

// Validate checks the invariants the storage schema relies on.
func (b *Block) Validate() error {
	if b.Chain == "" {
		return errMissingChain
	}
	if b.Hash == "" {
		return fmt.Errorf("block %d: %w", b.Number, errMissingHash)
	}
	if b.TxCount != len(b.Transactions) {
		return fmt.Errorf("block %d: tx count %d does not match %d embedded transactions",
			b.Number, b.TxCount, len(b.Transactions))
	}
	for i, tx := range b.Transactions {
		if tx == nil {
			return fmt.Errorf("block %d: transaction %d is nil", b.Number, i)
		}
		if tx.Hash == "" {
			return fmt.Errorf("block %d: transaction %d: %w", b.Number, i, errMissingHash)
		}
		if tx.BlockNumber != b.Number {
			return fmt.Errorf("block %d: transaction %s references block %d", b.Number, tx.Hash, tx.BlockNumber)
		}
		if tx.From == "" {
			return fmt.Errorf("block %d: transaction %s has no sender", b.Number, tx.Hash)
		}
	}
	return nil
}

func bigToString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func stringToBig(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s %q", field, s)
	}
	return v, nil
}
