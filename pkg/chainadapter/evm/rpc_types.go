package evm

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ava-labs/evm-ingestor/pkg/ingesterr"
	"github.com/ava-labs/evm-ingestor/pkg/kafka/messages"
)

// errBlockNotFound is returned when the provider answers null for a block
// that is not available yet. It is retried as a transient failure.
var errBlockNotFound = errors.New("block not found")

// rpcBlock mirrors the eth_getBlockByNumber response. Fetching the raw JSON
// instead of a types.Block keeps the provider-reported sender, size and
// total difficulty.
type rpcBlock struct {
	Number          *hexutil.Uint64   `json:"number"`
	Hash            *common.Hash      `json:"hash"`
	ParentHash      common.Hash       `json:"parentHash"`
	Timestamp       hexutil.Uint64    `json:"timestamp"`
	Miner           common.Address    `json:"miner"`
	Difficulty      *hexutil.Big      `json:"difficulty"`
	TotalDifficulty *hexutil.Big      `json:"totalDifficulty"`
	GasUsed         hexutil.Uint64    `json:"gasUsed"`
	GasLimit        hexutil.Uint64    `json:"gasLimit"`
	Size            hexutil.Uint64    `json:"size"`
	ReceiptsRoot    common.Hash       `json:"receiptsRoot"`
	Transactions    []json.RawMessage `json:"transactions"`
}

type rpcTransaction struct {
	Hash             common.Hash     `json:"hash"`
	BlockHash        *common.Hash    `json:"blockHash"`
	BlockNumber      *hexutil.Uint64 `json:"blockNumber"`
	TransactionIndex *hexutil.Uint64 `json:"transactionIndex"`
	From             common.Address  `json:"from"`
	To               *common.Address `json:"to"`
	Value            *hexutil.Big    `json:"value"`
	GasPrice         *hexutil.Big    `json:"gasPrice"`
	Gas              hexutil.Uint64  `json:"gas"`
	Input            hexutil.Bytes   `json:"input"`
	Nonce            hexutil.Uint64  `json:"nonce"`
}

func decodeError(err error) error {
	return ingesterr.New(ingesterr.ProtocolDecode, "decode block", "", err)
}

// decodeBlock converts a raw eth_getBlockByNumber result. With full set the
// transactions are expected as objects, otherwise as hashes and only counted.
func decodeBlock(chain string, raw json.RawMessage, full bool) (*messages.Block, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errBlockNotFound
	}

	var rb rpcBlock
	if err := json.Unmarshal(raw, &rb); err != nil {
		return nil, decodeError(err)
	}
	if rb.Number == nil || rb.Hash == nil {
		return nil, decodeError(errors.New("block without number or hash"))
	}
	number := uint64(*rb.Number)
	hash := rb.Hash.Hex()

	b := &messages.Block{
		Chain:        chain,
		Number:       number,
		Hash:         hash,
		ParentHash:   rb.ParentHash.Hex(),
		Timestamp:    uint64(rb.Timestamp),
		Miner:        rb.Miner.Hex(),
		GasUsed:      uint64(rb.GasUsed),
		GasLimit:     uint64(rb.GasLimit),
		Size:         uint64(rb.Size),
		ReceiptsRoot: rb.ReceiptsRoot.Hex(),
		TxCount:      len(rb.Transactions),
	}
	if rb.Difficulty != nil {
		b.Difficulty = rb.Difficulty.ToInt()
	}
	if rb.TotalDifficulty != nil {
		b.TotalDifficulty = rb.TotalDifficulty.ToInt()
	}
	if !full {
		return b, nil
	}

	b.Transactions = make([]*messages.Transaction, 0, len(rb.Transactions))
	for i, rawTx := range rb.Transactions {
		var tx rpcTransaction
		if err := json.Unmarshal(rawTx, &tx); err != nil {
			return nil, decodeError(fmt.Errorf("block %d transaction %d: %w", number, i, err))
		}
		if tx.BlockNumber != nil && uint64(*tx.BlockNumber) != number {
			return nil, decodeError(fmt.Errorf("block %d transaction %s reports block %d",
				number, tx.Hash.Hex(), uint64(*tx.BlockNumber)))
		}

		mt := &messages.Transaction{
			Hash:        tx.Hash.Hex(),
			BlockNumber: number,
			BlockHash:   hash,
			Index:       uint64(i),
			From:        tx.From.Hex(),
			Gas:         uint64(tx.Gas),
			Input:       tx.Input.String(),
			Nonce:       uint64(tx.Nonce),
		}
		if tx.TransactionIndex != nil {
			mt.Index = uint64(*tx.TransactionIndex)
		}
		if tx.To != nil {
			to := tx.To.Hex()
			mt.To = &to
		}
		if tx.Value != nil {
			mt.Value = tx.Value.ToInt()
		}
		if tx.GasPrice != nil {
			mt.GasPrice = tx.GasPrice.ToInt()
		}
		b.Transactions = append(b.Transactions, mt)
	}
	return b, nil
}
