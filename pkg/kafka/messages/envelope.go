package messages

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	// KindBlockWithTransactions is the only message kind on the blocks topic.
	KindBlockWithTransactions = "block_with_transactions"
	// EnvelopeVersion is bumped on incompatible payload changes.
	EnvelopeVersion = 1

	// Kafka header names set by the producer.
	HeaderChain = "chain"
	HeaderKind  = "kind"
)

// Envelope wraps a payload with routing metadata. The ID is derived from the
// block identity so a republished block carries the same ID.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Version int             `json:"version"`
	Chain   string          `json:"chain"`
	TS      time.Time       `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

// NewBlockEnvelope serializes b into an envelope of KindBlockWithTransactions.
func NewBlockEnvelope(b *Block, now time.Time) (*Envelope, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal block %d: %w", b.Number, err)
	}
	return &Envelope{
		ID:      BlockID(b.Chain, b.Number, b.Hash),
		Kind:    KindBlockWithTransactions,
		Version: EnvelopeVersion,
		Chain:   b.Chain,
		TS:      now.UTC(),
		Data:    data,
	}, nil
}

// BlockID is a name-based UUID of (chain, number, hash).
func BlockID(chain string, number uint64, hash string) string {
	name := chain + ":" + strconv.FormatUint(number, 10) + ":" + hash
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Open decodes a raw topic message.
func Open(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Marshal encodes the envelope for the topic.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Block decodes the payload of a block envelope and checks it is consistent
// with the envelope metadata.
func (e *Envelope) Block() (*Block, error) {
	if e.Kind != KindBlockWithTransactions {
		return nil, fmt.Errorf("unexpected message kind %q", e.Kind)
	}
	if e.Version != EnvelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", e.Version)
	}
	var b Block
	if err := json.Unmarshal(e.Data, &b); err != nil {
		return nil, fmt.Errorf("unmarshal block: %w", err)
	}
	if b.Chain != e.Chain {
		return nil, fmt.Errorf("envelope chain %q does not match block chain %q", e.Chain, b.Chain)
	}
	return &b, nil
}
