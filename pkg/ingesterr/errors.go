// Package ingesterr defines the failure taxonomy shared by the chain adapters,
// the ingestion driver and the consumer. Every error that crosses a component
// boundary is either an *Error carrying a Kind or a *ReorgConflictError.
package ingesterr

import (
	"errors"
	"fmt"
)

// Kind tells the pipeline how to react to a failure.
type Kind int

const (
	Unknown Kind = iota
	// TransientNetwork covers timeouts, connection resets and 5xx responses.
	TransientNetwork
	// RateLimited covers HTTP 429 and provider throttling errors.
	RateLimited
	// ProtocolDecode covers malformed provider responses and undecodable messages.
	ProtocolDecode
	// ReorgConflict is a block number collision with a differing hash.
	ReorgConflict
	// ConfigurationFatal ends the driver of a single chain.
	ConfigurationFatal
	// StorageConstraint is any constraint violation other than the expected
	// uniqueness no-ops.
	StorageConstraint
)

func (k Kind) String() string {
	switch k {
	case TransientNetwork:
		return "transient_network"
	case RateLimited:
		return "rate_limited"
	case ProtocolDecode:
		return "protocol_decode"
	case ReorgConflict:
		return "reorg_conflict"
	case ConfigurationFatal:
		return "configuration_fatal"
	case StorageConstraint:
		return "storage_constraint"
	default:
		return "unknown"
	}
}

// Retriable reports whether a unit of work failing with this kind is retried
// with backoff.
func (k Kind) Retriable() bool {
	return k == TransientNetwork || k == RateLimited
}

// ErrRetriesExhausted is wrapped by errors returned after the retry budget of
// a retriable kind has been spent.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind  Kind
	Op    string
	Chain string
	Err   error
}

// New wraps err with kind. A nil err yields a nil *Error.
func New(kind Kind, op, chain string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Chain: chain, Err: err}
}

func (e *Error) Error() string {
	if e.Chain == "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s [%s]: %v", e.Chain, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ReorgConflictError reports that a block height is already stored with a
// different hash. The stored rows are left untouched.
type ReorgConflictError struct {
	Chain        string
	Number       uint64
	StoredHash   string
	IncomingHash string
}

func (e *ReorgConflictError) Error() string {
	return fmt.Sprintf(
		"reorg conflict on %s at block %d: stored hash %s, incoming hash %s",
		e.Chain, e.Number, e.StoredHash, e.IncomingHash,
	)
}

// KindOf returns the Kind attached to err, or Unknown when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var reorg *ReorgConflictError
	if errors.As(err, &reorg) {
		return ReorgConflict
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return Unknown
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
