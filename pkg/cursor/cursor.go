// Package cursor tracks, per chain, the last block acknowledged by the topic.
//
// A Cursor is a plain value owned by its chain's driver. Persistence goes
// through a Store so that restarts resume after the last produced block.
package cursor

import (
	"context"
	"errors"
	"fmt"
)

var ErrOutOfOrder = errors.New("cursor advanced out of order")

// Store persists cursors. Implementations must never move a stored cursor
// backwards.
type Store interface {
	// Initialize prepares the backing storage. It is idempotent.
	Initialize(ctx context.Context) error
	// Read returns the stored position for chain. exists is false when
	// nothing was produced for the chain yet.
	Read(ctx context.Context, chain string) (last uint64, exists bool, err error)
	// Write records last as the position of chain unless a higher one is
	// already stored.
	Write(ctx context.Context, chain string, last uint64) error
	// Delete forgets the position of chain.
	Delete(ctx context.Context, chain string) error
}

// Cursor is the position of one chain. The zero value of a chain's cursor
// (Empty) means no block has been produced and the next block is 0.
type Cursor struct {
	chain string
	last  uint64
	set   bool
}

// Empty returns a cursor of a chain with no produced block.
func Empty(chain string) Cursor {
	return Cursor{chain: chain}
}

// At returns a cursor whose last produced block is last.
func At(chain string, last uint64) Cursor {
	return Cursor{chain: chain, last: last, set: true}
}

// Before returns a cursor whose next block is next.
func Before(chain string, next uint64) Cursor {
	if next == 0 {
		return Empty(chain)
	}
	return At(chain, next-1)
}

func (c Cursor) Chain() string {
	return c.chain
}

// Last returns the last produced block, if any.
func (c Cursor) Last() (uint64, bool) {
	return c.last, c.set
}

// Next returns the number of the next block to produce.
func (c Cursor) Next() uint64 {
	if !c.set {
		return 0
	}
	return c.last + 1
}

// Covers reports whether block n was already produced.
func (c Cursor) Covers(n uint64) bool {
	return c.set && n <= c.last
}

// Advance returns the cursor moved to n. Only the next block is accepted.
func (c Cursor) Advance(n uint64) (Cursor, error) {
	if n != c.Next() {
		return c, fmt.Errorf("%w: chain %s next is %d, got %d", ErrOutOfOrder, c.chain, c.Next(), n)
	}
	return At(c.chain, n), nil
}

func (c Cursor) String() string {
	if !c.set {
		return c.chain + "@-"
	}
	return fmt.Sprintf("%s@%d", c.chain, c.last)
}

// Load reads the stored cursor of chain.
func Load(ctx context.Context, store Store, chain string) (Cursor, bool, error) {
	last, ok, err := store.Read(ctx, chain)
	if err != nil {
		return Empty(chain), false, fmt.Errorf("read cursor of %s: %w", chain, err)
	}
	if !ok {
		return Empty(chain), false, nil
	}
	return At(chain, last), true, nil
}
