// Package chain implements the append-only message ledger.
//
// A Chain is an ordered list of mined blocks that starts with a fixed genesis
// block whose Hash is GenesisHash (64 hex zeros). Every later block records
// the hash of its predecessor and carries a proof-of-work nonce, so any edit
// to history is detectable via Validate.
//
// Ledger wraps a Chain as the single owned state object of a node: one writer
// (append or wholesale replacement) at a time, any number of readers.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyChain is returned when validating a chain with no blocks.
	ErrEmptyChain = errors.New("chain is empty")
	// ErrGenesisMismatch is returned when block 0 is not the shared genesis block.
	ErrGenesisMismatch = errors.New("genesis block mismatch")
	// ErrHashMismatch is returned when a block's stored hash differs from its recomputed hash.
	ErrHashMismatch = errors.New("block hash does not match contents")
	// ErrBrokenLink is returned when a block's previousHash differs from its predecessor's hash.
	ErrBrokenLink = errors.New("hash chain broken")
	// ErrIndexMismatch is returned when a block's index differs from its position.
	ErrIndexMismatch = errors.New("block index does not match position")
	// ErrNilBlock is returned when a chain contains a null entry.
	ErrNilBlock = errors.New("nil block")
	// ErrMiningExhausted is returned when Mine hits its attempt cap.
	ErrMiningExhausted = errors.New("mining attempts exhausted")
	// ErrInvalidDifficulty is returned for difficulties outside [0, MaxDifficulty].
	ErrInvalidDifficulty = errors.New("invalid difficulty")
	// ErrBlockNotFound is returned when a block index is out of range.
	ErrBlockNotFound = errors.New("block not found")
)

// Chain is an ordered sequence of blocks. A Chain value is treated as
// immutable: Append returns a new slice and never writes into shared backing
// storage, so a Chain handed to a reader stays stable.
type Chain []*Block

// New returns a genesis-only chain.
func New() Chain {
	return Chain{Genesis()}
}

// Latest returns the last block, or nil for an empty chain.
func (c Chain) Latest() *Block {
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

// MineOptions controls block construction.
type MineOptions struct {
	Difficulty  int
	MaxAttempts uint64           // 0 = unbounded
	Now         func() time.Time // defaults to time.Now
}

// Append mines a new block holding txs on top of c and returns the extended
// chain together with the new block. c itself is left untouched.
func (c Chain) Append(ctx context.Context, txs []Transaction, opts MineOptions) (Chain, *Block, error) {
	prev := c.Latest()
	if prev == nil {
		return nil, nil, ErrEmptyChain
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	block := &Block{
		Index:        len(c),
		Timestamp:    FormatTimestamp(now()),
		Transactions: append([]Transaction(nil), txs...),
		PreviousHash: prev.Hash,
	}
	if block.Transactions == nil {
		block.Transactions = []Transaction{}
	}
	if err := block.Mine(ctx, opts.Difficulty, opts.MaxAttempts); err != nil {
		return nil, nil, fmt.Errorf("mine block %d: %w", block.Index, err)
	}

	next := make(Chain, len(c), len(c)+1)
	copy(next, c)
	next = append(next, block)
	return next, block, nil
}

// Validate walks the chain and checks that block 0 is the shared genesis
// block and that every later block's hash matches its contents, its index
// matches its position and it links to its predecessor. Signatures are not re-verified: structural validity says
// nothing about payload authenticity.
func (c Chain) Validate() error {
	if len(c) == 0 {
		return ErrEmptyChain
	}
	if !IsGenesis(c[0]) {
		return ErrGenesisMismatch
	}
	for i := 1; i < len(c); i++ {
		curr, prev := c[i], c[i-1]
		if curr == nil {
			return fmt.Errorf("%w at index %d", ErrNilBlock, i)
		}
		if curr.Hash != ComputeHash(curr) {
			return fmt.Errorf("%w at index %d", ErrHashMismatch, i)
		}
		if curr.Index != i {
			return fmt.Errorf("%w: block %d at position %d", ErrIndexMismatch, curr.Index, i)
		}
		if curr.PreviousHash != prev.Hash {
			return fmt.Errorf("%w at index %d", ErrBrokenLink, i)
		}
	}
	return nil
}

// IsStructurallyValid reports whether c passes Validate. A chain whose links
// and hashes are all consistent is still rejected when it starts from a
// different genesis block.
func IsStructurallyValid(c Chain) bool {
	return c.Validate() == nil
}

// ContainsTx reports whether any block already holds a transaction from
// senderHash with the given timestamp. That pair is the de-duplication key.
func (c Chain) ContainsTx(senderHash, timestamp string) bool {
	for _, b := range c {
		if b == nil {
			continue
		}
		for _, tx := range b.Transactions {
			if tx.SenderHash == senderHash && tx.Timestamp == timestamp {
				return true
			}
		}
	}
	return false
}
