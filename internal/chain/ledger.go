package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Persister saves a full chain snapshot. Implementations live in
// internal/store.
type Persister interface {
	Save(ctx context.Context, c Chain) error
}

// Store loads and saves full chain snapshots.
type Store interface {
	Persister
	Load(ctx context.Context) (Chain, error)
}

// ErrNoSnapshot is returned by a Store that has nothing saved yet.
var ErrNoSnapshot = errors.New("no chain snapshot")

// Config holds the mining parameters of a Ledger.
type Config struct {
	Difficulty  int
	MaxAttempts uint64
	Now         func() time.Time
}

// DefaultDifficulty is the number of leading zero hex characters required of
// a block hash.
const DefaultDifficulty = 2

// DefaultMaxAttempts bounds a single mining run. At difficulty 2 the expected
// number of attempts is 256, so the admission path never reaches it.
const DefaultMaxAttempts = 50_000_000

// AppendHook is called after a block is committed.
type AppendHook func(b *Block, took time.Duration)

// ReplaceHook is called after the chain is swapped for a longer one.
type ReplaceHook func(oldLen, newLen int)

// Ledger is the single-writer, many-reader owner of a node's chain.
// Append and ReplaceIfLonger hold the write lock for their whole duration,
// including mining, so two appends can never mine on the same parent.
type Ledger struct {
	mu      sync.RWMutex
	chain   Chain
	persist Persister
	cfg     Config
	logger  *zap.Logger

	onAppend  AppendHook
	onReplace ReplaceHook
}

// NewLedger creates a Ledger over c. persist may be nil for an in-memory ledger.
func NewLedger(c Chain, persist Persister, cfg Config, logger *zap.Logger) *Ledger {
	if len(c) == 0 {
		c = New()
	}
	if cfg.Difficulty == 0 {
		cfg.Difficulty = DefaultDifficulty
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{chain: c, persist: persist, cfg: cfg, logger: logger}
}

// LoadLedger restores the chain from s. A missing snapshot starts a
// genesis-only chain. A snapshot that fails validation is loaded anyway and
// logged: reconciliation replaces it with the first longer valid peer chain.
func LoadLedger(ctx context.Context, s Store, cfg Config, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := s.Load(ctx)
	switch {
	case errors.Is(err, ErrNoSnapshot):
		logger.Info("no chain snapshot, starting from genesis")
		c = New()
	case err != nil:
		return nil, fmt.Errorf("load chain: %w", err)
	default:
		if verr := c.Validate(); verr != nil {
			logger.Warn("loaded chain failed validation", zap.Error(verr))
		}
		logger.Info("chain loaded", zap.Int("len", len(c)), zap.String("root", c.Latest().Hash))
	}
	return NewLedger(c, s, cfg, logger), nil
}

// SetAppendHook configures the callback run after each committed block.
func (l *Ledger) SetAppendHook(fn AppendHook) {
	l.onAppend = fn
}

// SetReplaceHook configures the callback run after a wholesale replacement.
func (l *Ledger) SetReplaceHook(fn ReplaceHook) {
	l.onReplace = fn
}

// Snapshot returns the current chain. The returned value is never mutated by
// the ledger and can be read without holding any lock.
func (l *Ledger) Snapshot() Chain {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chain
}

// Len returns the number of blocks, genesis included.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chain)
}

// Latest returns the chain tip.
func (l *Ledger) Latest() *Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chain.Latest()
}

// Difficulty returns the configured mining difficulty.
func (l *Ledger) Difficulty() int {
	return l.cfg.Difficulty
}

// Root returns the hash of the chain tip.
func (l *Ledger) Root() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chain.Latest().Hash
}

// Block returns the block at index.
func (l *Ledger) Block(index int) (*Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.chain) {
		return nil, fmt.Errorf("%w: index %d", ErrBlockNotFound, index)
	}
	return l.chain[index], nil
}

// Verify validates the current chain.
func (l *Ledger) Verify() error {
	return l.Snapshot().Validate()
}

// Append mines txs into a new block and persists the extended chain.
func (l *Ledger) Append(ctx context.Context, txs []Transaction) (*Block, error) {
	return l.AppendChecked(ctx, txs, nil)
}

// AppendChecked runs check against the current chain under the write lock and
// only mines when it passes. Callers use it for checks that must be atomic
// with the append, such as duplicate detection.
func (l *Ledger) AppendChecked(ctx context.Context, txs []Transaction, check func(Chain) error) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if check != nil {
		if err := check(l.chain); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	next, block, err := l.chain.Append(ctx, txs, MineOptions{
		Difficulty:  l.cfg.Difficulty,
		MaxAttempts: l.cfg.MaxAttempts,
		Now:         l.cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	took := time.Since(start)

	if l.persist != nil {
		if err := l.persist.Save(ctx, next); err != nil {
			return nil, fmt.Errorf("persist chain: %w", err)
		}
	}
	l.chain = next

	l.logger.Debug("block mined",
		zap.Int("index", block.Index),
		zap.Uint64("nonce", block.Nonce),
		zap.String("hash", block.Hash),
		zap.Duration("took", took),
	)
	if l.onAppend != nil {
		l.onAppend(block, took)
	}
	return block, nil
}

// ReplaceIfLonger swaps in candidate when it is strictly longer than the
// current chain and structurally valid. The comparison is made against the
// chain as it is under the write lock, so a block appended while the
// candidate was being fetched is never silently dropped for a shorter chain.
// The new chain is persisted before it becomes visible.
func (l *Ledger) ReplaceIfLonger(ctx context.Context, candidate Chain) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(candidate) <= len(l.chain) {
		return false, nil
	}
	if err := candidate.Validate(); err != nil {
		return false, nil
	}

	if l.persist != nil {
		if err := l.persist.Save(ctx, candidate); err != nil {
			return false, fmt.Errorf("persist chain: %w", err)
		}
	}

	oldLen := len(l.chain)
	l.chain = candidate
	l.logger.Info("chain replaced",
		zap.Int("old_len", oldLen),
		zap.Int("new_len", len(candidate)),
		zap.String("root", candidate.Latest().Hash),
	)
	if l.onReplace != nil {
		l.onReplace(oldLen, len(candidate))
	}
	return true, nil
}
