// Package reconcile implements longest-valid-chain adoption. A node fetches
// the chains of its peers and replaces its own chain wholesale with the
// longest structurally valid one that is strictly longer. Chains are never
// merged block by block.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/chainmail/internal/chain"
)

var (
	// ErrPeerUnreachable is recorded when a peer's chain could not be fetched.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrPeerChainInvalid is recorded when a longer peer chain fails validation.
	ErrPeerChainInvalid = errors.New("peer chain invalid")
)

const (
	// DefaultConcurrency bounds the number of peer fetches in flight.
	DefaultConcurrency = 8
	// DefaultPeerTimeout bounds a single peer fetch.
	DefaultPeerTimeout = 5 * time.Second
)

// Fetcher downloads a peer's chain.
type Fetcher interface {
	FetchChain(ctx context.Context, baseURL string) (chain.Chain, error)
}

// PeerError records why a peer was skipped.
type PeerError struct {
	Peer string
	Err  error
}

func (e PeerError) Error() string { return fmt.Sprintf("%s: %v", e.Peer, e.Err) }

func (e PeerError) Unwrap() error { return e.Err }

// Candidate is a fetched peer chain, or the error from fetching it.
type Candidate struct {
	Peer  string
	Chain chain.Chain
	Err   error
}

// Result is the outcome of one reconciliation pass.
type Result struct {
	// Replaced is true when a peer chain was chosen over the local one.
	Replaced bool
	// Chain is the chosen chain; the local chain when Replaced is false.
	Chain chain.Chain
	// Source is the peer the chosen chain came from.
	Source  string
	Skipped []PeerError
}

// Options tunes Reconcile.
type Options struct {
	Concurrency int
	PeerTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.PeerTimeout <= 0 {
		o.PeerTimeout = DefaultPeerTimeout
	}
	return o
}

// Evaluate walks candidates in order and keeps the best chain so far: a
// candidate wins when it is strictly longer than the current best and
// structurally valid. Ties go to the earlier candidate.
func Evaluate(local chain.Chain, candidates []Candidate, logger *zap.Logger) Result {
	if logger == nil {
		logger = zap.NewNop()
	}
	res := Result{Chain: local}
	for _, c := range candidates {
		if c.Err != nil {
			logger.Warn("sync: peer unreachable", zap.String("peer", c.Peer), zap.Error(c.Err))
			res.Skipped = append(res.Skipped, PeerError{Peer: c.Peer, Err: fmt.Errorf("%w: %v", ErrPeerUnreachable, c.Err)})
			continue
		}
		if len(c.Chain) <= len(res.Chain) {
			continue
		}
		if err := c.Chain.Validate(); err != nil {
			logger.Warn("sync: peer chain invalid", zap.String("peer", c.Peer), zap.Error(err))
			res.Skipped = append(res.Skipped, PeerError{Peer: c.Peer, Err: fmt.Errorf("%w: %v", ErrPeerChainInvalid, err)})
			continue
		}
		res.Chain = c.Chain
		res.Source = c.Peer
		res.Replaced = true
	}
	return res
}

// Fetch downloads every peer's chain concurrently with bounded parallelism.
// The returned candidates are in the same order as peers.
func Fetch(ctx context.Context, peers []string, fetch Fetcher, opts Options) []Candidate {
	opts = opts.withDefaults()
	out := make([]Candidate, len(peers))

	sem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup

	for i, p := range peers {
		wg.Add(1)
		go func(i int, peer string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			pctx, cancel := context.WithTimeout(ctx, opts.PeerTimeout)
			defer cancel()

			c, err := fetch.FetchChain(pctx, peer)
			out[i] = Candidate{Peer: peer, Chain: c, Err: err}
		}(i, p)
	}

	wg.Wait()
	return out
}

// Reconcile fetches every peer and evaluates them in listing order against
// local. Per-peer failures are recorded in Result.Skipped and never abort the
// pass.
func Reconcile(ctx context.Context, local chain.Chain, peers []string, fetch Fetcher, opts Options, logger *zap.Logger) Result {
	return Evaluate(local, Fetch(ctx, peers, fetch, opts), logger)
}
