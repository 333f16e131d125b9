package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/chainmail/internal/chain"
	"github.com/jmerrifield20/chainmail/internal/discovery"
)

// SyncHook is called after every sync pass.
type SyncHook func(res Result, took time.Duration)

// Syncer runs reconciliation passes against a node's ledger.
type Syncer struct {
	ledger *chain.Ledger
	peers  discovery.Lister
	fetch  Fetcher
	self   string
	opts   Options
	logger *zap.Logger
	onSync SyncHook
}

// NewSyncer creates a Syncer. selfURL is excluded from the peer list so a
// node never fetches its own chain.
func NewSyncer(ledger *chain.Ledger, peers discovery.Lister, fetch Fetcher, selfURL string, opts Options, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		ledger: ledger,
		peers:  peers,
		fetch:  fetch,
		self:   discovery.NormalizeURL(selfURL),
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// SetSyncHook configures the callback run after each pass.
func (s *Syncer) SetSyncHook(fn SyncHook) {
	s.onSync = fn
}

// Sync lists peers, picks the best candidate chain and hands it to the
// ledger, which re-checks length and validity under its write lock. A
// discovery failure is logged and reported as "not replaced".
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	start := time.Now()

	peers, err := s.peers.ListPeers(ctx)
	if err != nil {
		s.logger.Warn("sync: could not list peers", zap.Error(err))
		res := Result{Chain: s.ledger.Snapshot()}
		s.finish(res, start)
		return res, nil
	}
	peers = s.withoutSelf(peers)

	local := s.ledger.Snapshot()
	res := Reconcile(ctx, local, peers, s.fetch, s.opts, s.logger)
	if !res.Replaced {
		s.finish(res, start)
		return res, nil
	}

	replaced, err := s.ledger.ReplaceIfLonger(ctx, res.Chain)
	if err != nil {
		s.logger.Error("sync: replace chain", zap.String("peer", res.Source), zap.Error(err))
		return Result{Chain: s.ledger.Snapshot(), Skipped: res.Skipped}, err
	}
	if !replaced {
		// The local chain grew while peers were being fetched.
		res.Replaced = false
		res.Chain = s.ledger.Snapshot()
		res.Source = ""
	} else {
		s.logger.Info("sync: adopted peer chain",
			zap.String("peer", res.Source),
			zap.Int("old_len", len(local)),
			zap.Int("new_len", len(res.Chain)),
		)
	}
	s.finish(res, start)
	return res, nil
}

func (s *Syncer) finish(res Result, start time.Time) {
	if s.onSync != nil {
		s.onSync(res, time.Since(start))
	}
}

func (s *Syncer) withoutSelf(peers []string) []string {
	if s.self == "" {
		return peers
	}
	out := peers[:0:0]
	for _, p := range peers {
		if discovery.NormalizeURL(p) != s.self {
			out = append(out, p)
		}
	}
	return out
}
