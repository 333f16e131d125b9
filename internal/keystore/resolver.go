package keystore

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/chainmail/internal/cryptobox"
)

// DefaultMissTTL is how long a failed remote lookup is remembered.
const DefaultMissTTL = 30 * time.Second

// PeerLister returns the base URLs of known peers.
type PeerLister interface {
	ListPeers(ctx context.Context) ([]string, error)
}

// KeyFetcher asks a single peer for the public key behind hash.
type KeyFetcher interface {
	FetchPublicKey(ctx context.Context, baseURL, hash string) (string, error)
}

// missCache remembers identity hashes that no peer could resolve.
type missCache struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	ttl     time.Duration
}

func newMissCache(ttl time.Duration) *missCache {
	return &missCache{entries: make(map[string]time.Time), ttl: ttl}
}

func (c *missCache) has(hash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exp, ok := c.entries[hash]
	return ok && time.Now().Before(exp)
}

func (c *missCache) set(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hash] = time.Now().Add(c.ttl)
}

func (c *missCache) invalidate(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, hash)
}

// evict removes expired entries and returns how many were dropped.
func (c *missCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	n := 0
	for k, exp := range c.entries {
		if !now.Before(exp) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Resolver finds public keys by identity hash. The local store is consulted
// first; on a miss each peer is asked in turn and the first PEM whose hash
// matches is cached locally.
type Resolver struct {
	local   *FileKeyStore
	peers   PeerLister
	fetcher KeyFetcher
	misses  *missCache
	logger  *zap.Logger
}

// NewResolver creates a Resolver. peers and fetcher may be nil, in which case
// only the local store is used.
func NewResolver(local *FileKeyStore, peers PeerLister, fetcher KeyFetcher, missTTL time.Duration, logger *zap.Logger) *Resolver {
	if missTTL == 0 {
		missTTL = DefaultMissTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		local:   local,
		peers:   peers,
		fetcher: fetcher,
		misses:  newMissCache(missTTL),
		logger:  logger,
	}
}

// Local returns the backing file store.
func (r *Resolver) Local() *FileKeyStore { return r.local }

// LocalPublicKey looks only at the local store.
func (r *Resolver) LocalPublicKey(hash string) (string, error) {
	pem, err := r.local.PublicKey(hash)
	if errors.Is(err, ErrInvalidName) {
		return "", ErrKeyNotFound
	}
	return pem, err
}

// PublicKey resolves hash locally, then remotely. It returns ErrKeyNotFound
// when no source has the key.
func (r *Resolver) PublicKey(ctx context.Context, hash string) (string, error) {
	if !ValidHash(hash) {
		return "", ErrKeyNotFound
	}
	pem, err := r.local.PublicKey(hash)
	if err == nil {
		return pem, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return "", err
	}
	if r.peers == nil || r.fetcher == nil || r.misses.has(hash) {
		return "", ErrKeyNotFound
	}

	peers, err := r.peers.ListPeers(ctx)
	if err != nil {
		r.logger.Warn("list peers for key lookup", zap.Error(err))
		return "", ErrKeyNotFound
	}
	for _, p := range peers {
		remote, err := r.fetcher.FetchPublicKey(ctx, p, hash)
		if err != nil {
			continue
		}
		if cryptobox.PublicKeyHash(remote) != hash {
			r.logger.Warn("peer returned key with wrong hash", zap.String("peer", p), zap.String("hash", hash))
			continue
		}
		if _, err := r.local.PutPublicKey(remote); err != nil {
			r.logger.Warn("cache remote key", zap.String("hash", hash), zap.Error(err))
			continue
		}
		r.misses.invalidate(hash)
		r.logger.Info("public key fetched from peer", zap.String("peer", p), zap.String("hash", hash))
		return remote, nil
	}

	r.misses.set(hash)
	return "", ErrKeyNotFound
}

// EvictMisses drops expired negative entries.
func (r *Resolver) EvictMisses() int {
	return r.misses.evict()
}
