package keystore_test

import (
	"context"
	"crypto/rsa"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/chainmail/internal/cryptobox"
	"github.com/jmerrifield20/chainmail/internal/keystore"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func key(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if testKey, err = cryptobox.GenerateKey(0); err != nil {
			t.Fatal(err)
		}
	})
	return testKey
}

func newStore(t *testing.T) *keystore.FileKeyStore {
	t.Helper()
	s, err := keystore.NewFileKeyStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFileKeyStore_PutAndGet(t *testing.T) {
	s := newStore(t)
	pem := cryptobox.EncodePublicKey(&key(t).PublicKey)

	hash, err := s.PutPublicKey(pem)
	if err != nil {
		t.Fatal(err)
	}
	if hash != cryptobox.PublicKeyHash(pem) {
		t.Errorf("hash mismatch")
	}
	got, err := s.PublicKey(hash)
	if err != nil {
		t.Fatal(err)
	}
	if got != pem {
		t.Error("stored PEM differs")
	}
}

func TestFileKeyStore_rejectsBadInput(t *testing.T) {
	s := newStore(t)
	if _, err := s.PutPublicKey("not a key"); !errors.Is(err, cryptobox.ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := s.PublicKey("../../etc/passwd"); !errors.Is(err, keystore.ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
	missing := cryptobox.Digest([]byte("nobody"))
	if _, err := s.PublicKey(missing); !errors.Is(err, keystore.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestFileKeyStore_RegisterAndLoad(t *testing.T) {
	s := newStore(t)
	k := key(t)
	pub := cryptobox.EncodePublicKey(&k.PublicKey)
	sealed, err := cryptobox.SealPrivateKey(k, "pw")
	if err != nil {
		t.Fatal(err)
	}

	meta, err := s.Register("alice", pub, sealed, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if meta.PublicHash != cryptobox.PublicKeyHash(pub) {
		t.Errorf("metadata hash mismatch")
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), meta.PublicHash+".pub.pem")); err != nil {
		t.Errorf("hash-addressed key not written: %v", err)
	}

	if _, err := s.Register("alice", pub, sealed, time.Now()); !errors.Is(err, keystore.ErrAlreadyRegistered) {
		t.Errorf("expected ErrAlreadyRegistered, got %v", err)
	}

	id, err := s.LoadIdentity("alice", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if id.Hash != meta.PublicHash || !id.Private.Equal(k) {
		t.Error("loaded identity differs")
	}
	if _, err := s.LoadIdentity("alice", "wrong"); !errors.Is(err, cryptobox.ErrDecrypt) {
		t.Errorf("expected ErrDecrypt, got %v", err)
	}

	m, err := s.Metadata("alice")
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "alice" {
		t.Errorf("metadata name: %q", m.Name)
	}
}

type stubPeers struct {
	urls []string
	err  error
}

func (s stubPeers) ListPeers(context.Context) ([]string, error) { return s.urls, s.err }

type stubFetcher struct {
	mu    sync.Mutex
	keys  map[string]string // peer -> pem
	calls int
}

func (f *stubFetcher) FetchPublicKey(_ context.Context, peer, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	pem, ok := f.keys[peer]
	if !ok {
		return "", errors.New("not found")
	}
	return pem, nil
}

func TestResolver_localFirst(t *testing.T) {
	s := newStore(t)
	pem := cryptobox.EncodePublicKey(&key(t).PublicKey)
	hash, _ := s.PutPublicKey(pem)

	f := &stubFetcher{}
	r := keystore.NewResolver(s, stubPeers{urls: []string{"p1"}}, f, 0, zap.NewNop())
	got, err := r.PublicKey(context.Background(), hash)
	if err != nil || got != pem {
		t.Fatalf("PublicKey: %v", err)
	}
	if f.calls != 0 {
		t.Errorf("peers queried for a local key")
	}
}

func TestResolver_fetchesAndCachesRemote(t *testing.T) {
	s := newStore(t)
	pem := cryptobox.EncodePublicKey(&key(t).PublicKey)
	hash := cryptobox.PublicKeyHash(pem)

	f := &stubFetcher{keys: map[string]string{"p2": pem}}
	r := keystore.NewResolver(s, stubPeers{urls: []string{"p1", "p2"}}, f, 0, zap.NewNop())

	got, err := r.PublicKey(context.Background(), hash)
	if err != nil {
		t.Fatal(err)
	}
	if got != pem {
		t.Error("wrong key")
	}
	if _, err := s.PublicKey(hash); err != nil {
		t.Errorf("remote key not cached locally: %v", err)
	}
}

func TestResolver_rejectsMismatchedRemoteKey(t *testing.T) {
	s := newStore(t)
	pem := cryptobox.EncodePublicKey(&key(t).PublicKey)
	wanted := cryptobox.Digest([]byte("someone else"))

	f := &stubFetcher{keys: map[string]string{"p1": pem}}
	r := keystore.NewResolver(s, stubPeers{urls: []string{"p1"}}, f, 0, zap.NewNop())
	if _, err := r.PublicKey(context.Background(), wanted); !errors.Is(err, keystore.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestResolver_negativeCache(t *testing.T) {
	s := newStore(t)
	f := &stubFetcher{}
	r := keystore.NewResolver(s, stubPeers{urls: []string{"p1"}}, f, time.Minute, zap.NewNop())
	missing := cryptobox.Digest([]byte("ghost"))

	for i := 0; i < 3; i++ {
		if _, err := r.PublicKey(context.Background(), missing); !errors.Is(err, keystore.ErrKeyNotFound) {
			t.Fatalf("expected ErrKeyNotFound, got %v", err)
		}
	}
	if f.calls != 1 {
		t.Errorf("expected 1 remote call, got %d", f.calls)
	}
}

func TestResolver_invalidHash(t *testing.T) {
	r := keystore.NewResolver(newStore(t), nil, nil, 0, zap.NewNop())
	if _, err := r.PublicKey(context.Background(), "../x"); !errors.Is(err, keystore.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestResolver_EvictMisses(t *testing.T) {
	r := keystore.NewResolver(newStore(t), stubPeers{}, &stubFetcher{}, time.Millisecond, zap.NewNop())
	if _, err := r.PublicKey(context.Background(), cryptobox.Digest([]byte("ghost"))); err == nil {
		t.Fatal("expected miss")
	}
	time.Sleep(5 * time.Millisecond)
	if n := r.EvictMisses(); n != 1 {
		t.Errorf("expected 1 eviction, got %d", n)
	}
}
