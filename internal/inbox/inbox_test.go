package inbox_test

import (
	"context"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/chainmail/internal/chain"
	"github.com/jmerrifield20/chainmail/internal/cryptobox"
	"github.com/jmerrifield20/chainmail/internal/inbox"
	"github.com/jmerrifield20/chainmail/internal/keystore"
)

var (
	keyOnce        sync.Once
	alice, bob     *rsa.PrivateKey
	aliceHash      string
	bobHash        string
	aliceKeyLookup mapResolver
)

type mapResolver map[string]string

func (m mapResolver) PublicKey(_ context.Context, hash string) (string, error) {
	if pem, ok := m[hash]; ok {
		return pem, nil
	}
	return "", keystore.ErrKeyNotFound
}

func setup(t *testing.T) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if alice, err = cryptobox.GenerateKey(0); err != nil {
			t.Fatal(err)
		}
		if bob, err = cryptobox.GenerateKey(0); err != nil {
			t.Fatal(err)
		}
		alicePEM := cryptobox.EncodePublicKey(&alice.PublicKey)
		aliceHash = cryptobox.PublicKeyHash(alicePEM)
		bobHash = cryptobox.PublicKeyHash(cryptobox.EncodePublicKey(&bob.PublicKey))
		aliceKeyLookup = mapResolver{aliceHash: alicePEM}
	})
}

func message(t *testing.T, text string, at time.Time) chain.Transaction {
	t.Helper()
	tx, err := cryptobox.BuildTransaction(alice, aliceHash, &bob.PublicKey, bobHash, text, at)
	if err != nil {
		t.Fatal(err)
	}
	return tx
}

func appendTx(t *testing.T, c chain.Chain, txs ...chain.Transaction) chain.Chain {
	t.Helper()
	next, _, err := c.Append(context.Background(), txs, chain.MineOptions{Difficulty: 1})
	if err != nil {
		t.Fatal(err)
	}
	return next
}

func TestReader_decryptsAndVerifies(t *testing.T) {
	setup(t)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	c := appendTx(t, chain.New(), message(t, "first", now))
	c = appendTx(t, c, message(t, "second", now.Add(time.Second)))

	r := inbox.NewReader(bobHash, bob, aliceKeyLookup)
	msgs, last := r.Read(context.Background(), c, 0)
	if len(msgs) != 2 || last != 2 {
		t.Fatalf("expected 2 messages up to block 2, got %d/%d", len(msgs), last)
	}
	if msgs[0].Text != "first" || msgs[1].Text != "second" {
		t.Errorf("unexpected texts: %q %q", msgs[0].Text, msgs[1].Text)
	}
	if !msgs[0].Verified || msgs[0].From != aliceHash || msgs[0].BlockIndex != 1 {
		t.Errorf("unexpected message: %+v", msgs[0])
	}

	// Reading again from the returned index yields nothing new.
	if again, _ := r.Read(context.Background(), c, last); len(again) != 0 {
		t.Errorf("expected no new messages, got %d", len(again))
	}
}

func TestReader_cursorFollowsPosition(t *testing.T) {
	setup(t)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	c := appendTx(t, chain.New(), message(t, "first", now))
	c = appendTx(t, c, message(t, "second", now.Add(time.Second)))

	// A served chain whose stored indexes disagree with their positions.
	skewed := chain.Chain{c[0], c[1], c[2]}
	b := *c[2]
	b.Index = 0
	skewed[2] = &b

	r := inbox.NewReader(bobHash, bob, aliceKeyLookup)
	msgs, last := r.Read(context.Background(), skewed, 0)
	if last != 2 {
		t.Fatalf("cursor: got %d, want 2", last)
	}
	if len(msgs) != 2 || msgs[1].BlockIndex != 2 {
		t.Errorf("unexpected messages: %+v", msgs)
	}
	if again, next := r.Read(context.Background(), skewed, last); len(again) != 0 || next != last {
		t.Errorf("rescan: %d messages, cursor %d", len(again), next)
	}
}

func TestReader_deduplicatesAcrossRescans(t *testing.T) {
	setup(t)
	c := appendTx(t, chain.New(), message(t, "once", time.Now()))
	r := inbox.NewReader(bobHash, bob, nil)

	first, _ := r.Read(context.Background(), c, 0)
	second, _ := r.Read(context.Background(), c, 0)
	if len(first) != 1 || len(second) != 0 {
		t.Errorf("expected one delivery, got %d then %d", len(first), len(second))
	}
	if first[0].Verified {
		t.Error("message must not be verified without a key resolver")
	}
}

func TestReader_ignoresOtherRecipients(t *testing.T) {
	setup(t)
	c := appendTx(t, chain.New(), message(t, "for bob", time.Now()))
	msgs, last := inbox.NewReader(aliceHash, alice, nil).Read(context.Background(), c, 0)
	if len(msgs) != 0 || last != 1 {
		t.Errorf("expected no messages for alice, got %d (last=%d)", len(msgs), last)
	}
}

func TestReader_decryptionFailureIsPerMessage(t *testing.T) {
	setup(t)
	broken := message(t, "garbled", time.Now())
	broken.EncryptedKey = "AAAA"
	good := message(t, "fine", time.Now().Add(time.Second))
	c := appendTx(t, chain.New(), broken, good)

	msgs, _ := inbox.NewReader(bobHash, bob, aliceKeyLookup).Read(context.Background(), c, 0)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if !errors.Is(msgs[0].Err, cryptobox.ErrDecrypt) || msgs[0].Text != "" {
		t.Errorf("expected decrypt failure, got %+v", msgs[0])
	}
	if msgs[1].Err != nil || msgs[1].Text != "fine" {
		t.Errorf("second message affected: %+v", msgs[1])
	}
}

func TestReader_unknownSenderNotVerified(t *testing.T) {
	setup(t)
	c := appendTx(t, chain.New(), message(t, "hi", time.Now()))
	msgs, _ := inbox.NewReader(bobHash, bob, mapResolver{}).Read(context.Background(), c, 0)
	if len(msgs) != 1 || msgs[0].Verified || msgs[0].Text != "hi" {
		t.Errorf("unexpected message: %+v", msgs)
	}
}
