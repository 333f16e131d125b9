package chain_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/chainmail/internal/chain"
)

var ctx = context.Background()

func sampleTx(sender, ts string) chain.Transaction {
	return chain.Transaction{
		SenderHash:       sender,
		RecipientHash:    "bob",
		Timestamp:        ts,
		EncryptedMessage: "ciphertext",
		EncryptedKey:     "wrapped-key",
		IV:               "iv",
		Signature:        "sig",
	}
}

func mustAppend(t *testing.T, c chain.Chain, txs ...chain.Transaction) chain.Chain {
	t.Helper()
	next, _, err := c.Append(ctx, txs, chain.MineOptions{Difficulty: 1})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return next
}

func TestNew_genesisOnly(t *testing.T) {
	c := chain.New()
	if len(c) != 1 {
		t.Fatalf("expected 1 block, got %d", len(c))
	}
	g := c[0]
	if g.Hash != chain.GenesisHash {
		t.Errorf("genesis hash: got %q", g.Hash)
	}
	if g.PreviousHash != "0" || g.Nonce != 0 || g.Index != 0 {
		t.Errorf("unexpected genesis fields: %+v", g)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() on genesis-only chain should pass: %v", err)
	}
}

func TestAppend_endToEndDifficultyTwo(t *testing.T) {
	c := chain.New()
	tx := sampleTx("alice", "2025-06-01T10:00:00.000Z")

	next, block, err := c.Append(ctx, []chain.Transaction{tx}, chain.MineOptions{Difficulty: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(next))
	}
	if !strings.HasPrefix(block.Hash, "00") {
		t.Errorf("hash %q lacks two leading zeros", block.Hash)
	}
	if block.PreviousHash != chain.GenesisHash {
		t.Errorf("previousHash: got %q, want genesis hash", block.PreviousHash)
	}
	if block.Index != 1 {
		t.Errorf("index: got %d, want 1", block.Index)
	}
	if len(c) != 1 {
		t.Errorf("Append must not modify the receiver, len=%d", len(c))
	}
	if err := next.Validate(); err != nil {
		t.Errorf("Validate(): %v", err)
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	c := mustAppend(t, chain.New(), sampleTx("alice", "t1"))
	c = mustAppend(t, c, sampleTx("alice", "t2"))

	if c[2].PreviousHash != c[1].Hash {
		t.Errorf("chain broken: block2.PreviousHash=%q, want %q", c[2].PreviousHash, c[1].Hash)
	}
	if !chain.IsStructurallyValid(c) {
		t.Error("expected valid chain")
	}
}

func TestAppend_twiceFromSameStateBothValid(t *testing.T) {
	base := chain.New()
	tx := sampleTx("alice", "t1")

	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a, _, err := base.Append(ctx, []chain.Transaction{tx}, chain.MineOptions{
		Difficulty: 2,
		Now:        func() time.Time { return clock },
	})
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := base.Append(ctx, []chain.Transaction{tx}, chain.MineOptions{
		Difficulty: 2,
		Now:        func() time.Time { return clock.Add(time.Millisecond) },
	})
	if err != nil {
		t.Fatal(err)
	}

	if !chain.IsStructurallyValid(a) || !chain.IsStructurallyValid(b) {
		t.Fatal("both chains should be valid")
	}
	if a[1].Timestamp == b[1].Timestamp {
		t.Error("expected distinct timestamps")
	}
	if a[1] == b[1] {
		t.Error("expected distinct blocks")
	}
}

func TestValidate_detectsTamperedTransactionFields(t *testing.T) {
	mutations := map[string]func(tx *chain.Transaction){
		"senderHash":       func(tx *chain.Transaction) { tx.SenderHash = "mallory" },
		"recipientHash":    func(tx *chain.Transaction) { tx.RecipientHash = "mallory" },
		"timestamp":        func(tx *chain.Transaction) { tx.Timestamp = "later" },
		"encryptedMessage": func(tx *chain.Transaction) { tx.EncryptedMessage = "other" },
		"encryptedKey":     func(tx *chain.Transaction) { tx.EncryptedKey = "other" },
		"iv":               func(tx *chain.Transaction) { tx.IV = "other" },
		"signature":        func(tx *chain.Transaction) { tx.Signature = "other" },
	}

	for field, mutate := range mutations {
		t.Run(field, func(t *testing.T) {
			c := mustAppend(t, chain.New(), sampleTx("alice", "t1"))
			c = mustAppend(t, c, sampleTx("carol", "t2"))

			tampered := *c[1]
			tampered.Transactions = append([]chain.Transaction(nil), c[1].Transactions...)
			mutate(&tampered.Transactions[0])
			c[1] = &tampered

			err := c.Validate()
			if !errors.Is(err, chain.ErrHashMismatch) {
				t.Errorf("expected ErrHashMismatch, got %v", err)
			}
		})
	}
}

func TestValidate_brokenLink(t *testing.T) {
	c := mustAppend(t, chain.New(), sampleTx("alice", "t1"))
	c = mustAppend(t, c, sampleTx("alice", "t2"))

	// Re-mine block 2 on a bogus parent so its own hash is self-consistent.
	forged := *c[2]
	forged.PreviousHash = strings.Repeat("f", 64)
	if err := forged.Mine(ctx, 1, 0); err != nil {
		t.Fatal(err)
	}
	c[2] = &forged

	if err := c.Validate(); !errors.Is(err, chain.ErrBrokenLink) {
		t.Errorf("expected ErrBrokenLink, got %v", err)
	}
}

func TestValidate_indexOutOfPosition(t *testing.T) {
	c := mustAppend(t, chain.New(), sampleTx("alice", "t1"))

	// Hash and link stay consistent; only the index lies.
	forged := *c[1]
	forged.Index = 7
	if err := forged.Mine(ctx, 1, 0); err != nil {
		t.Fatal(err)
	}
	c[1] = &forged

	if err := c.Validate(); !errors.Is(err, chain.ErrIndexMismatch) {
		t.Errorf("expected ErrIndexMismatch, got %v", err)
	}
	if chain.IsStructurallyValid(c) {
		t.Error("IsStructurallyValid accepted an out-of-position index")
	}
}

func TestValidate_foreignGenesis(t *testing.T) {
	g := chain.Genesis()
	g.Timestamp = "2024-01-01T00:00:00.000Z"
	c := chain.Chain{g}

	if err := c.Validate(); !errors.Is(err, chain.ErrGenesisMismatch) {
		t.Errorf("expected ErrGenesisMismatch, got %v", err)
	}
	if chain.IsStructurallyValid(c) {
		t.Error("IsStructurallyValid accepted a foreign genesis")
	}
}

func TestValidate_empty(t *testing.T) {
	if err := (chain.Chain{}).Validate(); !errors.Is(err, chain.ErrEmptyChain) {
		t.Errorf("expected ErrEmptyChain, got %v", err)
	}
}

func TestContainsTx(t *testing.T) {
	c := mustAppend(t, chain.New(), sampleTx("alice", "t1"))

	if !c.ContainsTx("alice", "t1") {
		t.Error("expected (alice, t1) to be found")
	}
	if c.ContainsTx("alice", "t2") {
		t.Error("did not expect (alice, t2)")
	}
	if c.ContainsTx("bob", "t1") {
		t.Error("did not expect (bob, t1)")
	}
}
