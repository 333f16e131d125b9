// Package inbox extracts and decrypts the messages addressed to one identity.
package inbox

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"

	"github.com/jmerrifield20/chainmail/internal/chain"
	"github.com/jmerrifield20/chainmail/internal/cryptobox"
)

// KeyResolver returns the PEM public key for an identity hash.
type KeyResolver interface {
	PublicKey(ctx context.Context, hash string) (string, error)
}

// Message is one decrypted inbox entry. A message that could not be opened
// carries Err (wrapping cryptobox.ErrDecrypt) and an empty Text.
type Message struct {
	BlockIndex int
	From       string
	Timestamp  string
	Text       string
	// Verified is true only when the sender's key was found and the
	// signature checked out.
	Verified bool
	Err      error
}

// Reader tracks which messages have already been delivered.
type Reader struct {
	self string
	priv *rsa.PrivateKey
	keys KeyResolver

	mu   sync.Mutex
	seen map[string]bool
}

// NewReader creates a Reader for the identity selfHash. keys may be nil, in
// which case no message is marked verified.
func NewReader(selfHash string, priv *rsa.PrivateKey, keys KeyResolver) *Reader {
	return &Reader{self: selfHash, priv: priv, keys: keys, seen: make(map[string]bool)}
}

func messageID(blockIndex int, tx chain.Transaction) string {
	return fmt.Sprintf("%d:%s:%s", blockIndex, tx.SenderHash, tx.Timestamp)
}

// Read returns the new messages for this reader in blocks after since and the
// position of the last block scanned. Pass the returned position as since on
// the next call. The cursor follows slice positions, not stored block
// indexes, so it never moves backwards. Genesis (position 0) is never scanned.
func (r *Reader) Read(ctx context.Context, c chain.Chain, since int) ([]Message, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	last := since
	var out []Message
	for i := since + 1; i < len(c); i++ {
		b := c[i]
		if b == nil {
			continue
		}
		for _, tx := range b.Transactions {
			if tx.IsSentinel() || tx.RecipientHash != r.self {
				continue
			}
			id := messageID(i, tx)
			if r.seen[id] {
				continue
			}
			r.seen[id] = true
			out = append(out, r.open(ctx, i, tx))
		}
		last = i
	}
	return out, last
}

func (r *Reader) open(ctx context.Context, blockIndex int, tx chain.Transaction) Message {
	m := Message{BlockIndex: blockIndex, From: tx.SenderHash, Timestamp: tx.Timestamp}

	text, err := cryptobox.OpenTransaction(tx, r.priv)
	if err != nil {
		m.Err = err
		return m
	}
	m.Text = text

	if r.keys != nil {
		if pem, err := r.keys.PublicKey(ctx, tx.SenderHash); err == nil {
			m.Verified = cryptobox.VerifyTransaction(tx, pem) == nil
		}
	}
	return m
}
