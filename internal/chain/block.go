package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the UTC ISO-8601 layout, millisecond precision, used for
// block timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// MaxDifficulty is the number of hex characters in a SHA-256 digest.
const MaxDifficulty = 64

// cancelCheckInterval is how many nonces are tried between context checks.
const cancelCheckInterval = 4096

// Block is one ledger entry. Nonce and Hash are scratch state of the miner
// until the block is committed to a chain; after that the block is immutable.
type Block struct {
	Index        int           `json:"index"`
	Timestamp    string        `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
	PreviousHash string        `json:"previousHash"`
	Nonce        uint64        `json:"nonce"`
	Hash         string        `json:"hash"`
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ComputeHash returns the hex SHA-256 digest over index, timestamp,
// transactions, previous hash and nonce, concatenated in that order.
func ComputeHash(b *Block) string {
	prefix, err := hashPrefix(b)
	if err != nil {
		// Strings always marshal; an error here means the block is unusable.
		return ""
	}
	return hashWithNonce(prefix, b.PreviousHash, b.Nonce)
}

// hashPrefix builds the nonce-independent head of the hash input:
// decimal(index) + timestamp + canonicalJSON(transactions).
func hashPrefix(b *Block) ([]byte, error) {
	txs := b.Transactions
	if txs == nil {
		txs = []Transaction{}
	}
	txJSON, err := canonicalJSON(txs)
	if err != nil {
		return nil, fmt.Errorf("marshal transactions: %w", err)
	}
	buf := make([]byte, 0, 32+len(b.Timestamp)+len(txJSON))
	buf = strconv.AppendInt(buf, int64(b.Index), 10)
	buf = append(buf, b.Timestamp...)
	buf = append(buf, txJSON...)
	return buf, nil
}

func hashWithNonce(prefix []byte, previousHash string, nonce uint64) string {
	h := sha256.New()
	h.Write(prefix)
	h.Write([]byte(previousHash))
	h.Write(strconv.AppendUint(nil, nonce, 10))
	return hex.EncodeToString(h.Sum(nil))
}

// MeetsDifficulty reports whether hash starts with difficulty '0' characters.
func MeetsDifficulty(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if difficulty > len(hash) {
		return false
	}
	return strings.Count(hash[:difficulty], "0") == difficulty
}

// Mine increments the nonce until the block hash has difficulty leading zero
// hex characters. maxAttempts of 0 means no cap. The context is polled every
// few thousand attempts so a caller can abandon a long search.
func (b *Block) Mine(ctx context.Context, difficulty int, maxAttempts uint64) error {
	if difficulty < 0 || difficulty > MaxDifficulty {
		return fmt.Errorf("%w: %d", ErrInvalidDifficulty, difficulty)
	}

	prefix, err := hashPrefix(b)
	if err != nil {
		return err
	}

	b.Hash = hashWithNonce(prefix, b.PreviousHash, b.Nonce)
	var attempts uint64
	for !MeetsDifficulty(b.Hash, difficulty) {
		if maxAttempts > 0 && attempts >= maxAttempts {
			return fmt.Errorf("%w after %d attempts at difficulty %d", ErrMiningExhausted, attempts, difficulty)
		}
		if attempts%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		b.Nonce++
		b.Hash = hashWithNonce(prefix, b.PreviousHash, b.Nonce)
		attempts++
	}
	return nil
}
