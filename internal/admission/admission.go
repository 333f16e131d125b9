// Package admission decides whether a submitted transaction may be mined.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmerrifield20/chainmail/internal/chain"
	"github.com/jmerrifield20/chainmail/internal/cryptobox"
	"github.com/jmerrifield20/chainmail/internal/keystore"
)

var (
	// ErrMalformedTx is returned when a required field is missing.
	ErrMalformedTx = errors.New("malformed transaction")
	// ErrDuplicateTx is returned when the chain already holds a transaction
	// with the same sender and timestamp.
	ErrDuplicateTx = errors.New("duplicate transaction")
	// ErrUnknownSender is returned when no public key is known for the sender.
	ErrUnknownSender = errors.New("public key for sender not found")
	// ErrBadSignature is returned when the signature does not verify.
	ErrBadSignature = errors.New("invalid signature")
)

// Reason codes returned to API callers.
const (
	CodeMalformed    = "malformed_tx"
	CodeDuplicate    = "duplicate_tx"
	CodeUnknown      = "unknown_sender"
	CodeBadSignature = "bad_signature"
)

// KeyResolver returns the PEM public key for an identity hash, or an error
// wrapping keystore.ErrKeyNotFound.
type KeyResolver interface {
	PublicKey(ctx context.Context, hash string) (string, error)
}

// Admit runs the admission checks in order: shape, duplicate, sender key,
// signature. It never modifies c.
func Admit(ctx context.Context, tx chain.Transaction, c chain.Chain, keys KeyResolver) error {
	if err := CheckShape(tx); err != nil {
		return err
	}
	if err := CheckDuplicate(tx, c); err != nil {
		return err
	}

	pem, err := keys.PublicKey(ctx, tx.SenderHash)
	if errors.Is(err, keystore.ErrKeyNotFound) {
		return ErrUnknownSender
	}
	if err != nil {
		return fmt.Errorf("resolve sender key: %w", err)
	}

	if err := cryptobox.VerifyTransaction(tx, pem); err != nil {
		return ErrBadSignature
	}
	return nil
}

// CheckShape reports ErrMalformedTx when a required field is empty.
func CheckShape(tx chain.Transaction) error {
	if missing := tx.MissingFields(); len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedTx, strings.Join(missing, ", "))
	}
	return nil
}

// CheckDuplicate reports ErrDuplicateTx when c already holds a transaction
// from the same sender with the same timestamp.
func CheckDuplicate(tx chain.Transaction, c chain.Chain) error {
	if c.ContainsTx(tx.SenderHash, tx.Timestamp) {
		return ErrDuplicateTx
	}
	return nil
}

// Code maps an admission error to its reason code, or "" for other errors.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrMalformedTx):
		return CodeMalformed
	case errors.Is(err, ErrDuplicateTx):
		return CodeDuplicate
	case errors.Is(err, ErrUnknownSender):
		return CodeUnknown
	case errors.Is(err, ErrBadSignature):
		return CodeBadSignature
	default:
		return ""
	}
}
