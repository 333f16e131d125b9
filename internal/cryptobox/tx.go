package cryptobox

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jmerrifield20/chainmail/internal/chain"
)

// BuildTransaction encrypts plaintext for the recipient and signs the result
// with the sender's key. A fresh AES key and IV are drawn for every message.
func BuildTransaction(senderPriv *rsa.PrivateKey, senderHash string, recipientPub *rsa.PublicKey, recipientHash, plaintext string, now time.Time) (chain.Transaction, error) {
	key, err := NewAESKey()
	if err != nil {
		return chain.Transaction{}, err
	}
	iv, err := NewIV()
	if err != nil {
		return chain.Transaction{}, err
	}

	ciphertext, err := EncryptAES(plaintext, key, iv)
	if err != nil {
		return chain.Transaction{}, err
	}
	wrapped, err := EncryptKey(recipientPub, key)
	if err != nil {
		return chain.Transaction{}, err
	}

	tx := chain.Transaction{
		SenderHash:       senderHash,
		RecipientHash:    recipientHash,
		Timestamp:        chain.FormatTimestamp(now),
		EncryptedMessage: ciphertext,
		EncryptedKey:     wrapped,
		IV:               base64.StdEncoding.EncodeToString(iv),
	}
	if err := SignTransaction(&tx, senderPriv); err != nil {
		return chain.Transaction{}, err
	}
	return tx, nil
}

// SignTransaction sets tx.Signature over its signing payload.
func SignTransaction(tx *chain.Transaction, priv *rsa.PrivateKey) error {
	payload, err := tx.SigningPayload()
	if err != nil {
		return fmt.Errorf("signing payload: %w", err)
	}
	sig, err := Sign(payload, priv)
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

// VerifyTransaction checks tx.Signature against the sender's PEM public key.
func VerifyTransaction(tx chain.Transaction, senderPEM string) error {
	payload, err := tx.SigningPayload()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return VerifyPEM(payload, tx.Signature, senderPEM)
}

// OpenTransaction decrypts the message carried by tx with the recipient's
// private key. Every failure wraps ErrDecrypt.
func OpenTransaction(tx chain.Transaction, recipientPriv *rsa.PrivateKey) (string, error) {
	key, err := DecryptKey(recipientPriv, tx.EncryptedKey)
	if err != nil {
		return "", err
	}
	iv, err := base64.StdEncoding.DecodeString(tx.IV)
	if err != nil {
		return "", fmt.Errorf("%w: decode iv: %v", ErrDecrypt, err)
	}
	return DecryptAES(tx.EncryptedMessage, key, iv)
}
