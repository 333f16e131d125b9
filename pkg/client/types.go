package client

import (
	"bytes"
	"encoding/json"
)

// Transaction is the wire form of a signed message transaction. All payload
// fields are opaque strings; the node checks presence, duplicates and the
// signature.
type Transaction struct {
	SenderHash       string `json:"senderHash"`
	RecipientHash    string `json:"recipientHash"`
	Timestamp        string `json:"timestamp"`
	EncryptedMessage string `json:"encryptedMessage"`
	EncryptedKey     string `json:"encryptedKey"`
	IV               string `json:"iv"`
	Signature        string `json:"signature"`

	// Memo is only set on the genesis record.
	Memo string `json:"msg,omitempty"`
}

// signedFields is the exact structure covered by a signature. Field order is
// part of the wire contract.
type signedFields struct {
	SenderHash       string `json:"senderHash"`
	RecipientHash    string `json:"recipientHash"`
	Timestamp        string `json:"timestamp"`
	EncryptedMessage string `json:"encryptedMessage"`
	EncryptedKey     string `json:"encryptedKey"`
	IV               string `json:"iv"`
}

// SigningPayload returns the bytes a sender signs with RSA PKCS#1 v1.5 over
// SHA-256: the six content fields in fixed order as compact JSON without HTML
// escaping.
//
//	payload, _ := tx.SigningPayload()
//	sum := sha256.Sum256(payload)
//	sig, _ := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, sum[:])
//	tx.Signature = base64.StdEncoding.EncodeToString(sig)
func (t Transaction) SigningPayload() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(signedFields{
		SenderHash:       t.SenderHash,
		RecipientHash:    t.RecipientHash,
		Timestamp:        t.Timestamp,
		EncryptedMessage: t.EncryptedMessage,
		EncryptedKey:     t.EncryptedKey,
		IV:               t.IV,
	}); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Block is one mined ledger entry as served by GET /chain.
type Block struct {
	Index        int           `json:"index"`
	Timestamp    string        `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
	PreviousHash string        `json:"previousHash"`
	Nonce        uint64        `json:"nonce"`
	Hash         string        `json:"hash"`
}
