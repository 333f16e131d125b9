package chain

import (
	"bytes"
	"encoding/json"
)

// Transaction is a signed envelope around one end-to-end encrypted message.
// All payload fields are opaque strings produced by the sender; the ledger
// never inspects them beyond presence checks.
type Transaction struct {
	SenderHash       string `json:"senderHash"`
	RecipientHash    string `json:"recipientHash"`
	Timestamp        string `json:"timestamp"`
	EncryptedMessage string `json:"encryptedMessage"`
	EncryptedKey     string `json:"encryptedKey"`
	IV               string `json:"iv"`
	Signature        string `json:"signature"`

	// Memo is only set on the genesis sentinel record.
	Memo string `json:"msg,omitempty"`
}

// wireTransaction fixes the on-the-wire field order of a regular transaction.
type wireTransaction struct {
	SenderHash       string `json:"senderHash"`
	RecipientHash    string `json:"recipientHash"`
	Timestamp        string `json:"timestamp"`
	EncryptedMessage string `json:"encryptedMessage"`
	EncryptedKey     string `json:"encryptedKey"`
	IV               string `json:"iv"`
	Signature        string `json:"signature"`
}

// sentinelTransaction is the wire shape of the genesis record.
type sentinelTransaction struct {
	Memo string `json:"msg"`
}

// signingPayload is the exact structure covered by a transaction signature.
// Field order is part of the wire contract and must never change.
type signingPayload struct {
	SenderHash       string `json:"senderHash"`
	RecipientHash    string `json:"recipientHash"`
	Timestamp        string `json:"timestamp"`
	EncryptedMessage string `json:"encryptedMessage"`
	EncryptedKey     string `json:"encryptedKey"`
	IV               string `json:"iv"`
}

// IsSentinel reports whether t is a memo-only record such as the genesis entry.
func (t Transaction) IsSentinel() bool {
	return t.Memo != "" &&
		t.SenderHash == "" && t.RecipientHash == "" && t.Timestamp == "" &&
		t.EncryptedMessage == "" && t.EncryptedKey == "" && t.IV == "" &&
		t.Signature == ""
}

// MarshalJSON emits the canonical field order. Sentinel records serialise as
// {"msg":...} so the genesis block is identical on every node.
func (t Transaction) MarshalJSON() ([]byte, error) {
	if t.IsSentinel() {
		return canonicalJSON(sentinelTransaction{Memo: t.Memo})
	}
	return canonicalJSON(wireTransaction{
		SenderHash:       t.SenderHash,
		RecipientHash:    t.RecipientHash,
		Timestamp:        t.Timestamp,
		EncryptedMessage: t.EncryptedMessage,
		EncryptedKey:     t.EncryptedKey,
		IV:               t.IV,
		Signature:        t.Signature,
	})
}

// SigningPayload returns the bytes a sender signs: the six content fields in
// fixed order, compact JSON, no HTML escaping.
func (t Transaction) SigningPayload() ([]byte, error) {
	return canonicalJSON(signingPayload{
		SenderHash:       t.SenderHash,
		RecipientHash:    t.RecipientHash,
		Timestamp:        t.Timestamp,
		EncryptedMessage: t.EncryptedMessage,
		EncryptedKey:     t.EncryptedKey,
		IV:               t.IV,
	})
}

// MissingFields lists the required fields that are empty. Timestamp and
// signature are deliberately not part of the schema check: a missing
// signature fails verification instead.
func (t Transaction) MissingFields() []string {
	var missing []string
	if t.SenderHash == "" {
		missing = append(missing, "senderHash")
	}
	if t.RecipientHash == "" {
		missing = append(missing, "recipientHash")
	}
	if t.EncryptedMessage == "" {
		missing = append(missing, "encryptedMessage")
	}
	if t.EncryptedKey == "" {
		missing = append(missing, "encryptedKey")
	}
	if t.IV == "" {
		missing = append(missing, "iv")
	}
	return missing
}

// canonicalJSON marshals v compactly without HTML escaping and without the
// trailing newline json.Encoder appends.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
