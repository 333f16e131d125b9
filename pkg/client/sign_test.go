package client_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"testing"
	"time"

	"github.com/jmerrifield20/chainmail/pkg/client"
)

// Helpers in this file use only the public client package and the standard
// library, the way a program outside this module would.

type identity struct {
	priv *rsa.PrivateKey
	pem  string
	hash string
}

func newIdentity(t *testing.T) identity {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey)})
	sum := sha256.Sum256(block)
	return identity{priv: priv, pem: string(block), hash: hex.EncodeToString(sum[:])}
}

func signedTransaction(t *testing.T, from identity, toHash string) client.Transaction {
	t.Helper()
	tx := client.Transaction{
		SenderHash:       from.hash,
		RecipientHash:    toHash,
		Timestamp:        time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		EncryptedMessage: base64.StdEncoding.EncodeToString([]byte("opaque ciphertext")),
		EncryptedKey:     base64.StdEncoding.EncodeToString([]byte("opaque wrapped key")),
		IV:               hex.EncodeToString(make([]byte, 16)),
	}
	payload, err := tx.SigningPayload()
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, from.priv, crypto.SHA256, sum[:])
	if err != nil {
		t.Fatal(err)
	}
	tx.Signature = base64.StdEncoding.EncodeToString(sig)
	return tx
}

func TestTransaction_SigningPayloadFieldOrder(t *testing.T) {
	tx := client.Transaction{
		SenderHash:       "s",
		RecipientHash:    "r",
		Timestamp:        "t",
		EncryptedMessage: "<m>",
		EncryptedKey:     "k",
		IV:               "iv",
		Signature:        "ignored",
		Memo:             "ignored",
	}
	got, err := tx.SigningPayload()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"senderHash":"s","recipientHash":"r","timestamp":"t","encryptedMessage":"<m>","encryptedKey":"k","iv":"iv"}`
	if string(got) != want {
		t.Errorf("payload:\n got %s\nwant %s", got, want)
	}
}
