package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	sealedPEMType  = "CHAINMAIL ENCRYPTED PRIVATE KEY"
	plainPEMType   = "RSA PRIVATE KEY"
	saltSize       = 16
	argonTime      = 1
	argonMemoryKiB = 64 * 1024
	argonThreads   = 4
)

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemoryKiB, argonThreads, AESKeySize)
}

// EncodePrivateKey returns priv as an unencrypted PKCS#1 PEM block.
func EncodePrivateKey(priv *rsa.PrivateKey) string {
	der := x509.MarshalPKCS1PrivateKey(priv)
	return string(pem.EncodeToMemory(&pem.Block{Type: plainPEMType, Bytes: der}))
}

// SealPrivateKey encrypts priv under a key derived from passphrase with
// argon2id and returns a PEM block. An empty passphrase yields a plain
// PKCS#1 PEM.
func SealPrivateKey(priv *rsa.PrivateKey, passphrase string) (string, error) {
	if passphrase == "" {
		return EncodePrivateKey(priv), nil
	}
	salt, err := randomBytes(saltSize)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}
	nonce, err := randomBytes(gcm.NonceSize())
	if err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, nonce, x509.MarshalPKCS1PrivateKey(priv), nil)

	block := &pem.Block{
		Type: sealedPEMType,
		Headers: map[string]string{
			"Salt":  hex.EncodeToString(salt),
			"Nonce": hex.EncodeToString(nonce),
		},
		Bytes: sealed,
	}
	return string(pem.EncodeToMemory(block)), nil
}

// OpenPrivateKey decodes a PEM produced by SealPrivateKey or
// EncodePrivateKey. A wrong passphrase yields ErrDecrypt.
func OpenPrivateKey(privatePEM, passphrase string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privatePEM))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}

	der := block.Bytes
	switch block.Type {
	case plainPEMType:
	case sealedPEMType:
		if passphrase == "" {
			return nil, fmt.Errorf("%w: key is passphrase protected", ErrDecrypt)
		}
		salt, err := hex.DecodeString(block.Headers["Salt"])
		if err != nil || len(salt) == 0 {
			return nil, fmt.Errorf("%w: bad salt header", ErrInvalidKey)
		}
		nonce, err := hex.DecodeString(block.Headers["Nonce"])
		if err != nil {
			return nil, fmt.Errorf("%w: bad nonce header", ErrInvalidKey)
		}
		gcm, err := newGCM(deriveKey(passphrase, salt))
		if err != nil {
			return nil, err
		}
		if len(nonce) != gcm.NonceSize() {
			return nil, fmt.Errorf("%w: bad nonce header", ErrInvalidKey)
		}
		der, err = gcm.Open(nil, nonce, block.Bytes, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: wrong passphrase", ErrDecrypt)
		}
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidKey, block.Type)
	}

	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return priv, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}
