// Package cryptobox provides the cryptographic primitives used by chainmail
// peers: SHA-256 identity digests, RSA signatures over transaction payloads,
// RSA-OAEP key wrapping and AES-256-CBC message encryption.
//
// Encodings follow the wire format shared by every node and client:
// signatures, wrapped keys, IVs and ciphertext are standard base64; public
// keys are PEM, and a user's identity is the hex SHA-256 of their public PEM.
package cryptobox

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // OAEP label hash, matches the wire format
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

// DefaultKeyBits is the RSA modulus size for new identities.
const DefaultKeyBits = 2048

var (
	// ErrBadSignature is returned when a signature does not verify.
	ErrBadSignature = errors.New("signature verification failed")
	// ErrDecrypt is returned when a wrapped key or ciphertext cannot be opened.
	ErrDecrypt = errors.New("decryption failed")
	// ErrInvalidKey is returned for PEM input that is not a usable RSA key.
	ErrInvalidKey = errors.New("invalid RSA key")
)

// Digest returns the hex-encoded SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PublicKeyHash returns the identity hash of a PEM-encoded public key. The
// hash covers the exact PEM text, so the same key re-encoded differently has
// a different identity.
func PublicKeyHash(publicPEM string) string {
	return Digest([]byte(publicPEM))
}

// GenerateKey creates a new RSA private key.
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	return key, nil
}

// EncodePublicKey returns pub as a PKCS#1 "RSA PUBLIC KEY" PEM block.
func EncodePublicKey(pub *rsa.PublicKey) string {
	der := x509.MarshalPKCS1PublicKey(pub)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: der}))
}

// ParsePublicKey decodes a PKCS#1 or PKIX PEM public key.
func ParsePublicKey(publicPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return pub, nil
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidKey, block.Type)
	}
}

// Sign returns the base64 RSA PKCS#1 v1.5 signature of SHA-256(payload).
func Sign(payload []byte, priv *rsa.PrivateKey) (string, error) {
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature produced by Sign. Any decoding problem is
// reported as ErrBadSignature.
func Verify(payload []byte, signatureB64 string, pub *rsa.PublicKey) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", ErrBadSignature, err)
	}
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrBadSignature
	}
	return nil
}

// VerifyPEM is Verify with a PEM-encoded public key.
func VerifyPEM(payload []byte, signatureB64, publicPEM string) error {
	pub, err := ParsePublicKey(publicPEM)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return Verify(payload, signatureB64, pub)
}

// EncryptKey wraps a symmetric key for pub with RSA-OAEP (SHA-1) and returns
// it base64-encoded.
func EncryptKey(pub *rsa.PublicKey, key []byte) (string, error) {
	out, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return "", fmt.Errorf("wrap key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptKey unwraps a base64 key produced by EncryptKey.
func DecryptKey(priv *rsa.PrivateKey, wrappedB64 string) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(wrappedB64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode wrapped key: %v", ErrDecrypt, err)
	}
	key, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap key", ErrDecrypt)
	}
	return key, nil
}
