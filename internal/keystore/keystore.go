// Package keystore stores identity keys on disk and resolves public keys by
// identity hash, falling back to peers when a key is not held locally.
//
// Directory layout:
//
//	<dir>/<hash>.pub.pem        public key addressed by identity hash
//	<dir>/<name>.pub.pem        public key addressed by user name
//	<dir>/<name>.priv.pem       sealed private key
//	<dir>/metadata/<name>.json  registration record
package keystore

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/jmerrifield20/chainmail/internal/cryptobox"
)

var (
	// ErrKeyNotFound is returned when no public key is known for a hash or name.
	ErrKeyNotFound = errors.New("public key not found")
	// ErrInvalidName is returned for hashes or user names that are not safe file names.
	ErrInvalidName = errors.New("invalid key name")
	// ErrAlreadyRegistered is returned when a user name is taken.
	ErrAlreadyRegistered = errors.New("user already registered")
)

var (
	hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
	namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// ValidHash reports whether s looks like an identity hash.
func ValidHash(s string) bool {
	return hashPattern.MatchString(s)
}

// Metadata is the registration record written next to a user's keys.
type Metadata struct {
	Name       string    `json:"name"`
	PublicHash string    `json:"publicHash"`
	CreatedAt  time.Time `json:"createdAt"`
}

// FileKeyStore keeps PEM files in a single directory.
type FileKeyStore struct {
	dir string
}

// NewFileKeyStore creates dir (and its metadata subdirectory) if needed.
func NewFileKeyStore(dir string) (*FileKeyStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "metadata"), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	return &FileKeyStore{dir: dir}, nil
}

// Dir returns the backing directory.
func (s *FileKeyStore) Dir() string { return s.dir }

// PublicKey returns the PEM stored under hash.
func (s *FileKeyStore) PublicKey(hash string) (string, error) {
	if !ValidHash(hash) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, hash)
	}
	return s.readPublic(hash)
}

// NamedPublicKey returns the PEM stored under a user name.
func (s *FileKeyStore) NamedPublicKey(name string) (string, error) {
	if !namePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return s.readPublic(name)
}

func (s *FileKeyStore) readPublic(base string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, base+".pub.pem"))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return string(data), nil
}

// PutPublicKey stores pem under its identity hash and returns the hash. The
// PEM must parse as an RSA public key.
func (s *FileKeyStore) PutPublicKey(pem string) (string, error) {
	if _, err := cryptobox.ParsePublicKey(pem); err != nil {
		return "", err
	}
	hash := cryptobox.PublicKeyHash(pem)
	if err := writeFileAtomic(filepath.Join(s.dir, hash+".pub.pem"), []byte(pem), 0o644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}
	return hash, nil
}

// Register stores a new user's public key (by name and by hash), the sealed
// private key and a metadata record.
func (s *FileKeyStore) Register(name, publicPEM, sealedPrivatePEM string, now time.Time) (*Metadata, error) {
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, err := os.Stat(filepath.Join(s.dir, name+".priv.pem")); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}

	hash, err := s.PutPublicKey(publicPEM)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(filepath.Join(s.dir, name+".pub.pem"), []byte(publicPEM), 0o644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, name+".priv.pem"), []byte(sealedPrivatePEM), 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}

	meta := &Metadata{Name: name, PublicHash: hash, CreatedAt: now.UTC()}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, "metadata", name+".json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}
	return meta, nil
}

// Identity is a user's unlocked key material.
type Identity struct {
	Name      string
	Hash      string
	PublicPEM string
	Private   *rsa.PrivateKey
}

// LoadIdentity reads and unseals a registered user's keys.
func (s *FileKeyStore) LoadIdentity(name, passphrase string) (*Identity, error) {
	pub, err := s.NamedPublicKey(name)
	if err != nil {
		return nil, err
	}
	sealed, err := os.ReadFile(filepath.Join(s.dir, name+".priv.pem"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no private key for %s", ErrKeyNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	priv, err := cryptobox.OpenPrivateKey(string(sealed), passphrase)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Name:      name,
		Hash:      cryptobox.PublicKeyHash(pub),
		PublicPEM: pub,
		Private:   priv,
	}, nil
}

// Metadata returns the registration record for name.
func (s *FileKeyStore) Metadata(name string) (*Metadata, error) {
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, "metadata", name+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &m, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
