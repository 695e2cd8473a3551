// pkg/security/keystore.go
package security

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/arc-language/mpkg/pkg/core"
)

// Key algorithms
const (
	Ed25519 = "ed25519"
	OpenPGP = "openpgp"
)

const ed25519Prefix = "ed25519:"

// PublicKey is a repository signing key
type PublicKey struct {
	ID        string
	Algorithm string
	Ed25519   ed25519.PublicKey
	PGP       openpgp.EntityList
}

// ParsePublicKey reads "ed25519:<base64>" or an OpenPGP key ring, armored
// or binary.
func ParsePublicKey(id string, data []byte) (PublicKey, error) {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.HasPrefix(trimmed, []byte(ed25519Prefix)):
		raw, err := base64.StdEncoding.DecodeString(string(trimmed[len(ed25519Prefix):]))
		if err != nil {
			return PublicKey{}, fmt.Errorf("%w: key %s: %v", core.ErrConfig, id, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return PublicKey{}, fmt.Errorf("%w: key %s: ed25519 key has %d bytes", core.ErrConfig, id, len(raw))
		}
		return PublicKey{ID: id, Algorithm: Ed25519, Ed25519: ed25519.PublicKey(raw)}, nil

	case bytes.HasPrefix(trimmed, []byte("-----BEGIN PGP")):
		ring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(trimmed))
		if err != nil {
			return PublicKey{}, fmt.Errorf("%w: key %s: %v", core.ErrConfig, id, err)
		}
		return PublicKey{ID: id, Algorithm: OpenPGP, PGP: ring}, nil
	}

	ring, err := openpgp.ReadKeyRing(bytes.NewReader(data))
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: key %s: unrecognized key format: %v", core.ErrConfig, id, err)
	}
	return PublicKey{ID: id, Algorithm: OpenPGP, PGP: ring}, nil
}

// FormatEd25519 renders pub in the form ParsePublicKey accepts
func FormatEd25519(pub ed25519.PublicKey) []byte {
	return []byte(ed25519Prefix + base64.StdEncoding.EncodeToString(pub) + "\n")
}

// KeyStore holds public keys by id. It is read-mostly; Reload swaps the
// whole set under a short writer lock.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]PublicKey
}

// NewKeyStore returns an empty store
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]PublicKey)}
}

// Add stores k, replacing any key with the same id
func (s *KeyStore) Add(k PublicKey) {
	s.mu.Lock()
	s.keys[k.ID] = k
	s.mu.Unlock()
}

// Remove drops the key with id
func (s *KeyStore) Remove(id string) {
	s.mu.Lock()
	delete(s.keys, id)
	s.mu.Unlock()
}

// Lookup returns the key with id
func (s *KeyStore) Lookup(id string) (PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	return k, ok
}

// IDs lists stored key ids, sorted
func (s *KeyStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadDir adds every <id>.pub file in dir. A missing dir is not an error.
func (s *KeyStore) LoadDir(dir string) error {
	keys, err := readKeyDir(dir)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for id, k := range keys {
		s.keys[id] = k
	}
	s.mu.Unlock()
	return nil
}

// Reload replaces the store contents with the keys found in dirs
func (s *KeyStore) Reload(dirs ...string) error {
	next := make(map[string]PublicKey)
	for _, dir := range dirs {
		keys, err := readKeyDir(dir)
		if err != nil {
			return err
		}
		for id, k := range keys {
			next[id] = k
		}
	}
	s.mu.Lock()
	s.keys = next
	s.mu.Unlock()
	return nil
}

func readKeyDir(dir string) (map[string]PublicKey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: reading keys: %v", core.ErrConfig, err)
	}
	keys := make(map[string]PublicKey)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pub") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".pub")
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: reading key %s: %v", core.ErrConfig, id, err)
		}
		k, err := ParsePublicKey(id, data)
		if err != nil {
			return nil, err
		}
		keys[id] = k
	}
	return keys, nil
}
