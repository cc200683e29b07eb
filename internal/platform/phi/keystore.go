package phi

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
)

// DefaultAlgorithm is the cipher scheme used for all key versions.
const DefaultAlgorithm = "AES-256-GCM"

// bootstrapVersion is the key version created when the key table is empty.
const bootstrapVersion = "v1.0"

// Key describes one encryption key version. Metadata is persisted; the key
// material is derived from the master key and held only in memory.
type Key struct {
	Version   string     `json:"key_version"`
	Algorithm string     `json:"algorithm"`
	Active    bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
}

// KeyStore holds every key version's cipher and tracks which version is
// active. At most one key is active at any time; activating a new version
// deactivates the previous one under the same lock so readers never observe
// zero or two active keys. Retired versions stay loaded so ciphertext tagged
// with an old version remains decryptable.
type KeyStore struct {
	mu      sync.RWMutex
	master  []byte
	keys    map[string]*Key
	ciphers map[string]*FieldCipher
	active  string

	repo   KeyRepository
	logger zerolog.Logger
}

// NewKeyStore creates a KeyStore backed by the given repository. The master
// key must be 32 bytes; per-version keys are derived from it with HKDF.
func NewKeyStore(master []byte, repo KeyRepository, logger zerolog.Logger) (*KeyStore, error) {
	if len(master) != 32 {
		return nil, fmt.Errorf("keystore: master key must be 32 bytes, got %d", len(master))
	}
	return &KeyStore{
		master:  master,
		keys:    make(map[string]*Key),
		ciphers: make(map[string]*FieldCipher),
		repo:    repo,
		logger:  logger,
	}, nil
}

// deriveMaterial derives the 32-byte key material for a version from the
// master key using HKDF-SHA256 with the version string as info.
func (s *KeyStore) deriveMaterial(version string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, nil, []byte("medvault/field-key/"+version))
	material := make([]byte, 32)
	if _, err := io.ReadFull(r, material); err != nil {
		return nil, fmt.Errorf("keystore: derive key %s: %w", version, err)
	}
	return material, nil
}

// Load hydrates the store from the repository. On a completely empty key
// table it bootstraps an initial active key. After Load returns nil, exactly
// one key is active; a populated table without an active key is a
// configuration error and returns ErrNoActiveKey.
func (s *KeyStore) Load(ctx context.Context) error {
	keys, err := s.repo.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("keystore: list keys: %w", err)
	}

	if len(keys) == 0 {
		bootstrap := &Key{
			Version:   bootstrapVersion,
			Algorithm: DefaultAlgorithm,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.repo.InsertKey(ctx, bootstrap); err != nil {
			return fmt.Errorf("keystore: bootstrap key: %w", err)
		}
		keys = []*Key{bootstrap}
		s.logger.Info().Str("key_version", bootstrapVersion).Msg("bootstrapped initial encryption key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	active := ""
	for _, k := range keys {
		material, err := s.deriveMaterial(k.Version)
		if err != nil {
			return err
		}
		fc, err := NewFieldCipher(material)
		if err != nil {
			return fmt.Errorf("keystore: cipher for %s: %w", k.Version, err)
		}
		s.keys[k.Version] = k
		s.ciphers[k.Version] = fc
		if k.Active {
			active = k.Version
		}
	}

	if active == "" {
		return ErrNoActiveKey
	}
	s.active = active
	s.logger.Info().
		Str("active_key_version", active).
		Int("key_versions", len(keys)).
		Msg("encryption key store loaded")
	return nil
}

// ActiveKey returns the active version and its cipher.
func (s *KeyStore) ActiveKey() (string, *FieldCipher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == "" {
		return "", nil, ErrNoActiveKey
	}
	return s.active, s.ciphers[s.active], nil
}

// ActiveVersion returns the active key version.
func (s *KeyStore) ActiveVersion() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == "" {
		return "", ErrNoActiveKey
	}
	return s.active, nil
}

// CipherFor returns the cipher for a specific key version, active or retired.
func (s *KeyStore) CipherFor(version string) (*FieldCipher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fc, ok := s.ciphers[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyVersionNotFound, version)
	}
	return fc, nil
}

// RegisterKey creates a new inactive key version. It fails with
// ErrKeyVersionConflict if the version already exists.
func (s *KeyStore) RegisterKey(ctx context.Context, version, algorithm string) (*Key, error) {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}

	s.mu.Lock()
	if _, ok := s.keys[version]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrKeyVersionConflict, version)
	}
	s.mu.Unlock()

	material, err := s.deriveMaterial(version)
	if err != nil {
		return nil, err
	}
	fc, err := NewFieldCipher(material)
	if err != nil {
		return nil, fmt.Errorf("keystore: cipher for %s: %w", version, err)
	}

	key := &Key{
		Version:   version,
		Algorithm: algorithm,
		Active:    false,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.InsertKey(ctx, key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[version]; ok {
		// Lost a race against a concurrent registration that committed first.
		return nil, fmt.Errorf("%w: %s", ErrKeyVersionConflict, version)
	}
	s.keys[version] = key
	s.ciphers[version] = fc
	return key, nil
}

// Activate makes the given version the active key and deactivates the
// previous active version, stamping its rotation time. Persistence is a
// single atomic swap, so storage holds exactly one active key before and
// after the call; the in-memory swap happens under one lock so concurrent
// readers see the same. Persistence failures leave the prior state in place.
func (s *KeyStore) Activate(ctx context.Context, version string) (oldVersion string, err error) {
	s.mu.RLock()
	_, ok := s.keys[version]
	prev := s.active
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyVersionNotFound, version)
	}
	if prev == version {
		return prev, nil
	}

	now := time.Now().UTC()
	if err := s.repo.SwapActiveKey(ctx, prev, version, now); err != nil {
		return "", fmt.Errorf("keystore: activate %s: %w", version, err)
	}

	s.mu.Lock()
	if prev != "" {
		old := s.keys[prev]
		old.Active = false
		old.RotatedAt = &now
	}
	s.keys[version].Active = true
	s.active = version
	s.mu.Unlock()

	return prev, nil
}

// Keys returns a snapshot of all key versions, newest first.
func (s *KeyStore) Keys() []*Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Key, 0, len(s.keys))
	for _, k := range s.keys {
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
