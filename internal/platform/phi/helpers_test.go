package phi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// memKeyRepo is an in-memory KeyRepository for tests.
type memKeyRepo struct {
	mu   sync.Mutex
	keys map[string]*Key

	insertErr error
	swapErr   error
}

func newMemKeyRepo() *memKeyRepo {
	return &memKeyRepo{keys: make(map[string]*Key)}
}

func (r *memKeyRepo) FindActiveKey(ctx context.Context) (*Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k.Active {
			cp := *k
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memKeyRepo) FindKey(ctx context.Context, version string) (*Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[version]
	if !ok {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

func (r *memKeyRepo) ListKeys(ctx context.Context) ([]*Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Key, 0, len(r.keys))
	for _, k := range r.keys {
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memKeyRepo) InsertKey(ctx context.Context, key *Key) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key.Version]; ok {
		return fmt.Errorf("%w: %s", ErrKeyVersionConflict, key.Version)
	}
	cp := *key
	r.keys[key.Version] = &cp
	return nil
}

func (r *memKeyRepo) SwapActiveKey(ctx context.Context, oldVersion, newVersion string, rotatedAt time.Time) error {
	if r.swapErr != nil {
		return r.swapErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next, ok := r.keys[newVersion]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyVersionNotFound, newVersion)
	}
	if oldVersion != "" {
		old, ok := r.keys[oldVersion]
		if !ok {
			return fmt.Errorf("%w: %s", ErrKeyVersionNotFound, oldVersion)
		}
		old.Active = false
		ra := rotatedAt
		old.RotatedAt = &ra
	}
	// Mirrors the partial unique index on encryption_keys: activating a
	// version while another row is still active is a conflict.
	for v, k := range r.keys {
		if k.Active && v != newVersion {
			return fmt.Errorf("%w: %s", ErrKeyVersionConflict, newVersion)
		}
	}
	next.Active = true
	return nil
}

// captureSink records every audit record it receives.
type captureSink struct {
	mu      sync.Mutex
	records []*AuditRecord
}

func (s *captureSink) Record(ctx context.Context, rec *AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records = append(s.records, &cp)
}

func (s *captureSink) all() []*AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*AuditRecord(nil), s.records...)
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func testMasterKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

// newTestStore returns a loaded KeyStore over an in-memory repo with the
// bootstrap key active.
func newTestStore(t interface {
	Helper()
	Fatalf(format string, args ...interface{})
}) (*KeyStore, *memKeyRepo) {
	t.Helper()
	repo := newMemKeyRepo()
	store, err := NewKeyStore(testMasterKey(), repo, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewKeyStore() error: %v", err)
	}
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	return store, repo
}
