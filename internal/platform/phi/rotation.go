package phi

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RotationResult reports a completed key rotation.
type RotationResult struct {
	OldVersion      string    `json:"old_key_version"`
	NewVersion      string    `json:"new_key_version"`
	RotatedAt       time.Time `json:"rotated_at"`
	AffectedRecords int64     `json:"affected_records"`
}

// Rotator orchestrates key rotation: register the new version, activate it,
// and deactivate the old one as a single critical section so concurrent
// encrypt and decrypt calls never observe a torn key set.
//
// Existing ciphertext is not re-encrypted during rotation. It remains
// decryptable because each ciphertext carries the version of the key that
// produced it and retired keys stay loaded; AffectedRecords reports how
// many stored records still carry old-key ciphertext.
type Rotator struct {
	mu      sync.Mutex
	keys    *KeyStore
	counter RecordCounter
	logger  zerolog.Logger
}

// NewRotator creates a Rotator. counter may be nil, in which case
// AffectedRecords is always zero.
func NewRotator(keys *KeyStore, counter RecordCounter, logger zerolog.Logger) *Rotator {
	return &Rotator{keys: keys, counter: counter, logger: logger}
}

// Rotate introduces newVersion as the active key and retires the current
// one. It fails with ErrKeyVersionConflict if newVersion already exists and
// ErrNoActiveKey if there is no current key. On any failure the key set is
// left in its prior stable state.
func (r *Rotator) Rotate(ctx context.Context, newVersion, algorithm string) (*RotationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldVersion, err := r.keys.ActiveVersion()
	if err != nil {
		return nil, err
	}

	if _, err := r.keys.RegisterKey(ctx, newVersion, algorithm); err != nil {
		return nil, err
	}

	if _, err := r.keys.Activate(ctx, newVersion); err != nil {
		// The new version stays registered but inactive; the old key is
		// still active, so callers continue to see the prior stable state.
		r.logger.Error().
			Err(err).
			Str("new_key_version", newVersion).
			Msg("key rotation aborted before activation")
		return nil, err
	}

	var affected int64
	if r.counter != nil {
		affected, err = r.counter.CountEncryptedRecords(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Msg("could not count records affected by rotation")
			affected = 0
		}
	}

	result := &RotationResult{
		OldVersion:      oldVersion,
		NewVersion:      newVersion,
		RotatedAt:       time.Now().UTC(),
		AffectedRecords: affected,
	}

	r.logger.Warn().
		Str("old_key_version", oldVersion).
		Str("new_key_version", newVersion).
		Int64("affected_records", affected).
		Msg("encryption key rotated; existing ciphertext keeps its old key version tag and stays decryptable until re-encrypted")

	return result, nil
}
