package phi

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type staticCounter int64

func (c staticCounter) CountEncryptedRecords(ctx context.Context) (int64, error) {
	return int64(c), nil
}

type failingCounter struct{}

func (failingCounter) CountEncryptedRecords(ctx context.Context) (int64, error) {
	return 0, errors.New("count unavailable")
}

func TestRotator_Rotate(t *testing.T) {
	store, _ := newTestStore(t)
	rotator := NewRotator(store, staticCounter(7), zerolog.Nop())

	result, err := rotator.Rotate(context.Background(), "v2.0", "")
	if err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	if result.OldVersion != "v1.0" || result.NewVersion != "v2.0" {
		t.Errorf("unexpected versions: %+v", result)
	}
	if result.AffectedRecords != 7 {
		t.Errorf("expected 7 affected records, got %d", result.AffectedRecords)
	}
	if result.RotatedAt.IsZero() {
		t.Error("expected rotation timestamp")
	}

	version, _ := store.ActiveVersion()
	if version != "v2.0" {
		t.Errorf("expected active version v2.0, got %s", version)
	}
}

func TestRotator_OldCiphertextSurvivesRotation(t *testing.T) {
	store, _ := newTestStore(t)
	svc := NewService(store, NopSink{}, zerolog.Nop())
	rotator := NewRotator(store, nil, zerolog.Nop())
	ctx := context.Background()

	ciphertext, err := svc.Encrypt(ctx, "pre-rotation", "first_name", Context{})
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if _, err := rotator.Rotate(ctx, "v2.0", ""); err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}

	got, err := svc.Decrypt(ctx, ciphertext, "first_name", Context{})
	if err != nil {
		t.Fatalf("Decrypt() after rotation error: %v", err)
	}
	if got != "pre-rotation" {
		t.Errorf("post-rotation decrypt mismatch: got %q", got)
	}
}

func TestRotator_DuplicateVersionConflicts(t *testing.T) {
	store, _ := newTestStore(t)
	rotator := NewRotator(store, nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := rotator.Rotate(ctx, "v2.0", ""); err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	if _, err := rotator.Rotate(ctx, "v2.0", ""); !errors.Is(err, ErrKeyVersionConflict) {
		t.Errorf("expected ErrKeyVersionConflict, got %v", err)
	}

	// The failed rotation must not disturb the active key.
	version, _ := store.ActiveVersion()
	if version != "v2.0" {
		t.Errorf("expected active version v2.0, got %s", version)
	}
}

func TestRotator_SequentialRotations(t *testing.T) {
	store, _ := newTestStore(t)
	rotator := NewRotator(store, nil, zerolog.Nop())
	ctx := context.Background()

	for _, version := range []string{"v2.0", "v3.0", "v4.0"} {
		if _, err := rotator.Rotate(ctx, version, ""); err != nil {
			t.Fatalf("Rotate(%s) error: %v", version, err)
		}
	}

	keys := store.Keys()
	if len(keys) != 4 {
		t.Fatalf("expected 4 key versions retained, got %d", len(keys))
	}
	active := 0
	for _, k := range keys {
		if k.Active {
			active++
			if k.Version != "v4.0" {
				t.Errorf("expected v4.0 active, got %s", k.Version)
			}
		}
	}
	if active != 1 {
		t.Errorf("expected exactly 1 active key, got %d", active)
	}
}

func TestRotator_CounterFailureDoesNotAbortRotation(t *testing.T) {
	store, _ := newTestStore(t)
	rotator := NewRotator(store, failingCounter{}, zerolog.Nop())

	result, err := rotator.Rotate(context.Background(), "v2.0", "")
	if err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	if result.AffectedRecords != 0 {
		t.Errorf("expected 0 affected records on counter failure, got %d", result.AffectedRecords)
	}
}

func TestRotator_ConcurrentSameVersion(t *testing.T) {
	store, _ := newTestStore(t)
	rotator := NewRotator(store, nil, zerolog.Nop())
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = rotator.Rotate(ctx, "v2.0", "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrKeyVersionConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("expected exactly 1 successful rotation, got %d", succeeded)
	}

	version, _ := store.ActiveVersion()
	if version != "v2.0" {
		t.Errorf("expected active version v2.0, got %s", version)
	}
}
