package phi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type failingAuditRepo struct{}

func (failingAuditRepo) InsertAuditRecord(ctx context.Context, rec *AuditRecord) error {
	return errors.New("audit storage unavailable")
}

func (failingAuditRepo) ListRecent(ctx context.Context, limit int) ([]*AuditRecord, error) {
	return nil, errors.New("audit storage unavailable")
}

func (failingAuditRepo) CountFailuresSince(ctx context.Context, since time.Time) (int64, error) {
	return 0, errors.New("audit storage unavailable")
}

func TestRepoAuditSink_FillsInIDAndTimestamp(t *testing.T) {
	repo := &memAuditRepo{}
	sink := NewRepoAuditSink(repo, zerolog.Nop())

	sink.Record(context.Background(), &AuditRecord{Operation: OpEncrypt, FieldName: "first_name", Success: true})

	if len(repo.records) != 1 {
		t.Fatalf("expected 1 stored record, got %d", len(repo.records))
	}
	rec := repo.records[0]
	if rec.ID == uuid.Nil {
		t.Error("expected a generated record id")
	}
	if rec.Timestamp.IsZero() {
		t.Error("expected a timestamp")
	}
}

func TestRepoAuditSink_SwallowsStorageFailure(t *testing.T) {
	sink := NewRepoAuditSink(failingAuditRepo{}, zerolog.Nop())

	// Must not panic or surface the repository error.
	sink.Record(context.Background(), &AuditRecord{Operation: OpDecrypt, FieldName: "last_name"})
}

func TestService_AuditFailureDoesNotAffectResult(t *testing.T) {
	store, _ := newTestStore(t)
	sink := NewRepoAuditSink(failingAuditRepo{}, zerolog.Nop())
	svc := NewService(store, sink, zerolog.Nop())
	ctx := context.Background()

	ciphertext, err := svc.Encrypt(ctx, "Jane", "first_name", Context{})
	if err != nil {
		t.Fatalf("Encrypt() with failing audit sink error: %v", err)
	}
	got, err := svc.Decrypt(ctx, ciphertext, "first_name", Context{})
	if err != nil {
		t.Fatalf("Decrypt() with failing audit sink error: %v", err)
	}
	if got != "Jane" {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

// memAuditRepo stores records in memory.
type memAuditRepo struct {
	records []*AuditRecord
}

func (r *memAuditRepo) InsertAuditRecord(ctx context.Context, rec *AuditRecord) error {
	cp := *rec
	r.records = append(r.records, &cp)
	return nil
}

func (r *memAuditRepo) ListRecent(ctx context.Context, limit int) ([]*AuditRecord, error) {
	out := r.records
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *memAuditRepo) CountFailuresSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	for _, rec := range r.records {
		if !rec.Success && rec.Timestamp.After(since) {
			n++
		}
	}
	return n, nil
}
