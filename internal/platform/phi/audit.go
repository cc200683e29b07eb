package phi

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Audit operations.
const (
	OpEncrypt = "encrypt"
	OpDecrypt = "decrypt"
)

// AuditRecord captures one encryption or decryption attempt and its outcome.
// Records are append-only and never updated.
type AuditRecord struct {
	ID           uuid.UUID `json:"id"`
	UserID       *int64    `json:"user_id,omitempty"`
	SubjectID    *string   `json:"subject_id,omitempty"`
	Operation    string    `json:"operation"`
	FieldName    string    `json:"field_name"`
	KeyVersion   string    `json:"key_version"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// AuditSink appends audit records for encryption operations. Record never
// returns an error: a sink that cannot write degrades to local logging so
// audit problems never mask or interrupt the primary operation.
type AuditSink interface {
	Record(ctx context.Context, rec *AuditRecord)
}

// RepoAuditSink writes audit records through an AuditRepository. Write
// failures are logged and swallowed.
type RepoAuditSink struct {
	repo   AuditRepository
	logger zerolog.Logger
}

// NewRepoAuditSink creates an AuditSink backed by the given repository.
func NewRepoAuditSink(repo AuditRepository, logger zerolog.Logger) *RepoAuditSink {
	return &RepoAuditSink{repo: repo, logger: logger}
}

// Record appends one audit record, filling in the id and timestamp when
// unset. Failures are logged locally and never propagated.
func (s *RepoAuditSink) Record(ctx context.Context, rec *AuditRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	if err := s.repo.InsertAuditRecord(ctx, rec); err != nil {
		s.logger.Error().
			Err(err).
			Str("operation", rec.Operation).
			Str("field_name", rec.FieldName).
			Bool("success", rec.Success).
			Msg("failed to write encryption audit record")
	}
}

// NopSink discards audit records. Useful in tests.
type NopSink struct{}

func (NopSink) Record(context.Context, *AuditRecord) {}
