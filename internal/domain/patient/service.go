// Package patient implements patient record management on top of the
// field-level encryption service. Personal fields are encrypted before they
// reach the repository and decrypted on the way out; state changes are
// pushed to the acting user over the real-time layer.
package patient

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/phi"
)

// Notifier receives patient lifecycle and upload events. Satisfied by
// realtime.Dispatcher.
type Notifier interface {
	NotifyPatientCreated(userID int64, patientID, patientName string)
	NotifyPatientUpdated(userID int64, patientID, patientName string)
	NotifyPatientDeleted(userID int64, patientID, patientName string)
	NotifyUploadProgress(userID int64, batchID string, progress int, message string)
	NotifyUploadComplete(userID int64, batchID string, total, successful, failed int)
	NotifyUploadError(userID int64, batchID, errorMessage string)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) NotifyPatientCreated(int64, string, string)   {}
func (NopNotifier) NotifyPatientUpdated(int64, string, string)   {}
func (NopNotifier) NotifyPatientDeleted(int64, string, string)   {}
func (NopNotifier) NotifyUploadProgress(int64, string, int, string) {}
func (NopNotifier) NotifyUploadComplete(int64, string, int, int, int) {}
func (NopNotifier) NotifyUploadError(int64, string, string)      {}

// Service orchestrates patient CRUD with per-field encryption and
// real-time notifications.
type Service struct {
	repo     Repository
	enc      *phi.Service
	notifier Notifier
	logger   zerolog.Logger
}

// NewService creates a patient service. notifier may be nil, in which case
// events are discarded.
func NewService(repo Repository, enc *phi.Service, notifier Notifier, logger zerolog.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{repo: repo, enc: enc, notifier: notifier, logger: logger}
}

// Create encrypts the patient's personal fields and stores the record. All
// fields must encrypt for the create to proceed; a failure aborts this one
// record only.
func (s *Service) Create(ctx context.Context, p *Patient, actor phi.Context) (*Patient, error) {
	p.ID = uuid.New()
	subject := p.ID.String()
	actor.SubjectID = &subject

	encrypted, failed := s.enc.BulkEncrypt(ctx, p.plainFields(), actor)
	if len(failed) > 0 {
		return nil, fmt.Errorf("encrypt patient fields: %w", failed[0].Err)
	}

	keyVersion, err := s.enc.ActiveKeyVersion()
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:                   p.ID,
		ExternalID:           p.ExternalID,
		FirstNameEncrypted:   encrypted[FieldFirstName],
		LastNameEncrypted:    encrypted[FieldLastName],
		DateOfBirthEncrypted: encrypted[FieldDateOfBirth],
		GenderEncrypted:      encrypted[FieldGender],
		KeyVersion:           keyVersion,
		UploadedBy:           p.UploadedBy,
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return nil, err
	}

	p.CreatedAt = rec.CreatedAt
	p.UpdatedAt = rec.UpdatedAt
	if actor.UserID != nil {
		s.notifier.NotifyPatientCreated(*actor.UserID, p.ID.String(), p.DisplayName())
	}
	return p, nil
}

// Get fetches and decrypts one patient. A field that fails to decrypt is
// returned empty and listed in DecryptFailures instead of failing the
// whole record.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actor phi.Context) (*Patient, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.decryptRecord(ctx, rec, actor), nil
}

// List returns a decrypted page of patients. Records with any undecryptable
// field are skipped and counted rather than failing the page.
func (s *Service) List(ctx context.Context, limit, offset int, actor phi.Context) (patients []*Patient, total, skipped int, err error) {
	records, total, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, 0, err
	}

	patients = make([]*Patient, 0, len(records))
	for _, rec := range records {
		p := s.decryptRecord(ctx, rec, actor)
		if len(p.DecryptFailures) > 0 {
			skipped++
			s.logger.Warn().
				Str("patient_id", rec.ID.String()).
				Strs("fields", p.DecryptFailures).
				Msg("skipping patient with undecryptable fields")
			continue
		}
		patients = append(patients, p)
	}
	return patients, total, skipped, nil
}

// Update re-encrypts the provided personal fields under the active key and
// stores the record.
func (s *Service) Update(ctx context.Context, p *Patient, actor phi.Context) (*Patient, error) {
	rec, err := s.repo.GetByID(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	subject := p.ID.String()
	actor.SubjectID = &subject

	encrypted, failed := s.enc.BulkEncrypt(ctx, p.plainFields(), actor)
	if len(failed) > 0 {
		return nil, fmt.Errorf("encrypt patient fields: %w", failed[0].Err)
	}

	keyVersion, err := s.enc.ActiveKeyVersion()
	if err != nil {
		return nil, err
	}

	rec.ExternalID = p.ExternalID
	rec.FirstNameEncrypted = encrypted[FieldFirstName]
	rec.LastNameEncrypted = encrypted[FieldLastName]
	rec.DateOfBirthEncrypted = encrypted[FieldDateOfBirth]
	rec.GenderEncrypted = encrypted[FieldGender]
	rec.KeyVersion = keyVersion

	if err := s.repo.Update(ctx, rec); err != nil {
		return nil, err
	}

	p.CreatedAt = rec.CreatedAt
	p.UpdatedAt = rec.UpdatedAt
	if actor.UserID != nil {
		s.notifier.NotifyPatientUpdated(*actor.UserID, p.ID.String(), p.DisplayName())
	}
	return p, nil
}

// Delete removes a patient record.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actor phi.Context) error {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	// Best-effort name for the notification; a decrypt failure here must
	// not block the delete.
	name := s.decryptRecord(ctx, rec, actor).DisplayName()

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if actor.UserID != nil {
		s.notifier.NotifyPatientDeleted(*actor.UserID, id.String(), name)
	}
	return nil
}

// ImportBatch creates patients one at a time, reporting progress over the
// real-time layer. A record that fails to encrypt or store is counted and
// skipped; it never aborts the batch.
func (s *Service) ImportBatch(ctx context.Context, patients []*Patient, actor phi.Context) (batchID string, successful, failed int) {
	batchID = uuid.New().String()
	total := len(patients)
	actorID := int64(0)
	if actor.UserID != nil {
		actorID = *actor.UserID
	}

	for i, p := range patients {
		p.UploadedBy = actorID
		if _, err := s.Create(ctx, p, actor); err != nil {
			failed++
			s.logger.Warn().
				Err(err).
				Str("batch_id", batchID).
				Str("external_id", p.ExternalID).
				Msg("skipping patient in import batch")
		} else {
			successful++
		}

		progress := (i + 1) * 100 / total
		s.notifier.NotifyUploadProgress(actorID, batchID, progress,
			fmt.Sprintf("processed %d of %d records", i+1, total))
	}

	if successful == 0 && total > 0 {
		s.notifier.NotifyUploadError(actorID, batchID, "no records could be imported")
	} else {
		s.notifier.NotifyUploadComplete(actorID, batchID, total, successful, failed)
	}
	return batchID, successful, failed
}

// CountPatientsForUser implements realtime.PatientCounter.
func (s *Service) CountPatientsForUser(ctx context.Context, userID int64) (int64, error) {
	return s.repo.CountByUploader(ctx, userID)
}

// CountEncryptedRecords implements phi.RecordCounter for rotation
// reporting.
func (s *Service) CountEncryptedRecords(ctx context.Context) (int64, error) {
	return s.repo.Count(ctx)
}

// decryptRecord maps a stored record to its plaintext view, leaving failed
// fields empty and noting them in DecryptFailures.
func (s *Service) decryptRecord(ctx context.Context, rec *Record, actor phi.Context) *Patient {
	subject := rec.ID.String()
	actor.SubjectID = &subject

	decrypted, failed := s.enc.BulkDecrypt(ctx, rec.encryptedFields(), actor)

	p := &Patient{
		ID:          rec.ID,
		ExternalID:  rec.ExternalID,
		FirstName:   decrypted[FieldFirstName],
		LastName:    decrypted[FieldLastName],
		DateOfBirth: decrypted[FieldDateOfBirth],
		Gender:      decrypted[FieldGender],
		UploadedBy:  rec.UploadedBy,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	for _, f := range failed {
		p.DecryptFailures = append(p.DecryptFailures, f.Field)
	}
	sort.Strings(p.DecryptFailures)
	return p
}

// DisplayName returns the patient's name for notification payloads.
func (p *Patient) DisplayName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		return p.ExternalID
	}
	return name
}
