package patient

import (
	"time"

	"github.com/google/uuid"
)

// Encrypted field names, used as audit field identifiers and bulk map keys.
const (
	FieldFirstName   = "first_name"
	FieldLastName    = "last_name"
	FieldDateOfBirth = "date_of_birth"
	FieldGender      = "gender"
)

// Patient is the decrypted, in-memory view of a patient record. Personal
// fields are plaintext here and never persisted in this form.
type Patient struct {
	ID          uuid.UUID `json:"id"`
	ExternalID  string    `json:"external_id"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	DateOfBirth string    `json:"date_of_birth"`
	Gender      string    `json:"gender"`
	UploadedBy  int64     `json:"uploaded_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// DecryptFailures lists fields that could not be decrypted on read.
	// Such fields are returned empty rather than failing the whole record.
	DecryptFailures []string `json:"decrypt_failures,omitempty"`
}

// Record is the persisted shape of a patient: personal fields as
// version-tagged ciphertext plus the key version they were written under.
type Record struct {
	ID                   uuid.UUID
	ExternalID           string
	FirstNameEncrypted   string
	LastNameEncrypted    string
	DateOfBirthEncrypted string
	GenderEncrypted      string
	KeyVersion           string
	UploadedBy           int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// encryptedFields returns the record's ciphertext fields keyed by field name.
func (r *Record) encryptedFields() map[string]string {
	return map[string]string{
		FieldFirstName:   r.FirstNameEncrypted,
		FieldLastName:    r.LastNameEncrypted,
		FieldDateOfBirth: r.DateOfBirthEncrypted,
		FieldGender:      r.GenderEncrypted,
	}
}

// plainFields returns the patient's plaintext fields keyed by field name.
func (p *Patient) plainFields() map[string]string {
	return map[string]string{
		FieldFirstName:   p.FirstName,
		FieldLastName:    p.LastName,
		FieldDateOfBirth: p.DateOfBirth,
		FieldGender:      p.Gender,
	}
}
