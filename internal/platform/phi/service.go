// Package phi provides field-level encryption for personal data with
// mandatory audit logging, versioned keys, and key rotation. Every
// ciphertext is tagged with the version of the key that produced it so
// rotation never strands old data; retired keys stay available for
// decryption indefinitely.
package phi

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// versionSeparator joins the key version tag and the ciphertext body.
// Base64 never contains a colon, so the first colon is unambiguous.
const versionSeparator = ":"

// Context carries the request attribution recorded with each audit record.
type Context struct {
	UserID    *int64
	SubjectID *string
	IPAddress string
}

// Service is the sole entry point for moving a field between plaintext and
// ciphertext. Every call writes exactly one audit record, success or
// failure.
type Service struct {
	keys   *KeyStore
	audit  AuditSink
	logger zerolog.Logger
}

// NewService composes the key store and audit sink into an encryption
// service.
func NewService(keys *KeyStore, audit AuditSink, logger zerolog.Logger) *Service {
	return &Service{keys: keys, audit: audit, logger: logger}
}

// Encrypt encrypts a single field value under the active key and returns
// the ciphertext prefixed with the producing key version
// ("v2.0:<base64>"). Exactly one audit record is written whether the
// operation succeeds or fails.
func (s *Service) Encrypt(ctx context.Context, value, fieldName string, ac Context) (string, error) {
	version, fc, err := s.keys.ActiveKey()
	if err != nil {
		s.recordAudit(ctx, OpEncrypt, fieldName, "", ac, err)
		return "", &CipherError{Op: OpEncrypt, Field: fieldName, Err: err}
	}

	ciphertext, err := fc.Encrypt(value)
	if err != nil {
		s.recordAudit(ctx, OpEncrypt, fieldName, version, ac, err)
		return "", &CipherError{Op: OpEncrypt, Field: fieldName, Err: err}
	}

	s.recordAudit(ctx, OpEncrypt, fieldName, version, ac, nil)
	return version + versionSeparator + ciphertext, nil
}

// Decrypt decrypts a single field value. The key version is read from the
// ciphertext tag; untagged legacy ciphertext falls back to the active key
// with a logged warning. Exactly one audit record is written per call.
func (s *Service) Decrypt(ctx context.Context, value, fieldName string, ac Context) (string, error) {
	version, body := splitVersionTag(value)
	if version == "" {
		active, _, err := s.keys.ActiveKey()
		if err != nil {
			s.recordAudit(ctx, OpDecrypt, fieldName, "", ac, err)
			return "", &CipherError{Op: OpDecrypt, Field: fieldName, Err: err}
		}
		s.logger.Warn().
			Str("field_name", fieldName).
			Str("assumed_key_version", active).
			Msg("decrypting untagged legacy ciphertext with active key")
		version, body = active, value
	}

	fc, err := s.keys.CipherFor(version)
	if err != nil {
		s.recordAudit(ctx, OpDecrypt, fieldName, version, ac, err)
		return "", &CipherError{Op: OpDecrypt, Field: fieldName, Err: err}
	}

	plaintext, err := fc.Decrypt(body)
	if err != nil {
		s.recordAudit(ctx, OpDecrypt, fieldName, version, ac, err)
		return "", &CipherError{Op: OpDecrypt, Field: fieldName, Err: err}
	}

	s.recordAudit(ctx, OpDecrypt, fieldName, version, ac, nil)
	return plaintext, nil
}

// BulkEncrypt encrypts each entry of fields independently. A failing field
// does not abort its siblings; failures are returned alongside the
// successfully encrypted fields, and every field is audited on its own.
func (s *Service) BulkEncrypt(ctx context.Context, fields map[string]string, ac Context) (map[string]string, []FieldError) {
	out := make(map[string]string, len(fields))
	var failed []FieldError
	for name, value := range fields {
		ciphertext, err := s.Encrypt(ctx, value, name, ac)
		if err != nil {
			failed = append(failed, FieldError{Field: name, Err: err})
			continue
		}
		out[name] = ciphertext
	}
	return out, failed
}

// BulkDecrypt decrypts each entry of fields independently, with the same
// per-field isolation as BulkEncrypt.
func (s *Service) BulkDecrypt(ctx context.Context, fields map[string]string, ac Context) (map[string]string, []FieldError) {
	out := make(map[string]string, len(fields))
	var failed []FieldError
	for name, value := range fields {
		plaintext, err := s.Decrypt(ctx, value, name, ac)
		if err != nil {
			failed = append(failed, FieldError{Field: name, Err: err})
			continue
		}
		out[name] = plaintext
	}
	return out, failed
}

// ActiveKeyVersion reports the version new encryptions are produced under.
func (s *Service) ActiveKeyVersion() (string, error) {
	return s.keys.ActiveVersion()
}

func (s *Service) recordAudit(ctx context.Context, op, fieldName, keyVersion string, ac Context, opErr error) {
	rec := &AuditRecord{
		UserID:     ac.UserID,
		SubjectID:  ac.SubjectID,
		Operation:  op,
		FieldName:  fieldName,
		KeyVersion: keyVersion,
		IPAddress:  ac.IPAddress,
		Success:    opErr == nil,
	}
	if opErr != nil {
		rec.ErrorMessage = opErr.Error()
	}
	s.audit.Record(ctx, rec)
}

// splitVersionTag splits "version:body" ciphertext. It returns an empty
// version for untagged values.
func splitVersionTag(s string) (version, body string) {
	idx := strings.Index(s, versionSeparator)
	if idx <= 0 {
		return "", s
	}
	return s[:idx], s[idx+1:]
}
