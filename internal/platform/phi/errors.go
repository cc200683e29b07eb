package phi

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveKey indicates that the key store has no key marked active.
	// Outside of initial bootstrap this is a fatal configuration error: the
	// server must refuse to serve encrypted-field traffic.
	ErrNoActiveKey = errors.New("no active encryption key")

	// ErrKeyVersionConflict indicates that a key version already exists.
	ErrKeyVersionConflict = errors.New("key version already exists")

	// ErrKeyVersionNotFound indicates that no key material is available for
	// the version a ciphertext was produced under.
	ErrKeyVersionNotFound = errors.New("key version not found")
)

// CipherError wraps a failure of a single encrypt or decrypt operation. It
// carries the operation and field name so upstream callers can decide to
// skip the field or abort the record.
type CipherError struct {
	Op    string // "encrypt" or "decrypt"
	Field string
	Err   error
}

func (e *CipherError) Error() string {
	return fmt.Sprintf("%s field %q: %v", e.Op, e.Field, e.Err)
}

func (e *CipherError) Unwrap() error { return e.Err }

// FieldError records the outcome of one field in a bulk operation.
type FieldError struct {
	Field string
	Err   error
}
