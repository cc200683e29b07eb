package phi

import (
	"context"
	"time"
)

// KeyRepository persists encryption key metadata. Key material itself is
// never stored; it is derived from the master key at load time.
type KeyRepository interface {
	// FindActiveKey returns the key currently marked active, or nil if none.
	FindActiveKey(ctx context.Context) (*Key, error)
	// FindKey returns the key with the given version, or nil if absent.
	FindKey(ctx context.Context, version string) (*Key, error)
	// ListKeys returns all key versions, newest first.
	ListKeys(ctx context.Context) ([]*Key, error)
	// InsertKey stores a new key version. Versions are unique.
	InsertKey(ctx context.Context, key *Key) error
	// SwapActiveKey retires oldVersion, stamping its rotation time, and
	// marks newVersion active as one atomic change so storage never holds
	// two active rows. An empty oldVersion activates newVersion without
	// retiring anything. Keys are never deleted, only deactivated.
	SwapActiveKey(ctx context.Context, oldVersion, newVersion string, rotatedAt time.Time) error
}

// AuditRepository persists encryption audit records.
type AuditRepository interface {
	InsertAuditRecord(ctx context.Context, rec *AuditRecord) error
	// ListRecent returns the newest audit records up to limit.
	ListRecent(ctx context.Context, limit int) ([]*AuditRecord, error)
	// CountFailuresSince counts failed operations recorded after the given time.
	CountFailuresSince(ctx context.Context, since time.Time) (int64, error)
}

// RecordCounter reports how many stored records hold ciphertext that a key
// rotation affects.
type RecordCounter interface {
	CountEncryptedRecords(ctx context.Context) (int64, error)
}
