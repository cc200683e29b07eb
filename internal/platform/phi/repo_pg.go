package phi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGKeyRepository is the PostgreSQL implementation of KeyRepository over
// the encryption_keys table.
type PGKeyRepository struct {
	pool *pgxpool.Pool
}

// NewPGKeyRepository creates a key repository backed by the given pool.
func NewPGKeyRepository(pool *pgxpool.Pool) *PGKeyRepository {
	return &PGKeyRepository{pool: pool}
}

func (r *PGKeyRepository) FindActiveKey(ctx context.Context) (*Key, error) {
	const query = `
		SELECT key_version, algorithm, is_active, created_at, rotated_at
		FROM encryption_keys
		WHERE is_active = TRUE`

	key := &Key{}
	err := r.pool.QueryRow(ctx, query).Scan(
		&key.Version, &key.Algorithm, &key.Active, &key.CreatedAt, &key.RotatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active key: %w", err)
	}
	return key, nil
}

func (r *PGKeyRepository) FindKey(ctx context.Context, version string) (*Key, error) {
	const query = `
		SELECT key_version, algorithm, is_active, created_at, rotated_at
		FROM encryption_keys
		WHERE key_version = $1`

	key := &Key{}
	err := r.pool.QueryRow(ctx, query, version).Scan(
		&key.Version, &key.Algorithm, &key.Active, &key.CreatedAt, &key.RotatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find key %s: %w", version, err)
	}
	return key, nil
}

func (r *PGKeyRepository) ListKeys(ctx context.Context) ([]*Key, error) {
	const query = `
		SELECT key_version, algorithm, is_active, created_at, rotated_at
		FROM encryption_keys
		ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		key := &Key{}
		if err := rows.Scan(&key.Version, &key.Algorithm, &key.Active, &key.CreatedAt, &key.RotatedAt); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (r *PGKeyRepository) InsertKey(ctx context.Context, key *Key) error {
	const query = `
		INSERT INTO encryption_keys (key_version, algorithm, is_active, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := r.pool.Exec(ctx, query, key.Version, key.Algorithm, key.Active, key.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("%w: %s", ErrKeyVersionConflict, key.Version)
		}
		return fmt.Errorf("insert key %s: %w", key.Version, err)
	}
	return nil
}

// SwapActiveKey retires oldVersion and activates newVersion in one
// transaction. The old row is cleared first: the partial unique index on
// is_active checks each statement, so activating before retiring would
// reject every rotation.
func (r *PGKeyRepository) SwapActiveKey(ctx context.Context, oldVersion, newVersion string, rotatedAt time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("swap active key: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if oldVersion != "" {
		const deactivate = `
			UPDATE encryption_keys
			SET is_active = FALSE, rotated_at = $2
			WHERE key_version = $1`

		tag, err := tx.Exec(ctx, deactivate, oldVersion, rotatedAt)
		if err != nil {
			return fmt.Errorf("deactivate key %s: %w", oldVersion, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrKeyVersionNotFound, oldVersion)
		}
	}

	const activate = `
		UPDATE encryption_keys
		SET is_active = TRUE
		WHERE key_version = $1`

	tag, err := tx.Exec(ctx, activate, newVersion)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("%w: %s", ErrKeyVersionConflict, newVersion)
		}
		return fmt.Errorf("activate key %s: %w", newVersion, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrKeyVersionNotFound, newVersion)
	}

	return tx.Commit(ctx)
}

// PGAuditRepository is the PostgreSQL implementation of AuditRepository
// over the encryption_audit_log table.
type PGAuditRepository struct {
	pool *pgxpool.Pool
}

// NewPGAuditRepository creates an audit repository backed by the given pool.
func NewPGAuditRepository(pool *pgxpool.Pool) *PGAuditRepository {
	return &PGAuditRepository{pool: pool}
}

func (r *PGAuditRepository) InsertAuditRecord(ctx context.Context, rec *AuditRecord) error {
	const query = `
		INSERT INTO encryption_audit_log (
			id, user_id, subject_id, operation, field_name, key_version,
			success, error_message, ip_address, timestamp
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err := r.pool.Exec(ctx, query,
		rec.ID, rec.UserID, rec.SubjectID, rec.Operation, rec.FieldName,
		rec.KeyVersion, rec.Success, rec.ErrorMessage, rec.IPAddress, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (r *PGAuditRepository) ListRecent(ctx context.Context, limit int) ([]*AuditRecord, error) {
	const query = `
		SELECT id, user_id, subject_id, operation, field_name, key_version,
		       success, error_message, ip_address, timestamp
		FROM encryption_audit_log
		ORDER BY timestamp DESC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		rec := &AuditRecord{}
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SubjectID, &rec.Operation,
			&rec.FieldName, &rec.KeyVersion, &rec.Success, &rec.ErrorMessage,
			&rec.IPAddress, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PGAuditRepository) CountFailuresSince(ctx context.Context, since time.Time) (int64, error) {
	const query = `
		SELECT COUNT(*)
		FROM encryption_audit_log
		WHERE success = FALSE AND timestamp >= $1`

	var count int64
	if err := r.pool.QueryRow(ctx, query, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count audit failures: %w", err)
	}
	return count, nil
}
