package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository is the PostgreSQL implementation of Repository over the
// patients table.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository creates a patient repository backed by the given pool.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, rec *Record) error {
	const query = `
		INSERT INTO patients (
			id, external_id, first_name_encrypted, last_name_encrypted,
			date_of_birth_encrypted, gender_encrypted, key_version,
			uploaded_by, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	now := time.Now().UTC()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := r.pool.Exec(ctx, query,
		rec.ID, rec.ExternalID, rec.FirstNameEncrypted, rec.LastNameEncrypted,
		rec.DateOfBirthEncrypted, rec.GenderEncrypted, rec.KeyVersion,
		rec.UploadedBy, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	const query = `
		SELECT id, external_id, first_name_encrypted, last_name_encrypted,
		       date_of_birth_encrypted, gender_encrypted, key_version,
		       uploaded_by, created_at, updated_at
		FROM patients
		WHERE id = $1`

	rec := &Record{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.ExternalID, &rec.FirstNameEncrypted, &rec.LastNameEncrypted,
		&rec.DateOfBirthEncrypted, &rec.GenderEncrypted, &rec.KeyVersion,
		&rec.UploadedBy, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient %s: %w", id, err)
	}
	return rec, nil
}

func (r *PGRepository) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	const countQuery = `SELECT COUNT(*) FROM patients`
	var total int
	if err := r.pool.QueryRow(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	const query = `
		SELECT id, external_id, first_name_encrypted, last_name_encrypted,
		       date_of_birth_encrypted, gender_encrypted, key_version,
		       uploaded_by, created_at, updated_at
		FROM patients
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec := &Record{}
		if err := rows.Scan(&rec.ID, &rec.ExternalID, &rec.FirstNameEncrypted,
			&rec.LastNameEncrypted, &rec.DateOfBirthEncrypted, &rec.GenderEncrypted,
			&rec.KeyVersion, &rec.UploadedBy, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan patient: %w", err)
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

func (r *PGRepository) Update(ctx context.Context, rec *Record) error {
	const query = `
		UPDATE patients
		SET external_id = $2, first_name_encrypted = $3, last_name_encrypted = $4,
		    date_of_birth_encrypted = $5, gender_encrypted = $6, key_version = $7,
		    updated_at = $8
		WHERE id = $1`

	rec.UpdatedAt = time.Now().UTC()
	tag, err := r.pool.Exec(ctx, query,
		rec.ID, rec.ExternalID, rec.FirstNameEncrypted, rec.LastNameEncrypted,
		rec.DateOfBirthEncrypted, rec.GenderEncrypted, rec.KeyVersion, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update patient %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM patients WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete patient %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM patients`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count patients: %w", err)
	}
	return count, nil
}

func (r *PGRepository) CountByUploader(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM patients WHERE uploaded_by = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count patients for uploader %d: %w", userID, err)
	}
	return count, nil
}
