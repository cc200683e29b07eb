package patient

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound indicates that no patient exists with the requested id.
var ErrNotFound = errors.New("patient not found")

// Repository persists patient records. Implementations store the encrypted
// Record shape only.
type Repository interface {
	Insert(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	List(ctx context.Context, limit, offset int) ([]*Record, int, error)
	Update(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id uuid.UUID) error
	Count(ctx context.Context) (int64, error)
	CountByUploader(ctx context.Context, userID int64) (int64, error)
}
