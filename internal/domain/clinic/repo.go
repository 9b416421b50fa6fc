package clinic

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no clinic matches the lookup key.
var ErrNotFound = errors.New("clinic not found")

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Clinic, error)
	GetBySlug(ctx context.Context, slug string) (*Clinic, error)
	Create(ctx context.Context, c *Clinic) error
}
