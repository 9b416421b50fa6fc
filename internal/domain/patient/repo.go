package patient

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("patient not found")
	// ErrNoteExists is returned when a note for this submission id was
	// already appended. Callers treat it as success.
	ErrNoteExists = errors.New("note already recorded for submission")
)

type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	List(ctx context.Context, clinicID uuid.UUID, limit, offset int) ([]*Patient, int, error)

	// Identity lookups, all strictly clinic-scoped.
	FindByEmail(ctx context.Context, clinicID uuid.UUID, email string) (*Patient, error)
	FindByPhone(ctx context.Context, clinicID uuid.UUID, phone string) (*Patient, error)
	FindByNameDOB(ctx context.Context, clinicID uuid.UUID, firstName, lastName, dob string) (*Patient, error)

	// AppendNote inserts one note row; a duplicate (patient_id, submission_id)
	// pair returns ErrNoteExists.
	AppendNote(ctx context.Context, n *Note) error
	ListNotes(ctx context.Context, patientID uuid.UUID) ([]*Note, error)

	// NextDisplaySeq atomically increments and returns the per-clinic
	// patient counter.
	NextDisplaySeq(ctx context.Context, clinicID uuid.UUID) (int64, error)
}
