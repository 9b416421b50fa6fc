package intake

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrDocumentNotFound = errors.New("document not found")

type DocumentRepository interface {
	// Upsert creates the document on first delivery and updates it in place
	// on redelivery, keyed by submission id. Returns the stored row and
	// whether it was created. A concurrent-insert race is resolved by the
	// unique constraint: the loser re-fetches and updates.
	Upsert(ctx context.Context, d *Document) (*Document, bool, error)
	GetBySubmissionID(ctx context.Context, submissionID string) (*Document, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	SetPDFURL(ctx context.Context, id uuid.UUID, url string) error
}
