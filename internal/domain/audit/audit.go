// Package audit is the append-only mutation log. Entries are never updated
// or deleted.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Entry struct {
	ID        uuid.UUID      `json:"id"`
	ClinicID  uuid.UUID      `json:"clinicId"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entityId"`
	Diff      map[string]any `json:"diff,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type Repository interface {
	Append(ctx context.Context, e *Entry) error
	ListByEntity(ctx context.Context, clinicID uuid.UUID, entity, entityID string) ([]*Entry, error)
}

// Recorder wraps a Repository so callers can log mutations without caring
// whether the sink is available. Append failures are logged and swallowed;
// an audit write must never fail a request on its own.
type Recorder struct {
	repo Repository
	log  zerolog.Logger
}

func NewRecorder(repo Repository, log zerolog.Logger) *Recorder {
	return &Recorder{repo: repo, log: log}
}

func (r *Recorder) Record(ctx context.Context, e *Entry) {
	if r == nil || r.repo == nil {
		return
	}
	if err := r.repo.Append(ctx, e); err != nil {
		r.log.Error().Err(err).
			Str("action", e.Action).
			Str("entity", e.Entity).
			Str("entity_id", e.EntityID).
			Msg("audit append failed")
	}
}
