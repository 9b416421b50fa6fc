package clinic

import (
	"time"

	"github.com/google/uuid"
)

// Clinic is the tenant boundary. Every patient, document, and order row is
// scoped to exactly one clinic.
type Clinic struct {
	ID        uuid.UUID `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}
