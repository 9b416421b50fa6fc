package intake

import (
	"time"

	"github.com/google/uuid"

	"github.com/caremesh/caremesh/internal/domain/patient"
)

// Answer is one label/value pair from the intake form, in form order.
type Answer struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Normalized is the canonical form of one inbound submission. It is built
// per request and drives the upsert; it is never persisted as its own row.
type Normalized struct {
	SubmissionID   string
	SubmissionType string // patient.LeadPartial or patient.LeadComplete
	Qualified      bool
	Patient        patient.Draft
	Tags           []string
	Answers        []Answer
	Consent        map[string]any
	ReceivedAt     time.Time
}

// Document is the durable record of one submission, unique per submission
// id. It is the idempotency anchor for the webhook pipeline: redelivery
// updates this row in place, never duplicates it.
type Document struct {
	ID             uuid.UUID      `json:"id"`
	ClinicID       uuid.UUID      `json:"clinicId"`
	PatientID      uuid.UUID      `json:"patientId"`
	SubmissionID   string         `json:"submissionId"`
	SubmissionType string         `json:"submissionType"`
	Qualified      bool           `json:"qualified"`
	IntakeJSON     map[string]any `json:"intakeJson,omitempty"`
	ConsentJSON    map[string]any `json:"consentJson,omitempty"`
	PDFURL         string         `json:"pdfUrl,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}
