package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/caremesh/caremesh/internal/domain/audit"
	"github.com/caremesh/caremesh/internal/domain/clinic"
	"github.com/caremesh/caremesh/internal/domain/patient"
	"github.com/caremesh/caremesh/internal/platform/blobstore"
	"github.com/caremesh/caremesh/internal/platform/db"
	"github.com/caremesh/caremesh/internal/platform/docgen"
	"github.com/caremesh/caremesh/internal/platform/soapnote"
	"github.com/caremesh/caremesh/internal/platform/steps"
)

// Error codes for critical-path failures. Soft-step failures are reported as
// warnings on a 200 response instead.
const (
	CodeClinicNotFound = "CLINIC_NOT_FOUND"
	CodePatientError   = "PATIENT_ERROR"
	CodeDBError        = "DB_ERROR"
)

// PipelineError is a critical-path failure with a machine-readable code.
type PipelineError struct {
	Code string
	Err  error
}

func (e *PipelineError) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }
func (e *PipelineError) Unwrap() error { return e.Err }

// Labels whose presence in an answer marks a referral or promo code.
var promoMarkers = []string{"promo", "referral", "discount"}

// Result is everything the webhook response reports. Success is implied:
// Process only returns a Result when the critical upsert landed.
type Result struct {
	Patient        *patient.Patient `json:"patient"`
	PatientCreated bool             `json:"patientCreated"`
	Submission     SubmissionInfo   `json:"submission"`
	Document       *Document        `json:"document,omitempty"`
	SOAPNoteID     string           `json:"soapNote,omitempty"`
	Warnings       []steps.Warning  `json:"warnings,omitempty"`
}

type SubmissionInfo struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Qualified bool   `json:"qualified"`
}

type Service struct {
	clinics           clinic.Repository
	patients          *patient.Service
	docs              DocumentRepository
	renderer          docgen.Renderer
	blobs             blobstore.Store
	notes             soapnote.Generator
	auditor           *audit.Recorder
	runner            *steps.Runner
	defaultClinicSlug string
	log               zerolog.Logger
	now               func() time.Time
}

func NewService(
	clinics clinic.Repository,
	patients *patient.Service,
	docs DocumentRepository,
	renderer docgen.Renderer,
	blobs blobstore.Store,
	notes soapnote.Generator,
	auditor *audit.Recorder,
	defaultClinicSlug string,
	log zerolog.Logger,
) *Service {
	return &Service{
		clinics:           clinics,
		patients:          patients,
		docs:              docs,
		renderer:          renderer,
		blobs:             blobs,
		notes:             notes,
		auditor:           auditor,
		runner:            steps.NewRunner(log),
		defaultClinicSlug: defaultClinicSlug,
		log:               log,
		now:               time.Now,
	}
}

// Process runs the full intake pipeline for one webhook delivery: normalize,
// resolve the clinic, upsert the patient (critical), then the soft-step
// sequence. It returns a Result whenever the critical upsert succeeded, with
// soft failures collected as warnings.
func (s *Service) Process(ctx context.Context, clinicSlug string, payload []byte) (*Result, error) {
	receivedAt := s.now()
	n := s.normalize(payload, receivedAt)

	if clinicSlug == "" {
		clinicSlug = s.defaultClinicSlug
	}
	cl, err := s.clinics.GetBySlug(ctx, clinicSlug)
	if err != nil {
		return nil, &PipelineError{Code: CodeClinicNotFound, Err: fmt.Errorf("clinic %q: %w", clinicSlug, err)}
	}

	var p *patient.Patient
	var created bool
	err = db.Retry(ctx, db.DefaultWriteRetry, func(ctx context.Context) error {
		var uerr error
		p, created, uerr = s.patients.Upsert(ctx, patient.UpsertInput{
			ClinicID:       cl.ID,
			Draft:          n.Patient,
			Tags:           n.Tags,
			SubmissionID:   n.SubmissionID,
			SubmissionType: n.SubmissionType,
			NoteBody:       noteLine(n),
		})
		return uerr
	})
	if err != nil {
		code := CodePatientError
		if db.IsTransient(err) {
			code = CodeDBError
		}
		return nil, &PipelineError{Code: code, Err: err}
	}

	result := &Result{
		Patient:        p,
		PatientCreated: created,
		Submission: SubmissionInfo{
			ID:        n.SubmissionID,
			Type:      n.SubmissionType,
			Qualified: n.Qualified,
		},
	}

	var pdfBytes []byte
	var pdfURL string

	warnings, err := s.runner.Run(ctx, []steps.Step{
		{Name: "render-pdf", Run: func(ctx context.Context) error {
			var rerr error
			pdfBytes, rerr = s.renderer.Render(intakeSummary(p, n))
			return rerr
		}},
		{Name: "upload-pdf", Run: func(ctx context.Context) error {
			if pdfBytes == nil {
				return nil
			}
			var uerr error
			pdfURL, uerr = s.blobs.Put(ctx, "intake/"+n.SubmissionID+".pdf", "application/pdf", pdfBytes)
			return uerr
		}},
		// The document row is what the operator UI reads; it must land.
		{Name: "write-document", Critical: true, Run: func(ctx context.Context) error {
			return db.Retry(ctx, db.DefaultWriteRetry, func(ctx context.Context) error {
				doc, _, derr := s.docs.Upsert(ctx, &Document{
					ClinicID:       cl.ID,
					PatientID:      p.ID,
					SubmissionID:   n.SubmissionID,
					SubmissionType: n.SubmissionType,
					Qualified:      n.Qualified,
					IntakeJSON:     intakeJSON(n),
					ConsentJSON:    n.Consent,
					PDFURL:         pdfURL,
				})
				if derr == nil {
					result.Document = doc
				}
				return derr
			})
		}},
		// The generator is rate limited upstream; one attempt, no retry.
		{Name: "soap-note", Run: func(ctx context.Context) error {
			if n.SubmissionType != patient.LeadComplete {
				return nil
			}
			noteID, nerr := s.notes.Generate(ctx, p.ID, result.Document.ID)
			if nerr == nil {
				result.SOAPNoteID = noteID
			}
			return nerr
		}},
		{Name: "referral-tracking", Run: func(ctx context.Context) error {
			return s.trackReferral(ctx, cl, p, n)
		}},
		{Name: "audit-entry", Run: func(ctx context.Context) error {
			s.auditor.Record(ctx, &audit.Entry{
				ClinicID: cl.ID,
				Actor:    "webhook:weightloss-intake",
				Action:   "intake.received",
				Entity:   "patient",
				EntityID: p.ID.String(),
				Diff: map[string]any{
					"submissionId":   n.SubmissionID,
					"submissionType": n.SubmissionType,
					"patientCreated": created,
				},
			})
			return nil
		}},
	})
	result.Warnings = warnings
	if err != nil {
		code := CodePatientError
		if db.IsTransient(err) {
			code = CodeDBError
		}
		return nil, &PipelineError{Code: code, Err: err}
	}

	return result, nil
}

// normalize wraps Normalize so a panic or parse failure degrades to the
// synthetic fallback record instead of rejecting the delivery.
func (s *Service) normalize(payload []byte, receivedAt time.Time) (n *Normalized) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().Interface("panic", rec).Msg("normalizer panicked, using fallback record")
			n = Fallback(receivedAt)
		}
	}()

	n, err := Normalize(payload, receivedAt)
	if err != nil {
		s.log.Warn().Err(err).Msg("payload unparseable, using fallback record")
		return Fallback(receivedAt)
	}
	return n
}

// trackReferral records a promo or referral answer when one is present.
func (s *Service) trackReferral(ctx context.Context, cl *clinic.Clinic, p *patient.Patient, n *Normalized) error {
	for _, a := range n.Answers {
		label := strings.ToLower(a.Label)
		for _, marker := range promoMarkers {
			if strings.Contains(label, marker) && strings.TrimSpace(a.Value) != "" {
				s.auditor.Record(ctx, &audit.Entry{
					ClinicID: cl.ID,
					Actor:    "webhook:weightloss-intake",
					Action:   "referral.tracked",
					Entity:   "patient",
					EntityID: p.ID.String(),
					Diff:     map[string]any{"label": a.Label, "code": a.Value},
				})
				return nil
			}
		}
	}
	return nil
}

func noteLine(n *Normalized) string {
	return fmt.Sprintf("Intake submission %s (%s) received %s",
		n.SubmissionID, n.SubmissionType, n.ReceivedAt.UTC().Format(time.RFC3339))
}

func intakeJSON(n *Normalized) map[string]any {
	answers := make([]map[string]string, 0, len(n.Answers))
	for _, a := range n.Answers {
		answers = append(answers, map[string]string{"label": a.Label, "value": a.Value})
	}
	return map[string]any{
		"submissionId":   n.SubmissionID,
		"submissionType": n.SubmissionType,
		"qualified":      n.Qualified,
		"answers":        answers,
		"receivedAt":     n.ReceivedAt.UTC().Format(time.RFC3339),
	}
}

func intakeSummary(p *patient.Patient, n *Normalized) *docgen.Summary {
	fields := make([]docgen.Field, 0, len(n.Answers)+2)
	fields = append(fields,
		docgen.Field{Label: "Email", Value: p.Email},
		docgen.Field{Label: "Phone", Value: p.Phone},
	)
	for _, a := range n.Answers {
		fields = append(fields, docgen.Field{Label: a.Label, Value: a.Value})
	}
	return &docgen.Summary{
		Title:       "Weight Loss Intake Summary",
		PatientName: p.FirstName + " " + p.LastName,
		SubmittedAt: n.ReceivedAt,
		Fields:      fields,
	}
}
