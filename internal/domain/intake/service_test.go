package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caremesh/caremesh/internal/domain/audit"
	"github.com/caremesh/caremesh/internal/domain/clinic"
	"github.com/caremesh/caremesh/internal/domain/patient"
	"github.com/caremesh/caremesh/internal/platform/blobstore"
	"github.com/caremesh/caremesh/internal/platform/docgen"
)

// ---- in-memory collaborators ----

type memClinicRepo struct {
	clinics map[string]*clinic.Clinic
}

func (m *memClinicRepo) GetByID(_ context.Context, id uuid.UUID) (*clinic.Clinic, error) {
	for _, c := range m.clinics {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, clinic.ErrNotFound
}

func (m *memClinicRepo) GetBySlug(_ context.Context, slug string) (*clinic.Clinic, error) {
	if c, ok := m.clinics[slug]; ok {
		return c, nil
	}
	return nil, clinic.ErrNotFound
}

func (m *memClinicRepo) Create(_ context.Context, c *clinic.Clinic) error {
	m.clinics[c.Slug] = c
	return nil
}

type memPatientRepo struct {
	patients map[uuid.UUID]*patient.Patient
	notes    []*patient.Note
	counters map[uuid.UUID]int64
}

func newMemPatientRepo() *memPatientRepo {
	return &memPatientRepo{
		patients: map[uuid.UUID]*patient.Patient{},
		counters: map[uuid.UUID]int64{},
	}
}

func (m *memPatientRepo) Create(_ context.Context, p *patient.Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *memPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	if p, ok := m.patients[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, patient.ErrNotFound
}

func (m *memPatientRepo) Update(_ context.Context, p *patient.Patient) error {
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *memPatientRepo) List(_ context.Context, clinicID uuid.UUID, _, _ int) ([]*patient.Patient, int, error) {
	var out []*patient.Patient
	for _, p := range m.patients {
		if p.ClinicID == clinicID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (m *memPatientRepo) FindByEmail(_ context.Context, clinicID uuid.UUID, email string) (*patient.Patient, error) {
	for _, p := range m.patients {
		if p.ClinicID == clinicID && strings.EqualFold(p.Email, email) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, patient.ErrNotFound
}

func (m *memPatientRepo) FindByPhone(_ context.Context, clinicID uuid.UUID, phone string) (*patient.Patient, error) {
	for _, p := range m.patients {
		if p.ClinicID == clinicID && p.Phone == phone {
			cp := *p
			return &cp, nil
		}
	}
	return nil, patient.ErrNotFound
}

func (m *memPatientRepo) FindByNameDOB(_ context.Context, clinicID uuid.UUID, first, last, dob string) (*patient.Patient, error) {
	for _, p := range m.patients {
		if p.ClinicID == clinicID && strings.EqualFold(p.FirstName, first) &&
			strings.EqualFold(p.LastName, last) && p.DOB == dob {
			cp := *p
			return &cp, nil
		}
	}
	return nil, patient.ErrNotFound
}

func (m *memPatientRepo) AppendNote(_ context.Context, n *patient.Note) error {
	for _, existing := range m.notes {
		if existing.PatientID == n.PatientID && existing.SubmissionID == n.SubmissionID {
			return patient.ErrNoteExists
		}
	}
	cp := *n
	m.notes = append(m.notes, &cp)
	return nil
}

func (m *memPatientRepo) ListNotes(_ context.Context, patientID uuid.UUID) ([]*patient.Note, error) {
	var out []*patient.Note
	for _, n := range m.notes {
		if n.PatientID == patientID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memPatientRepo) NextDisplaySeq(_ context.Context, clinicID uuid.UUID) (int64, error) {
	m.counters[clinicID]++
	return m.counters[clinicID], nil
}

type memDocRepo struct {
	docs map[string]*Document
}

func newMemDocRepo() *memDocRepo {
	return &memDocRepo{docs: map[string]*Document{}}
}

func (m *memDocRepo) Upsert(_ context.Context, d *Document) (*Document, bool, error) {
	if existing, ok := m.docs[d.SubmissionID]; ok {
		existing.PatientID = d.PatientID
		existing.SubmissionType = d.SubmissionType
		existing.Qualified = d.Qualified
		existing.IntakeJSON = d.IntakeJSON
		existing.ConsentJSON = d.ConsentJSON
		if d.PDFURL != "" {
			existing.PDFURL = d.PDFURL
		}
		cp := *existing
		return &cp, false, nil
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	cp := *d
	m.docs[d.SubmissionID] = &cp
	out := cp
	return &out, true, nil
}

func (m *memDocRepo) GetBySubmissionID(_ context.Context, submissionID string) (*Document, error) {
	if d, ok := m.docs[submissionID]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, ErrDocumentNotFound
}

func (m *memDocRepo) GetByID(_ context.Context, id uuid.UUID) (*Document, error) {
	for _, d := range m.docs {
		if d.ID == id {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDocumentNotFound
}

func (m *memDocRepo) SetPDFURL(_ context.Context, id uuid.UUID, url string) error {
	for _, d := range m.docs {
		if d.ID == id {
			d.PDFURL = url
			return nil
		}
	}
	return ErrDocumentNotFound
}

type fakeRenderer struct{ fail bool }

func (f *fakeRenderer) Render(s *docgen.Summary) ([]byte, error) {
	if f.fail {
		return nil, errors.New("render exploded")
	}
	return []byte("%PDF-1.4 fake"), nil
}

type fakeNotes struct {
	fail  bool
	calls int
}

func (f *fakeNotes) Generate(_ context.Context, _, _ uuid.UUID) (string, error) {
	f.calls++
	if f.fail {
		return "", errors.New("note generator rate limited")
	}
	return fmt.Sprintf("note-%d", f.calls), nil
}

type memAuditRepo struct{ entries []*audit.Entry }

func (m *memAuditRepo) Append(_ context.Context, e *audit.Entry) error {
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *memAuditRepo) ListByEntity(_ context.Context, _ uuid.UUID, _, _ string) ([]*audit.Entry, error) {
	return m.entries, nil
}

// ---- fixture ----

type fixture struct {
	svc     *Service
	clinic  *clinic.Clinic
	pr      *memPatientRepo
	docs    *memDocRepo
	render  *fakeRenderer
	notes   *fakeNotes
	auditor *memAuditRepo
}

func newFixture() *fixture {
	cl := &clinic.Clinic{ID: uuid.New(), Slug: "default", Name: "Default Clinic"}
	clinics := &memClinicRepo{clinics: map[string]*clinic.Clinic{cl.Slug: cl}}
	pr := newMemPatientRepo()
	docs := newMemDocRepo()
	render := &fakeRenderer{}
	notes := &fakeNotes{}
	auditRepo := &memAuditRepo{}

	svc := NewService(
		clinics,
		patient.NewService(pr, zerolog.Nop()),
		docs,
		render,
		blobstore.NewMemory(),
		notes,
		audit.NewRecorder(auditRepo, zerolog.Nop()),
		"default",
		zerolog.Nop(),
	)
	return &fixture{svc: svc, clinic: cl, pr: pr, docs: docs, render: render, notes: notes, auditor: auditRepo}
}

var completePayload = []byte(`{
	"submission_id": "sub-1",
	"submission_type": "complete",
	"first_name": "Jane",
	"last_name": "Doe",
	"email": "jane@example.com",
	"phone": "5551234567",
	"dob": "1990-05-01",
	"gender": "female",
	"answers": [{"label": "Referral code", "value": "FRIEND10"}]
}`)

// ---- tests ----

func TestProcess_HappyPath(t *testing.T) {
	f := newFixture()
	res, err := f.svc.Process(context.Background(), "", completePayload)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Patient == nil || !res.PatientCreated {
		t.Fatal("expected created patient")
	}
	if res.Document == nil || res.Document.SubmissionID != "sub-1" {
		t.Fatalf("document = %+v", res.Document)
	}
	if res.SOAPNoteID == "" {
		t.Error("expected soap note for complete submission")
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
	if res.Document.PDFURL == "" {
		t.Error("expected pdf url from blob upload")
	}

	// Referral answer produced an audit entry.
	var tracked bool
	for _, e := range f.auditor.entries {
		if e.Action == "referral.tracked" {
			tracked = true
		}
	}
	if !tracked {
		t.Error("referral answer was not tracked")
	}
}

func TestProcess_IdempotentRedelivery(t *testing.T) {
	f := newFixture()
	first, err := f.svc.Process(context.Background(), "", completePayload)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.svc.Process(context.Background(), "", completePayload)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if len(f.docs.docs) != 1 {
		t.Fatalf("expected 1 document row, got %d", len(f.docs.docs))
	}
	if second.Document.ID != first.Document.ID {
		t.Error("redelivery created a second document")
	}
	if second.Patient.ID != first.Patient.ID {
		t.Error("redelivery created a second patient")
	}

	var refs int
	for _, n := range f.pr.notes {
		if n.SubmissionID == "sub-1" {
			refs++
		}
	}
	if refs != 1 {
		t.Errorf("expected exactly 1 note referencing sub-1, got %d", refs)
	}
}

func TestProcess_DegradedInputStillSucceeds(t *testing.T) {
	f := newFixture()
	res, err := f.svc.Process(context.Background(), "", []byte(`{}`))
	if err != nil {
		t.Fatalf("degraded payload must not fail the pipeline: %v", err)
	}
	p := res.Patient
	if p.FirstName != "Unknown" {
		t.Errorf("first name = %q", p.FirstName)
	}
	if !patient.IsSentinelEmail(p.Email) {
		t.Errorf("email = %q, want sentinel", p.Email)
	}
	if p.DOB != patient.SentinelDOB {
		t.Errorf("dob = %q", p.DOB)
	}
}

func TestProcess_MalformedBodyUsesFallback(t *testing.T) {
	f := newFixture()
	res, err := f.svc.Process(context.Background(), "", []byte(`this is not json`))
	if err != nil {
		t.Fatalf("malformed payload must not fail the pipeline: %v", err)
	}
	if res.Patient == nil {
		t.Fatal("expected fallback patient")
	}
	var flagged bool
	for _, tag := range res.Patient.Tags {
		if tag == "malformed-intake" {
			flagged = true
		}
	}
	if !flagged {
		t.Errorf("fallback record not flagged: tags = %v", res.Patient.Tags)
	}
}

func TestProcess_SoftNoteFailureIsWarning(t *testing.T) {
	f := newFixture()
	f.notes.fail = true

	res, err := f.svc.Process(context.Background(), "", completePayload)
	if err != nil {
		t.Fatalf("note failure must not fail the pipeline: %v", err)
	}
	if res.Patient == nil {
		t.Fatal("expected patient despite note failure")
	}
	var found bool
	for _, w := range res.Warnings {
		if w.Step == "soap-note" {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want soap-note entry", res.Warnings)
	}
	if f.notes.calls != 1 {
		t.Errorf("note generator called %d times, must never be retried", f.notes.calls)
	}
}

func TestProcess_NoNoteForPartialSubmission(t *testing.T) {
	f := newFixture()
	payload := []byte(`{"submission_id": "sub-p", "submission_type": "partial", "email": "p@example.com"}`)
	res, err := f.svc.Process(context.Background(), "", payload)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if f.notes.calls != 0 {
		t.Error("note generator must be skipped for partial submissions")
	}
	if res.SOAPNoteID != "" {
		t.Errorf("soap note = %q for partial submission", res.SOAPNoteID)
	}
}

func TestProcess_RenderFailureStillWritesDocument(t *testing.T) {
	f := newFixture()
	f.render.fail = true

	res, err := f.svc.Process(context.Background(), "", completePayload)
	if err != nil {
		t.Fatalf("render failure must not fail the pipeline: %v", err)
	}
	if res.Document == nil {
		t.Fatal("document must be written even without a pdf")
	}
	if res.Document.PDFURL != "" {
		t.Errorf("pdf url = %q after failed render", res.Document.PDFURL)
	}
	var found bool
	for _, w := range res.Warnings {
		if w.Step == "render-pdf" {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want render-pdf entry", res.Warnings)
	}
}

func TestProcess_UnknownClinic(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Process(context.Background(), "nope", completePayload)
	var pe *PipelineError
	if !errors.As(err, &pe) || pe.Code != CodeClinicNotFound {
		t.Fatalf("err = %v, want %s", err, CodeClinicNotFound)
	}
}
