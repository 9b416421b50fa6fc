package patient

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// memRepo is an in-memory Repository for tests.
type memRepo struct {
	patients   map[uuid.UUID]*Patient
	notes      []*Note
	counters   map[uuid.UUID]int64
	counterErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		patients: map[uuid.UUID]*Patient{},
		counters: map[uuid.UUID]int64{},
	}
}

func (m *memRepo) Create(_ context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memRepo) Update(_ context.Context, p *Patient) error {
	if _, ok := m.patients[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *memRepo) List(_ context.Context, clinicID uuid.UUID, limit, offset int) ([]*Patient, int, error) {
	var items []*Patient
	for _, p := range m.patients {
		if p.ClinicID == clinicID {
			cp := *p
			items = append(items, &cp)
		}
	}
	return items, len(items), nil
}

func (m *memRepo) FindByEmail(_ context.Context, clinicID uuid.UUID, email string) (*Patient, error) {
	for _, p := range m.patients {
		if p.ClinicID == clinicID && strings.EqualFold(p.Email, email) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRepo) FindByPhone(_ context.Context, clinicID uuid.UUID, phone string) (*Patient, error) {
	for _, p := range m.patients {
		if p.ClinicID == clinicID && p.Phone == phone {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRepo) FindByNameDOB(_ context.Context, clinicID uuid.UUID, first, last, dob string) (*Patient, error) {
	for _, p := range m.patients {
		if p.ClinicID == clinicID && strings.EqualFold(p.FirstName, first) &&
			strings.EqualFold(p.LastName, last) && p.DOB == dob {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRepo) AppendNote(_ context.Context, n *Note) error {
	for _, existing := range m.notes {
		if existing.PatientID == n.PatientID && existing.SubmissionID == n.SubmissionID {
			return ErrNoteExists
		}
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	cp := *n
	m.notes = append(m.notes, &cp)
	return nil
}

func (m *memRepo) ListNotes(_ context.Context, patientID uuid.UUID) ([]*Note, error) {
	var items []*Note
	for _, n := range m.notes {
		if n.PatientID == patientID {
			cp := *n
			items = append(items, &cp)
		}
	}
	return items, nil
}

func (m *memRepo) NextDisplaySeq(_ context.Context, clinicID uuid.UUID) (int64, error) {
	if m.counterErr != nil {
		return 0, m.counterErr
	}
	m.counters[clinicID]++
	return m.counters[clinicID], nil
}

func newTestService(repo Repository) *Service {
	return NewService(repo, zerolog.Nop())
}

func TestUpsert_CreatesNewPatient(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	clinicID := uuid.New()

	p, created, err := svc.Upsert(context.Background(), UpsertInput{
		ClinicID: clinicID,
		Draft: Draft{
			FirstName: "Jane", LastName: "Doe", DOB: "1990-05-01",
			Email: "jane@example.com", Phone: "5551234567", Gender: "female",
		},
		Tags:           []string{"#new-lead"},
		SubmissionID:   "sub-1",
		SubmissionType: LeadComplete,
		NoteBody:       "intake received",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created {
		t.Fatal("expected created=true")
	}
	if p.DisplayID != "P-000001" {
		t.Errorf("display id = %q, want P-000001", p.DisplayID)
	}
	if p.LeadStatus != LeadComplete {
		t.Errorf("lead status = %q", p.LeadStatus)
	}
	if len(repo.notes) != 1 {
		t.Errorf("expected 1 note, got %d", len(repo.notes))
	}
}

func TestUpsert_LookupOrder(t *testing.T) {
	clinicID := uuid.New()

	// Seed three distinct patients matchable by email, phone, and name+dob.
	byEmail := &Patient{ID: uuid.New(), ClinicID: clinicID, Email: "match@example.com", Phone: "1112223333", FirstName: "A", LastName: "B", DOB: "1980-01-01"}
	byPhone := &Patient{ID: uuid.New(), ClinicID: clinicID, Email: "other@example.com", Phone: "9998887777", FirstName: "C", LastName: "D", DOB: "1981-01-01"}
	byName := &Patient{ID: uuid.New(), ClinicID: clinicID, Email: "third@example.com", Phone: "5556667777", FirstName: "Eve", LastName: "Frost", DOB: "1982-02-02"}

	tests := []struct {
		name  string
		draft Draft
		want  uuid.UUID
	}{
		{"email wins", Draft{Email: "match@example.com", Phone: "9998887777"}, byEmail.ID},
		{"phone when email sentinel", Draft{Email: SentinelEmail(time.Now()), Phone: "9998887777"}, byPhone.ID},
		{"name+dob when both sentinel", Draft{Email: "", Phone: SentinelPhone, FirstName: "Eve", LastName: "Frost", DOB: "1982-02-02"}, byName.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo()
			for _, p := range []*Patient{byEmail, byPhone, byName} {
				cp := *p
				repo.patients[p.ID] = &cp
			}
			svc := newTestService(repo)
			got, created, err := svc.Upsert(context.Background(), UpsertInput{
				ClinicID: clinicID,
				Draft:    tt.draft,
			})
			if err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if created {
				t.Fatal("expected match, got create")
			}
			if got.ID != tt.want {
				t.Errorf("matched %s, want %s", got.ID, tt.want)
			}
		})
	}
}

func TestUpsert_TenantIsolation(t *testing.T) {
	repo := newMemRepo()
	clinicA := uuid.New()
	clinicB := uuid.New()
	other := &Patient{ID: uuid.New(), ClinicID: clinicB, Email: "same@example.com", Phone: "5551234567", FirstName: "Jane", LastName: "Doe", DOB: "1990-05-01"}
	repo.patients[other.ID] = other

	svc := newTestService(repo)
	p, created, err := svc.Upsert(context.Background(), UpsertInput{
		ClinicID: clinicA,
		Draft: Draft{
			FirstName: "Jane", LastName: "Doe", DOB: "1990-05-01",
			Email: "same@example.com", Phone: "5551234567",
		},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created {
		t.Fatal("identical identity in another clinic must not match")
	}
	if p.ID == other.ID {
		t.Fatal("cross-tenant record was reused")
	}
	if got := repo.patients[other.ID]; got.ClinicID != clinicB {
		t.Fatal("clinic B record was mutated")
	}
}

func TestUpsert_PartialThenCompleteUpgrade(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	clinicID := uuid.New()

	first, created, err := svc.Upsert(context.Background(), UpsertInput{
		ClinicID:       clinicID,
		Draft:          Draft{Email: "lead@example.com"},
		Tags:           []string{"partial-lead", "needs-followup"},
		SubmissionID:   "sub-1",
		SubmissionType: LeadPartial,
		NoteBody:       "partial intake",
	})
	if err != nil || !created {
		t.Fatalf("first upsert: created=%v err=%v", created, err)
	}
	if first.LeadStatus != LeadPartial {
		t.Fatalf("lead status = %q, want partial", first.LeadStatus)
	}

	second, created, err := svc.Upsert(context.Background(), UpsertInput{
		ClinicID:       clinicID,
		Draft:          Draft{Email: "lead@example.com"},
		Tags:           []string{"qualified"},
		SubmissionID:   "sub-2",
		SubmissionType: LeadComplete,
		NoteBody:       "complete intake",
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Fatal("complete submission created a second patient")
	}
	if second.ID != first.ID {
		t.Fatal("identity did not resolve to the same record")
	}
	if second.LeadStatus != LeadComplete {
		t.Errorf("lead status = %q, want complete", second.LeadStatus)
	}
	for _, tag := range second.Tags {
		if tag == "partial-lead" || tag == "needs-followup" {
			t.Errorf("followup tag %q survived the upgrade", tag)
		}
	}

	// Complete is sticky.
	third, _, err := svc.Upsert(context.Background(), UpsertInput{
		ClinicID:       clinicID,
		Draft:          Draft{Email: "lead@example.com"},
		SubmissionID:   "sub-3",
		SubmissionType: LeadPartial,
	})
	if err != nil {
		t.Fatalf("third upsert: %v", err)
	}
	if third.LeadStatus != LeadComplete {
		t.Error("partial submission downgraded a complete lead")
	}
}

func TestUpsert_NoteRedeliveryDedup(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	clinicID := uuid.New()

	in := UpsertInput{
		ClinicID:     clinicID,
		Draft:        Draft{Email: "dup@example.com"},
		SubmissionID: "sub-dup",
		NoteBody:     "same note",
	}
	if _, _, err := svc.Upsert(context.Background(), in); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, _, err := svc.Upsert(context.Background(), in); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(repo.notes) != 1 {
		t.Fatalf("expected exactly 1 note after redelivery, got %d", len(repo.notes))
	}
}

func TestUpsert_CounterFallback(t *testing.T) {
	repo := newMemRepo()
	repo.counterErr = errors.New("counter row locked")
	svc := newTestService(repo)

	p, created, err := svc.Upsert(context.Background(), UpsertInput{
		ClinicID: uuid.New(),
		Draft:    Draft{Email: "fallback@example.com"},
	})
	if err != nil {
		t.Fatalf("upsert must not fail on counter contention: %v", err)
	}
	if !created {
		t.Fatal("expected create")
	}
	if !strings.HasPrefix(p.DisplayID, "P-T") {
		t.Errorf("display id %q is not timestamp-derived", p.DisplayID)
	}
}

func TestUpsert_SentinelNeverOverwritesRealData(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	clinicID := uuid.New()

	first, _, err := svc.Upsert(context.Background(), UpsertInput{
		ClinicID: clinicID,
		Draft: Draft{
			FirstName: "Jane", LastName: "Doe",
			Email: "jane@example.com", Phone: "5551234567", DOB: "1990-05-01",
		},
	})
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	// Degraded redelivery matched by phone must not blank out identity.
	second, _, err := svc.Upsert(context.Background(), UpsertInput{
		ClinicID: clinicID,
		Draft: Draft{
			FirstName: "Unknown", LastName: "Lead",
			Email: SentinelEmail(time.Now()), Phone: "5551234567", DOB: SentinelDOB,
		},
	})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("phone lookup did not resolve")
	}
	if second.Email != "jane@example.com" || second.DOB != "1990-05-01" || second.FirstName != "Jane" {
		t.Errorf("sentinel values overwrote real data: %+v", second)
	}
}

