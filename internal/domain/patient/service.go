package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Draft is the normalized demographic slice of one submission.
type Draft struct {
	FirstName  string
	LastName   string
	DOB        string
	Email      string
	Phone      string
	Gender     string
	SourceMeta map[string]any
}

// UpsertInput drives one reconciliation pass.
type UpsertInput struct {
	ClinicID       uuid.UUID
	Draft          Draft
	Tags           []string
	SubmissionID   string
	SubmissionType string // LeadPartial or LeadComplete
	NoteBody       string
}

type Service struct {
	repo Repository
	log  zerolog.Logger
	now  func() time.Time
}

func NewService(repo Repository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log, now: time.Now}
}

// Upsert resolves the submission's identity within the clinic and either
// updates the matching record or creates a new one. Returns the record and
// whether it was created.
//
// Lookup order: email, then phone, then the (first, last, dob) triple, first
// match wins. Sentinel email/phone values are skipped so degraded records
// never cross-match.
func (s *Service) Upsert(ctx context.Context, in UpsertInput) (*Patient, bool, error) {
	if in.ClinicID == uuid.Nil {
		return nil, false, fmt.Errorf("clinic id is required")
	}

	existing, err := s.resolve(ctx, in.ClinicID, in.Draft)
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		if err := s.applyUpdate(ctx, existing, in); err != nil {
			return nil, false, err
		}
		s.appendNote(ctx, existing, in)
		return existing, false, nil
	}

	created, err := s.create(ctx, in)
	if err != nil {
		return nil, false, err
	}
	s.appendNote(ctx, created, in)
	return created, true, nil
}

func (s *Service) resolve(ctx context.Context, clinicID uuid.UUID, d Draft) (*Patient, error) {
	if d.Email != "" && !IsSentinelEmail(d.Email) {
		p, err := s.repo.FindByEmail(ctx, clinicID, d.Email)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if !IsSentinelPhone(d.Phone) {
		p, err := s.repo.FindByPhone(ctx, clinicID, d.Phone)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if d.FirstName != "" && d.LastName != "" && d.DOB != "" {
		p, err := s.repo.FindByNameDOB(ctx, clinicID, d.FirstName, d.LastName, d.DOB)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func (s *Service) applyUpdate(ctx context.Context, p *Patient, in UpsertInput) error {
	p.Tags = MergeTags(p.Tags, in.Tags)

	// A complete submission upgrades a partial lead and clears the followup
	// bookkeeping tags. Complete is sticky: partials never downgrade.
	if in.SubmissionType == LeadComplete && p.LeadStatus != LeadComplete {
		p.LeadStatus = LeadComplete
		p.Tags = StripFollowupTags(p.Tags)
	}

	// Fill identity gaps from the new submission, but never replace real
	// data with sentinels.
	d := in.Draft
	if (p.Email == "" || IsSentinelEmail(p.Email)) && d.Email != "" && !IsSentinelEmail(d.Email) {
		p.Email = d.Email
	}
	if IsSentinelPhone(p.Phone) && !IsSentinelPhone(d.Phone) {
		p.Phone = d.Phone
	}
	if (p.DOB == "" || p.DOB == SentinelDOB) && d.DOB != "" && d.DOB != SentinelDOB {
		p.DOB = d.DOB
	}
	if (p.FirstName == "" || p.FirstName == "Unknown") && d.FirstName != "" && d.FirstName != "Unknown" {
		p.FirstName = d.FirstName
	}
	if (p.LastName == "" || p.LastName == "Lead") && d.LastName != "" && d.LastName != "Lead" {
		p.LastName = d.LastName
	}
	if d.SourceMeta != nil {
		if p.SourceMeta == nil {
			p.SourceMeta = map[string]any{}
		}
		for k, v := range d.SourceMeta {
			p.SourceMeta[k] = v
		}
	}

	return s.repo.Update(ctx, p)
}

func (s *Service) create(ctx context.Context, in UpsertInput) (*Patient, error) {
	status := in.SubmissionType
	if status != LeadComplete {
		status = LeadPartial
	}

	p := &Patient{
		ClinicID:   in.ClinicID,
		DisplayID:  s.displayID(ctx, in.ClinicID),
		FirstName:  in.Draft.FirstName,
		LastName:   in.Draft.LastName,
		DOB:        in.Draft.DOB,
		Email:      in.Draft.Email,
		Phone:      in.Draft.Phone,
		Gender:     in.Draft.Gender,
		Tags:       MergeTags(nil, in.Tags),
		SourceMeta: in.Draft.SourceMeta,
		LeadStatus: status,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// displayID takes the next per-clinic sequence number. If the counter is
// contended or unavailable it falls back to a timestamp-derived id so
// patient creation never fails on the counter alone.
func (s *Service) displayID(ctx context.Context, clinicID uuid.UUID) string {
	seq, err := s.repo.NextDisplaySeq(ctx, clinicID)
	if err != nil {
		s.log.Warn().Err(err).Str("clinic_id", clinicID.String()).
			Msg("clinic counter unavailable, using timestamp display id")
		return fmt.Sprintf("P-T%d", s.now().UnixMilli())
	}
	return fmt.Sprintf("P-%06d", seq)
}

// appendNote records the submission's note line at most once per submission
// id. A duplicate is redelivery, not an error; other failures are logged but
// never fail the upsert.
func (s *Service) appendNote(ctx context.Context, p *Patient, in UpsertInput) {
	if in.NoteBody == "" || in.SubmissionID == "" {
		return
	}
	err := s.repo.AppendNote(ctx, &Note{
		PatientID:    p.ID,
		SubmissionID: in.SubmissionID,
		Body:         in.NoteBody,
	})
	if err != nil && !errors.Is(err, ErrNoteExists) {
		s.log.Error().Err(err).
			Str("patient_id", p.ID.String()).
			Str("submission_id", in.SubmissionID).
			Msg("note append failed")
	}
}

// ResolveOrCreate finds a patient by the (first, last, dob) triple within
// the clinic or creates a new record. The prescription path uses this when
// no explicit patient id is supplied; unlike the intake upsert it never
// matches on email or phone.
func (s *Service) ResolveOrCreate(ctx context.Context, clinicID uuid.UUID, d Draft) (*Patient, bool, error) {
	if d.FirstName != "" && d.LastName != "" && d.DOB != "" {
		p, err := s.repo.FindByNameDOB(ctx, clinicID, d.FirstName, d.LastName, d.DOB)
		if err == nil {
			return p, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}
	p, err := s.create(ctx, UpsertInput{ClinicID: clinicID, Draft: d, SubmissionType: LeadComplete})
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, clinicID uuid.UUID, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, clinicID, limit, offset)
}

func (s *Service) Notes(ctx context.Context, patientID uuid.UUID) ([]*Note, error) {
	return s.repo.ListNotes(ctx, patientID)
}
