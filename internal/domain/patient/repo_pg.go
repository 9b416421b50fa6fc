package patient

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caremesh/caremesh/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const patientCols = `id, clinic_id, display_id, first_name, last_name, dob,
	email, phone, gender, tags, source_meta, lead_status, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var meta []byte
	err := row.Scan(&p.ID, &p.ClinicID, &p.DisplayID, &p.FirstName, &p.LastName, &p.DOB,
		&p.Email, &p.Phone, &p.Gender, &p.Tags, &meta, &p.LeadStatus, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.SourceMeta); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	meta, err := json.Marshal(p.SourceMeta)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO patient (id, clinic_id, display_id, first_name, last_name, dob,
			email, phone, gender, tags, source_meta, lead_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.ID, p.ClinicID, p.DisplayID, p.FirstName, p.LastName, p.DOB,
		p.Email, p.Phone, p.Gender, p.Tags, meta, p.LeadStatus)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	meta, err := json.Marshal(p.SourceMeta)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		UPDATE patient SET first_name=$2, last_name=$3, dob=$4, email=$5, phone=$6,
			gender=$7, tags=$8, source_meta=$9, lead_status=$10, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.FirstName, p.LastName, p.DOB, p.Email, p.Phone,
		p.Gender, p.Tags, meta, p.LeadStatus)
	return err
}

func (r *repoPG) List(ctx context.Context, clinicID uuid.UUID, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM patient WHERE clinic_id = $1`, clinicID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE clinic_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, clinicID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *repoPG) FindByEmail(ctx context.Context, clinicID uuid.UUID, email string) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE clinic_id = $1 AND LOWER(email) = LOWER($2)
		ORDER BY created_at LIMIT 1`, clinicID, email))
}

func (r *repoPG) FindByPhone(ctx context.Context, clinicID uuid.UUID, phone string) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE clinic_id = $1 AND phone = $2
		ORDER BY created_at LIMIT 1`, clinicID, phone))
}

func (r *repoPG) FindByNameDOB(ctx context.Context, clinicID uuid.UUID, firstName, lastName, dob string) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE clinic_id = $1 AND LOWER(first_name) = LOWER($2)
			AND LOWER(last_name) = LOWER($3) AND dob = $4
		ORDER BY created_at LIMIT 1`, clinicID, firstName, lastName, dob))
}

func (r *repoPG) AppendNote(ctx context.Context, n *Note) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_note (id, patient_id, submission_id, body)
		VALUES ($1, $2, $3, $4)`,
		n.ID, n.PatientID, n.SubmissionID, n.Body)
	if db.IsUniqueViolation(err) {
		return ErrNoteExists
	}
	return err
}

func (r *repoPG) ListNotes(ctx context.Context, patientID uuid.UUID) ([]*Note, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, submission_id, body, created_at
		FROM patient_note WHERE patient_id = $1 ORDER BY created_at`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.PatientID, &n.SubmissionID, &n.Body, &n.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &n)
	}
	return items, rows.Err()
}

// NextDisplaySeq increments the clinic counter atomically. The upsert creates
// the counter row on first use; concurrent intakes serialize on the row lock,
// which the service absorbs with its timestamp fallback when contended.
func (r *repoPG) NextDisplaySeq(ctx context.Context, clinicID uuid.UUID) (int64, error) {
	var seq int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO clinic_counter (clinic_id, next_patient_seq)
		VALUES ($1, 1)
		ON CONFLICT (clinic_id)
		DO UPDATE SET next_patient_seq = clinic_counter.next_patient_seq + 1
		RETURNING next_patient_seq`, clinicID).Scan(&seq)
	return seq, err
}
