package intake

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

type docRepoPG struct{ pool *pgxpool.Pool }

func NewDocumentRepoPG(pool *pgxpool.Pool) DocumentRepository {
	return &docRepoPG{pool: pool}
}

func (r *docRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const docCols = `id, clinic_id, patient_id, submission_id, submission_type,
	qualified, intake_json, consent_json, pdf_url, created_at, updated_at`

func scanDoc(row pgx.Row) (*Document, error) {
	var d Document
	var intake, consent []byte
	err := row.Scan(&d.ID, &d.ClinicID, &d.PatientID, &d.SubmissionID, &d.SubmissionType,
		&d.Qualified, &intake, &consent, &d.PDFURL, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(intake) > 0 {
		if err := json.Unmarshal(intake, &d.IntakeJSON); err != nil {
			return nil, err
		}
	}
	if len(consent) > 0 {
		if err := json.Unmarshal(consent, &d.ConsentJSON); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

func (r *docRepoPG) Upsert(ctx context.Context, d *Document) (*Document, bool, error) {
	existing, err := r.GetBySubmissionID(ctx, d.SubmissionID)
	if err != nil && !errors.Is(err, ErrDocumentNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return r.update(ctx, existing, d)
	}

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	intake, consent, err := marshalDoc(d)
	if err != nil {
		return nil, false, err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_document (id, clinic_id, patient_id, submission_id,
			submission_type, qualified, intake_json, consent_json, pdf_url)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.ClinicID, d.PatientID, d.SubmissionID,
		d.SubmissionType, d.Qualified, intake, consent, d.PDFURL)
	if db.IsUniqueViolation(err) {
		// Lost a concurrent-delivery race; the winner's row is authoritative.
		winner, ferr := r.GetBySubmissionID(ctx, d.SubmissionID)
		if ferr != nil {
			return nil, false, ferr
		}
		return r.update(ctx, winner, d)
	}
	if err != nil {
		return nil, false, err
	}
	stored, err := r.GetByID(ctx, d.ID)
	return stored, true, err
}

func (r *docRepoPG) update(ctx context.Context, existing, incoming *Document) (*Document, bool, error) {
	intake, consent, err := marshalDoc(incoming)
	if err != nil {
		return nil, false, err
	}
	pdfURL := incoming.PDFURL
	if pdfURL == "" {
		pdfURL = existing.PDFURL
	}
	_, err = r.conn(ctx).Exec(ctx, `
		UPDATE patient_document SET patient_id=$2, submission_type=$3, qualified=$4,
			intake_json=$5, consent_json=$6, pdf_url=$7, updated_at=NOW()
		WHERE id = $1`,
		existing.ID, incoming.PatientID, incoming.SubmissionType, incoming.Qualified,
		intake, consent, pdfURL)
	if err != nil {
		return nil, false, err
	}
	updated, err := r.GetByID(ctx, existing.ID)
	return updated, false, err
}

func (r *docRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	return scanDoc(r.conn(ctx).QueryRow(ctx,
		`SELECT `+docCols+` FROM patient_document WHERE id = $1`, id))
}

func (r *docRepoPG) GetBySubmissionID(ctx context.Context, submissionID string) (*Document, error) {
	return scanDoc(r.conn(ctx).QueryRow(ctx,
		`SELECT `+docCols+` FROM patient_document WHERE submission_id = $1`, submissionID))
}

func (r *docRepoPG) SetPDFURL(ctx context.Context, id uuid.UUID, url string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_document SET pdf_url = $2, updated_at = NOW() WHERE id = $1`, id, url)
	return err
}

func marshalDoc(d *Document) (intake, consent []byte, err error) {
	if d.IntakeJSON != nil {
		intake, err = json.Marshal(d.IntakeJSON)
		if err != nil {
			return nil, nil, err
		}
	}
	if d.ConsentJSON != nil {
		consent, err = json.Marshal(d.ConsentJSON)
		if err != nil {
			return nil, nil, err
		}
	}
	return intake, consent, nil
}
