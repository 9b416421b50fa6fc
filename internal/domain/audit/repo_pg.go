package audit

import (
	"context"
	"encoding/json"

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

func (r *repoPG) Append(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	var diff []byte
	if e.Diff != nil {
		var err error
		diff, err = json.Marshal(e.Diff)
		if err != nil {
			return err
		}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_log (id, clinic_id, actor, action, entity, entity_id, diff)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.ClinicID, e.Actor, e.Action, e.Entity, e.EntityID, diff)
	return err
}

func (r *repoPG) ListByEntity(ctx context.Context, clinicID uuid.UUID, entity, entityID string) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, clinic_id, actor, action, entity, entity_id, diff, created_at
		FROM audit_log
		WHERE clinic_id = $1 AND entity = $2 AND entity_id = $3
		ORDER BY created_at`, clinicID, entity, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		var e Entry
		var diff []byte
		if err := rows.Scan(&e.ID, &e.ClinicID, &e.Actor, &e.Action, &e.Entity, &e.EntityID, &diff, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(diff) > 0 {
			if err := json.Unmarshal(diff, &e.Diff); err != nil {
				return nil, err
			}
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}
