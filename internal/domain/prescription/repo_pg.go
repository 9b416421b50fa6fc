package prescription

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

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const orderCols = `id, clinic_id, provider_id, patient_id, message_id, status,
	pharmacy_order_id, request_json, response_json, error_reason, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.ClinicID, &o.ProviderID, &o.PatientID, &o.MessageID, &o.Status,
		&o.PharmacyOrderID, &o.RequestJSON, &o.ResponseJSON, &o.ErrorReason, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO orders (id, clinic_id, provider_id, patient_id, message_id,
			status, request_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		o.ID, o.ClinicID, o.ProviderID, o.PatientID, o.MessageID, o.Status, o.RequestJSON)
	return err
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(r.conn(ctx).QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	o.Rx, err = r.ListRx(ctx, o.ID)
	return o, err
}

func (r *orderRepoPG) GetByMessageID(ctx context.Context, clinicID uuid.UUID, messageID string) (*Order, error) {
	o, err := scanOrder(r.conn(ctx).QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE clinic_id = $1 AND message_id = $2`, clinicID, messageID))
	if err != nil {
		return nil, err
	}
	o.Rx, err = r.ListRx(ctx, o.ID)
	return o, err
}

func (r *orderRepoPG) CreateRxBulk(ctx context.Context, orderID uuid.UUID, rx []*Rx) error {
	batch := &pgx.Batch{}
	for _, item := range rx {
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		item.OrderID = orderID
		batch.Queue(`
			INSERT INTO order_rx (id, order_id, drug_name, drug_class, strength,
				quantity, days_supply, refills, instructions)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			item.ID, item.OrderID, item.DrugName, item.DrugClass, item.Strength,
			item.Quantity, item.DaysSupply, item.Refills, item.Instructions)
	}

	var results pgx.BatchResults
	if tx := db.TxFromContext(ctx); tx != nil {
		results = tx.SendBatch(ctx, batch)
	} else {
		results = r.pool.SendBatch(ctx, batch)
	}
	defer results.Close()

	for range rx {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (r *orderRepoPG) ListRx(ctx context.Context, orderID uuid.UUID) ([]*Rx, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, order_id, drug_name, drug_class, strength, quantity,
			days_supply, refills, instructions
		FROM order_rx WHERE order_id = $1 ORDER BY drug_name`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Rx
	for rows.Next() {
		var rx Rx
		if err := rows.Scan(&rx.ID, &rx.OrderID, &rx.DrugName, &rx.DrugClass, &rx.Strength,
			&rx.Quantity, &rx.DaysSupply, &rx.Refills, &rx.Instructions); err != nil {
			return nil, err
		}
		items = append(items, &rx)
	}
	return items, rows.Err()
}

func (r *orderRepoPG) MarkSent(ctx context.Context, id uuid.UUID, pharmacyOrderID string, response json.RawMessage) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE orders SET status = $2, pharmacy_order_id = $3, response_json = $4,
			error_reason = '', updated_at = NOW()
		WHERE id = $1`, id, StatusSent, pharmacyOrderID, response)
	return err
}

func (r *orderRepoPG) MarkError(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE orders SET status = $2, error_reason = $3, updated_at = NOW()
		WHERE id = $1`, id, StatusError, reason)
	return err
}

func (r *orderRepoPG) ProviderEntitled(ctx context.Context, providerID, clinicID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM provider_clinic WHERE provider_id = $1 AND clinic_id = $2
		)`, providerID, clinicID).Scan(&exists)
	return exists, err
}
