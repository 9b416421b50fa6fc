package prescription

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

var ErrOrderNotFound = errors.New("order not found")

type OrderRepository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	// GetByMessageID is the in-transaction idempotency check.
	GetByMessageID(ctx context.Context, clinicID uuid.UUID, messageID string) (*Order, error)
	CreateRxBulk(ctx context.Context, orderID uuid.UUID, rx []*Rx) error
	ListRx(ctx context.Context, orderID uuid.UUID) ([]*Rx, error)

	MarkSent(ctx context.Context, id uuid.UUID, pharmacyOrderID string, response json.RawMessage) error
	MarkError(ctx context.Context, id uuid.UUID, reason string) error

	// ProviderEntitled reports whether the provider may prescribe for the
	// clinic, via the assignment join. Called inside the order transaction.
	ProviderEntitled(ctx context.Context, providerID, clinicID uuid.UUID) (bool, error)
}
