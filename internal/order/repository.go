package order

import (
	"context"
	"errors"

	"strategy-core/internal/persistence"
)

// ErrNotFound is returned when no record exists for an order id.
var ErrNotFound = errors.New("order: record not found")

// Repository persists order records as JSON under order:{id}.
type Repository struct {
	store persistence.Store
}

func NewRepository(store persistence.Store) *Repository {
	return &Repository{store: store}
}

// Save upserts the record keyed by its order id.
func (r *Repository) Save(ctx context.Context, rec Record) error {
	if rec.OrderID == "" {
		return errors.New("order: record without order id")
	}
	return persistence.SaveJSON(ctx, r.store, persistence.OrderKey(rec.OrderID), rec)
}

func (r *Repository) Load(ctx context.Context, orderID string) (Record, error) {
	rec, err := persistence.LoadJSON[Record](ctx, r.store, persistence.OrderKey(orderID))
	if errors.Is(err, persistence.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (r *Repository) Delete(ctx context.Context, orderID string) error {
	_, err := r.store.Delete(ctx, persistence.OrderKey(orderID))
	return err
}
