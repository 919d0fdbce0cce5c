package fulfillment

import (
	"context"
	"time"
)

// OrderStore loads and persists order lifecycle state. The backing record
// store is eventually consistent and offers no multi-statement transactions;
// callers compensate instead of rolling back.
type OrderStore interface {
	LoadState(ctx context.Context, orderID string) (OrderState, error)
	PersistState(ctx context.Context, orderID string, state OrderState, metadata map[string]any) error
}

// StuckOrderScanner lists orders sitting in fulfillment_started past a
// cutoff. Used only by the reconciliation job.
type StuckOrderScanner interface {
	StuckOrders(ctx context.Context, before time.Time) ([]Order, error)
}
