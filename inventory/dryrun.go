package inventory

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// DryRunStore reads through to a real store and only logs writes.
type DryRunStore struct {
	next Store
	log  *zap.Logger
	seq  int64
}

func DryRun(next Store, log *zap.Logger) *DryRunStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &DryRunStore{next: next, log: log}
}

func (d *DryRunStore) List(ctx context.Context, source string) ([]Record, error) {
	return d.next.List(ctx, source)
}

// Create returns a placeholder id ("dry-run-N") so callers can still fold the
// record into their view.
func (d *DryRunStore) Create(_ context.Context, p Payload) (string, error) {
	id := fmt.Sprintf("dry-run-%d", atomic.AddInt64(&d.seq, 1))
	d.log.Info("dry-run: would create",
		zap.String("sku", p.SKU),
		zap.String("listing_id", p.ListingID),
		zap.Int("stock", p.Stock),
		zap.Stringer("price", p.Price))
	return id, nil
}

func (d *DryRunStore) Update(_ context.Context, id string, p Payload) error {
	d.log.Info("dry-run: would update",
		zap.String("id", id),
		zap.String("sku", p.SKU),
		zap.String("listing_id", p.ListingID),
		zap.Int("stock", p.Stock),
		zap.Stringer("price", p.Price))
	return nil
}
