package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateDelivery indicates the delivery id was already recorded.
var ErrDuplicateDelivery = errors.New("delivery already processed")

// MarkDeliverySeen records a delivery id. The insert is the atomic fence:
// the first caller wins and every later caller gets ErrDuplicateDelivery,
// so check-then-act races between redelivered webhooks cannot double-fire.
func (r *Registry) MarkDeliverySeen(ctx context.Context, deliveryID string) error {
	res, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO processed_deliveries (delivery_id, seen_at)
		VALUES (?, ?)
		ON CONFLICT (delivery_id) DO NOTHING`),
		deliveryID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording delivery %s: %w", deliveryID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateDelivery, deliveryID)
	}
	return nil
}

// IsDeliverySeen reports whether a delivery id has been recorded. Advisory
// only; MarkDeliverySeen is the authoritative fence.
func (r *Registry) IsDeliverySeen(ctx context.Context, deliveryID string) (bool, error) {
	var seenAt time.Time
	err := r.db.GetContext(ctx, &seenAt,
		r.rebind(`SELECT seen_at FROM processed_deliveries WHERE delivery_id = ?`), deliveryID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying delivery %s: %w", deliveryID, err)
	}
	return true, nil
}

// PruneDeliveries removes dedup rows older than the retention window.
func (r *Registry) PruneDeliveries(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := r.db.ExecContext(ctx,
		r.rebind(`DELETE FROM processed_deliveries WHERE seen_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
