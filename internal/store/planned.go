package store

import (
	"context"
	"fmt"
	"time"

	"execution_bot/internal/core"
)

// FindStalePlannedOrders returns PLANNED orders older than the cutoff.
// These are crash leftovers: the row was persisted before a submit whose
// outcome was never recorded. The reconciler probes the venue for them.
func (s *Store) FindStalePlannedOrders(ctx context.Context, olderThan time.Time) ([]*core.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = 'PLANNED' AND created_at < ?
		 ORDER BY created_at ASC`, olderThan.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale planned orders: %w", err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		o, err := scanOrderRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
