package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"contractscan/internal/models"
)

// NotifyChannel is the LISTEN/NOTIFY channel fed by the raw.transactions
// insert trigger for volume-indexed contracts.
const NotifyChannel = "new_volume_transaction"

// ListenNewTransactions holds one pool connection in LISTEN mode and
// delivers decoded notifications until ctx is cancelled or the connection
// drops. The caller owns reconnect policy; a dropped connection returns an
// error rather than looping internally so the listener can fall back to
// polling after repeated failures.
func (r *Repository) ListenNewTransactions(ctx context.Context, out chan<- models.TxNotification) error {
	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}

		var n models.TxNotification
		if err := json.Unmarshal([]byte(notification.Payload), &n); err != nil {
			// A malformed payload is not worth killing the listener over.
			continue
		}
		if n.TxHash == "" {
			continue
		}

		select {
		case out <- n:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
