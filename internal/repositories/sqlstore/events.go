package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	domain "github.com/storefront/api/internal/domain"
)

type eventRepo struct{ s *Store }

func (r eventRepo) Seen(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := r.s.queryRow(ctx, `SELECT 1 FROM webhook_events WHERE id = ?`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapError("webhook_events.seen", err)
	}
	return true, nil
}

// MarkProcessed inserts the event id; the primary key turns a concurrent duplicate into a conflict.
func (r eventRepo) MarkProcessed(ctx context.Context, event domain.WebhookEvent) error {
	_, err := r.s.exec(ctx, `
		INSERT INTO webhook_events (id, type, provider, order_id, processed_at)
		VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.Type, event.Provider, event.OrderID, event.ProcessedAt.UTC())
	return wrapError("webhook_events.insert", err)
}
