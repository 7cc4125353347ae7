package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailloft/mailloft/internal/models"
)

// EventRepository is the append-only log of terminal per-recipient send
// outcomes. Besides analytics, the SENT rows are the idempotency ledger
// consulted when a cycle is retried.
type EventRepository struct {
	db *DB
}

func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// RecordSent appends one SENT event for a recipient.
func (r *EventRepository) RecordSent(ctx context.Context, tenantID, campaignID, address, providerMessageID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO send_events (id, tenant_id, campaign_id, contact_email,
			event_type, provider_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), tenantID, campaignID, address,
		models.EventSent, nullString(providerMessageID), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record send event: %w", err)
	}
	return nil
}

// FindSentAddressesSince returns the addresses with a SENT event for the
// campaign after the watermark. A nil watermark means all history, the
// behavior one-off campaigns rely on.
func (r *EventRepository) FindSentAddressesSince(ctx context.Context, campaignID, tenantID string, since *time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT contact_email FROM send_events
		WHERE campaign_id = ? AND tenant_id = ? AND event_type = ?`
	args := []any{campaignID, tenantID, models.EventSent}

	if since != nil {
		query += ` AND created_at >= ?`
		args = append(args, since.UTC())
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// CountSent returns the number of SENT events for a campaign, optionally
// bounded by the watermark.
func (r *EventRepository) CountSent(ctx context.Context, campaignID, tenantID string, since *time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM send_events
		WHERE campaign_id = ? AND tenant_id = ? AND event_type = ?`
	args := []any{campaignID, tenantID, models.EventSent}

	if since != nil {
		query += ` AND created_at >= ?`
		args = append(args, since.UTC())
	}

	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
