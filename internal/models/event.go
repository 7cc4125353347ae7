package models

import "time"

// SendEventType classifies a terminal per-recipient outcome.
type SendEventType string

const (
	EventSent SendEventType = "SENT"
)

// SendEvent is an immutable record of one recipient outcome. The SENT
// events double as the idempotency ledger for cycle retries.
type SendEvent struct {
	ID                string        `json:"id"`
	TenantID          string        `json:"tenant_id"`
	CampaignID        string        `json:"campaign_id"`
	ContactEmail      string        `json:"contact_email"`
	EventType         SendEventType `json:"event_type"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}
