package models

import "time"

// SuppressionType is why an address may no longer be mailed.
type SuppressionType string

const (
	SuppressionBounce      SuppressionType = "BOUNCE"
	SuppressionComplaint   SuppressionType = "COMPLAINT"
	SuppressionUnsubscribe SuppressionType = "UNSUBSCRIBE"
)

// Valid reports whether t is a known suppression type.
func (t SuppressionType) Valid() bool {
	switch t {
	case SuppressionBounce, SuppressionComplaint, SuppressionUnsubscribe:
		return true
	}
	return false
}

// SuppressionEntry is one deny-list row. Written by the provider webhook
// path, read by the send pipeline.
type SuppressionEntry struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Email     string          `json:"email"`
	Type      SuppressionType `json:"type"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
