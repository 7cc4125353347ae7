package dispatch

import (
	"context"
	"fmt"

	"github.com/mailloft/mailloft/internal/models"
)

// Message is the tenant-agnostic content of one campaign send.
type Message struct {
	Subject string
	HTML    string
	Text    string
	Tags    []string
}

// Variables maps a recipient address to its personalization values.
type Variables map[string]map[string]string

// Provider delivers one batch of recipients in a single call and returns
// the provider's message id for the batch.
type Provider interface {
	SendBatch(ctx context.Context, identity models.SenderIdentity, recipients []string, vars Variables, msg Message) (providerMessageID string, err error)
}

// AuthError means the provider rejected the sender identity (bad domain or
// from-address). The client retries the chunk once under the platform
// default identity.
type AuthError struct {
	Identity   models.SenderIdentity
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider rejected sender %s (status %d): %s",
		e.Identity.FromEmail, e.StatusCode, e.Message)
}

// TransientError is a retryable delivery failure: the chunk is reported
// failed and picked up by the next cycle via the watermark filter.
type TransientError struct {
	Message string
}

func (e *TransientError) Error() string { return e.Message }

// RecipientError is a per-recipient failure detail inside a failed batch.
type RecipientError struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

// BatchStatus is the outcome of one provider call.
type BatchStatus string

const (
	BatchSuccess BatchStatus = "success"
	BatchError   BatchStatus = "error"
)

// BatchResult reports one chunk's outcome. A failed chunk carries zero
// Sent and one error per recipient; it never blocks later chunks.
type BatchResult struct {
	Status            BatchStatus      `json:"status"`
	Sent              int              `json:"sent"`
	Recipients        []string         `json:"recipients"`
	ProviderMessageID string           `json:"provider_message_id,omitempty"`
	Errors            []RecipientError `json:"errors,omitempty"`
}
