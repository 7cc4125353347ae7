package orchestrator

import (
	"errors"
	"fmt"

	"github.com/mailloft/mailloft/internal/models"
)

// ErrClaimLost is returned when another process won the send claim first.
// Callers treat it as a clean no-op, not a failure.
var ErrClaimLost = errors.New("send claim lost to a concurrent sender")

// EligibilityError is returned when a campaign cannot enter a send
// attempt, either because it does not exist or because its status does
// not permit sending.
type EligibilityError struct {
	CampaignID string
	Status     models.CampaignStatus
}

func (e *EligibilityError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("campaign %s not found", e.CampaignID)
	}
	return fmt.Sprintf("campaign %s not sendable from status %s", e.CampaignID, e.Status)
}

// BudgetExhaustedError is returned when the tenant's credit balance
// cannot cover the resolved recipient set. Nothing is dispatched and
// nothing is charged.
type BudgetExhaustedError struct {
	Required  int
	Available int
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}
