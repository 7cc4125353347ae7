package models

import (
	"fmt"
	"time"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	StatusDraft           CampaignStatus = "DRAFT"
	StatusPendingApproval CampaignStatus = "PENDING_APPROVAL"
	StatusApproved        CampaignStatus = "APPROVED"
	StatusSending         CampaignStatus = "SENDING"
	StatusSent            CampaignStatus = "SENT"
	StatusRejected        CampaignStatus = "REJECTED"
	StatusStopped         CampaignStatus = "STOPPED"
)

// transitions is the closed set of legal status moves. Anything not listed
// here is rejected by the repository layer.
var transitions = map[CampaignStatus][]CampaignStatus{
	StatusDraft:           {StatusPendingApproval},
	StatusPendingApproval: {StatusApproved, StatusRejected},
	StatusApproved:        {StatusSending, StatusStopped},
	StatusSending:         {StatusSent, StatusApproved},
	StatusSent:            {StatusSending, StatusStopped},
	StatusRejected:        {StatusPendingApproval},
	StatusStopped:         {},
}

// Valid reports whether s is a known campaign status.
func (s CampaignStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is a legal
// lifecycle transition.
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when a status change is not in the
// transition table.
type ErrInvalidTransition struct {
	From CampaignStatus
	To   CampaignStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid campaign status transition: %s -> %s", e.From, e.To)
}

// Frequency describes how often a recurring campaign fires.
type Frequency string

const (
	FrequencyNone     Frequency = "NONE"
	FrequencyDaily    Frequency = "DAILY"
	FrequencyWeekly   Frequency = "WEEKLY"
	FrequencyBiweekly Frequency = "BIWEEKLY"
	FrequencyMonthly  Frequency = "MONTHLY"
	FrequencyCustom   Frequency = "CUSTOM"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyNone, FrequencyDaily, FrequencyWeekly, FrequencyBiweekly,
		FrequencyMonthly, FrequencyCustom:
		return true
	}
	return false
}

// RecurrenceRule is the user-declared schedule of a recurring campaign.
type RecurrenceRule struct {
	Frequency  Frequency `json:"frequency"`
	Time       string    `json:"time,omitempty"`         // HH:MM, 24-hour
	DaysOfWeek []int     `json:"days_of_week,omitempty"` // 0-6, Sunday-Saturday
	DayOfMonth int       `json:"day_of_month,omitempty"` // 1-31
	CustomExpr string    `json:"custom_expr,omitempty"`  // for FrequencyCustom
}

// Campaign represents an email campaign
type Campaign struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Name        string         `json:"name"`
	Subject     string         `json:"subject"`
	Content     string         `json:"content"`
	Status      CampaignStatus `json:"status"`
	IsRecurring bool           `json:"is_recurring"`

	Recurrence         RecurrenceRule `json:"recurrence"`
	Timezone           string         `json:"timezone"` // IANA name, e.g. "Europe/Berlin"
	RecurringStartDate *time.Time     `json:"recurring_start_date,omitempty"`
	RecurringEndDate   *time.Time     `json:"recurring_end_date,omitempty"`
	ScheduleExpr       string         `json:"schedule_expr,omitempty"`

	// SentAt is the watermark of the last fully completed cycle. Recurring
	// retries only skip recipients confirmed sent after this instant.
	SentAt *time.Time `json:"sent_at,omitempty"`

	// LastFireWeek is the ISO week of the last biweekly execution,
	// encoded as year*100+week. Zero means never executed.
	LastFireWeek int `json:"last_fire_week,omitempty"`

	ProviderMessageIDs []string `json:"provider_message_ids,omitempty"`
	ProviderTags       []string `json:"provider_tags,omitempty"`

	GroupIDs []string `json:"group_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InWindow reports whether now falls inside the campaign's recurring date
// window. A missing bound is open-ended on that side.
func (c *Campaign) InWindow(now time.Time) bool {
	if c.RecurringStartDate != nil && now.Before(*c.RecurringStartDate) {
		return false
	}
	if c.RecurringEndDate != nil && now.After(*c.RecurringEndDate) {
		return false
	}
	return true
}

// WindowElapsed reports whether the recurring window has fully passed.
func (c *Campaign) WindowElapsed(now time.Time) bool {
	return c.RecurringEndDate != nil && now.After(*c.RecurringEndDate)
}

// Sendable reports whether the campaign may enter a send attempt.
// First sends start from APPROVED; recurring campaigns may also re-enter
// from SENT.
func (c *Campaign) Sendable(isRecurring bool) bool {
	if c.Status == StatusApproved {
		return true
	}
	return isRecurring && c.Status == StatusSent
}

// ISOWeekKey encodes a time's ISO year and week as year*100+week, the
// format stored in Campaign.LastFireWeek.
func ISOWeekKey(t time.Time) int {
	year, week := t.ISOWeek()
	return year*100 + week
}
