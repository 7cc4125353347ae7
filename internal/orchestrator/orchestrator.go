// Package orchestrator drives a single campaign send end to end: claim
// the campaign, resolve the eligible recipient set, verify the credit
// budget, dispatch, settle credits batch by batch and finalize the
// campaign status. Every run either completes a cycle or leaves the
// campaign in a state a later run can resume from.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mailloft/mailloft/internal/dispatch"
	"github.com/mailloft/mailloft/internal/metrics"
	"github.com/mailloft/mailloft/internal/models"
	"github.com/mailloft/mailloft/internal/repository"
)

// CampaignStore is the campaign persistence the orchestrator needs.
type CampaignStore interface {
	GetByID(ctx context.Context, id, tenantID string) (*models.Campaign, error)
	TransitionStatus(ctx context.Context, id, tenantID string, from, to models.CampaignStatus) error
	FinalizeSend(ctx context.Context, id, tenantID string, to models.CampaignStatus, sentAt *time.Time, messageIDs, tags []string) error
}

// ContactStore resolves campaign groups to concrete recipients.
type ContactStore interface {
	FindContactsInGroups(ctx context.Context, tenantID string, groupIDs []string) ([]models.Contact, error)
}

// SuppressionFilter removes addresses that must never be mailed.
type SuppressionFilter interface {
	FilterSuppressed(ctx context.Context, tenantID string, addresses []string) ([]string, error)
}

// EventLedger records confirmed sends and answers watermark queries.
type EventLedger interface {
	RecordSent(ctx context.Context, tenantID, campaignID, address, providerMessageID string) error
	FindSentAddressesSince(ctx context.Context, campaignID, tenantID string, since *time.Time) ([]string, error)
}

// CreditLedger exposes the tenant balance and its atomic decrement.
type CreditLedger interface {
	GetByID(ctx context.Context, id string) (*models.Tenant, error)
	CheckBalance(ctx context.Context, tenantID string) (int, error)
	DecrementBy(ctx context.Context, tenantID string, n int) error
}

// Dispatcher hands a resolved job to the mail provider.
type Dispatcher interface {
	SendCampaign(ctx context.Context, job dispatch.Job) []dispatch.BatchResult
}

type Orchestrator struct {
	campaigns  CampaignStore
	contacts   ContactStore
	gate       SuppressionFilter
	events     EventLedger
	credits    CreditLedger
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates an Orchestrator. metrics may be nil.
func New(campaigns CampaignStore, contacts ContactStore, gate SuppressionFilter,
	events EventLedger, credits CreditLedger, dispatcher Dispatcher,
	m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		campaigns:  campaigns,
		contacts:   contacts,
		gate:       gate,
		events:     events,
		credits:    credits,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger.With("component", "orchestrator"),
	}
}

// Result summarizes one send attempt.
type Result struct {
	CampaignID    string
	Attempted     int // recipients handed to dispatch
	Sent          int // recipients confirmed and charged
	FailedBatches int
	Batches       []dispatch.BatchResult
	FinalStatus   models.CampaignStatus
	Complete      bool // every eligible recipient confirmed sent
}

// Execute runs one send attempt for the campaign. isRecurring selects the
// recurring entry rules: SENT campaigns may re-enter, and only sends
// after the current watermark count against this cycle.
func (o *Orchestrator) Execute(ctx context.Context, campaignID, tenantID string, isRecurring bool) (*Result, error) {
	c, err := o.campaigns.GetByID(ctx, campaignID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if c == nil {
		o.countClaim("ineligible")
		return nil, &EligibilityError{CampaignID: campaignID}
	}
	if !c.Sendable(isRecurring) {
		o.countClaim("ineligible")
		return nil, &EligibilityError{CampaignID: campaignID, Status: c.Status}
	}

	// Atomic claim: exactly one caller moves the observed status to
	// SENDING, everyone else loses cleanly.
	observed := c.Status
	if err := o.campaigns.TransitionStatus(ctx, campaignID, tenantID, observed, models.StatusSending); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			o.countClaim("lost")
			o.logger.Info("send claim lost", "campaign_id", campaignID)
			return nil, ErrClaimLost
		}
		return nil, fmt.Errorf("claim campaign: %w", err)
	}
	o.countClaim("won")

	var watermark *time.Time
	if isRecurring {
		watermark = c.SentAt
	}

	recipients, vars, err := o.resolve(ctx, c, watermark)
	if err != nil {
		o.revert(ctx, c)
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}

	if len(recipients) == 0 {
		// Everyone eligible was already confirmed in this cycle; close it
		// out without touching the provider or the credit balance.
		now := time.Now().UTC()
		final := finalStatus(isRecurring, true)
		if err := o.campaigns.FinalizeSend(ctx, campaignID, tenantID, final, &now, nil, nil); err != nil {
			return nil, fmt.Errorf("finalize campaign: %w", err)
		}
		o.logger.Info("cycle already complete, no recipients left",
			"campaign_id", campaignID, "status", final)
		return &Result{CampaignID: campaignID, FinalStatus: final, Complete: true}, nil
	}

	balance, err := o.credits.CheckBalance(ctx, tenantID)
	if err != nil {
		o.revert(ctx, c)
		return nil, fmt.Errorf("check balance: %w", err)
	}
	if balance < len(recipients) {
		o.revert(ctx, c)
		if o.metrics != nil {
			o.metrics.CreditDeniedTotal.Inc()
		}
		return nil, &BudgetExhaustedError{Required: len(recipients), Available: balance}
	}

	tenant, err := o.credits.GetByID(ctx, tenantID)
	if err != nil {
		o.revert(ctx, c)
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	var identity models.SenderIdentity
	if tenant != nil {
		identity = tenant.SenderIdentity()
	}

	tags := []string{"campaign-" + campaignID, "tenant-" + tenantID}
	results := o.dispatcher.SendCampaign(ctx, dispatch.Job{
		CampaignID: campaignID,
		TenantID:   tenantID,
		Recipients: recipients,
		Subject:    c.Subject,
		HTML:       c.Content,
		Variables:  vars,
		Identity:   identity,
		Tags:       tags,
	})

	res := &Result{CampaignID: campaignID, Attempted: len(recipients), Batches: results}
	msgIDs, settleErr := o.settle(ctx, campaignID, tenantID, results, res)

	res.Complete = settleErr == nil && res.FailedBatches == 0 && res.Sent == res.Attempted
	final := finalStatus(isRecurring, res.Complete)

	var sentAt *time.Time
	if res.Complete {
		now := time.Now().UTC()
		sentAt = &now
	}
	if err := o.campaigns.FinalizeSend(ctx, campaignID, tenantID, final, sentAt, msgIDs, tags); err != nil {
		return res, fmt.Errorf("finalize campaign: %w", err)
	}
	res.FinalStatus = final

	if settleErr != nil {
		return res, settleErr
	}
	o.logger.Info("send attempt finished",
		"campaign_id", campaignID,
		"attempted", res.Attempted,
		"sent", res.Sent,
		"failed_batches", res.FailedBatches,
		"status", final)
	return res, nil
}

// resolve builds the eligible recipient set: group members, deduplicated
// case-insensitively, minus suppressed addresses, minus addresses already
// confirmed after the watermark.
func (o *Orchestrator) resolve(ctx context.Context, c *models.Campaign, watermark *time.Time) ([]string, dispatch.Variables, error) {
	contacts, err := o.contacts.FindContactsInGroups(ctx, c.TenantID, c.GroupIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("find contacts: %w", err)
	}

	seen := make(map[string]bool, len(contacts))
	addrs := make([]string, 0, len(contacts))
	vars := make(dispatch.Variables, len(contacts))
	for _, ct := range contacts {
		key := strings.ToLower(ct.Email)
		if seen[key] {
			continue
		}
		seen[key] = true
		addrs = append(addrs, ct.Email)
		vars[ct.Email] = personalization(ct)
	}

	allowed, err := o.gate.FilterSuppressed(ctx, c.TenantID, addrs)
	if err != nil {
		return nil, nil, fmt.Errorf("suppression filter: %w", err)
	}
	if o.metrics != nil {
		o.metrics.SuppressionHits.Add(float64(len(addrs) - len(allowed)))
	}

	sent, err := o.events.FindSentAddressesSince(ctx, c.ID, c.TenantID, watermark)
	if err != nil {
		return nil, nil, fmt.Errorf("load sent addresses: %w", err)
	}
	already := make(map[string]bool, len(sent))
	for _, a := range sent {
		already[strings.ToLower(a)] = true
	}

	remaining := make([]string, 0, len(allowed))
	pruned := make(dispatch.Variables, len(allowed))
	for _, a := range allowed {
		if already[strings.ToLower(a)] {
			continue
		}
		remaining = append(remaining, a)
		if v, ok := vars[a]; ok {
			pruned[a] = v
		}
	}
	return remaining, pruned, nil
}

// settle walks the batch results in order. Each successful batch writes
// its send events, then decrements the balance by the confirmed count.
// Failed batches charge nothing. A storage error stops settlement; the
// events already written keep the attempt resumable.
func (o *Orchestrator) settle(ctx context.Context, campaignID, tenantID string, results []dispatch.BatchResult, res *Result) ([]string, error) {
	var msgIDs []string
	for _, b := range results {
		if b.Status != dispatch.BatchSuccess {
			res.FailedBatches++
			if o.metrics != nil {
				o.metrics.BatchesTotal.WithLabelValues("error").Inc()
				o.metrics.RecipientsFailed.Add(float64(len(b.Recipients)))
			}
			continue
		}

		confirmed := 0
		var recordErr error
		for _, addr := range b.Recipients {
			if err := o.events.RecordSent(ctx, tenantID, campaignID, addr, b.ProviderMessageID); err != nil {
				recordErr = fmt.Errorf("record sent event: %w", err)
				break
			}
			confirmed++
		}
		if confirmed > 0 {
			if err := o.credits.DecrementBy(ctx, tenantID, confirmed); err != nil {
				o.logger.Error("credit settlement failed",
					"campaign_id", campaignID, "confirmed", confirmed, "error", err)
				if recordErr == nil {
					recordErr = fmt.Errorf("settle credits: %w", err)
				}
			}
		}
		res.Sent += confirmed
		if b.ProviderMessageID != "" {
			msgIDs = append(msgIDs, b.ProviderMessageID)
		}
		if o.metrics != nil {
			o.metrics.BatchesTotal.WithLabelValues("success").Inc()
			o.metrics.RecipientsSent.Add(float64(confirmed))
		}
		if recordErr != nil {
			return msgIDs, recordErr
		}
	}
	return msgIDs, nil
}

// revert hands the claim back so a later attempt can start over.
func (o *Orchestrator) revert(ctx context.Context, c *models.Campaign) {
	if err := o.campaigns.TransitionStatus(ctx, c.ID, c.TenantID, models.StatusSending, models.StatusApproved); err != nil {
		o.logger.Error("failed to revert campaign after aborted send",
			"campaign_id", c.ID, "error", err)
	}
}

// finalStatus maps a send outcome to the campaign's next status. A
// complete one-off is SENT; a complete recurring cycle returns to
// APPROVED for the next firing. Partial one-offs stay SENDING so a
// manual retry can resume; partial recurring cycles return to APPROVED
// without moving the watermark, so the next firing retries the rest.
func finalStatus(isRecurring, complete bool) models.CampaignStatus {
	if isRecurring {
		return models.StatusApproved
	}
	if complete {
		return models.StatusSent
	}
	return models.StatusSending
}

func personalization(ct models.Contact) map[string]string {
	name := ct.FirstName
	if name == "" {
		name = ct.Email
		if i := strings.IndexByte(ct.Email, '@'); i > 0 {
			name = ct.Email[:i]
		}
	}
	m := map[string]string{"email": ct.Email, "name": name}
	if ct.FirstName != "" {
		m["first_name"] = ct.FirstName
	}
	if ct.LastName != "" {
		m["last_name"] = ct.LastName
	}
	return m
}

// countClaim increments the claim counter when metrics are wired.
func (o *Orchestrator) countClaim(outcome string) {
	if o.metrics != nil {
		o.metrics.ClaimsTotal.WithLabelValues(outcome).Inc()
	}
}
