package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mailloft/mailloft/internal/models"
	"github.com/mailloft/mailloft/internal/orchestrator"
	"github.com/mailloft/mailloft/internal/scheduler"
)

// SendResponse is the response for POST /campaigns/{id}/send
type SendResponse struct {
	CampaignID    string `json:"campaign_id"`
	Status        string `json:"status"`
	Attempted     int    `json:"attempted"`
	Sent          int    `json:"sent"`
	FailedBatches int    `json:"failed_batches,omitempty"`
}

// CampaignStatusResponse is the response for GET /campaigns/{id}
type CampaignStatusResponse struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	IsRecurring  bool       `json:"is_recurring"`
	ScheduleExpr string     `json:"schedule_expr,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
}

// ScheduleResponse is the response for POST /campaigns/{id}/schedule/refresh
type ScheduleResponse struct {
	CampaignID   string `json:"campaign_id"`
	ScheduleExpr string `json:"schedule_expr"`
}

// WebhookEvent is a provider delivery event. Bounces, complaints and
// unsubscribes land on the tenant's suppression list.
type WebhookEvent struct {
	Event     string `json:"event"`
	TenantID  string `json:"tenant_id"`
	Recipient string `json:"recipient"`
	Reason    string `json:"reason,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleCampaignStatus handles GET /api/v1/campaigns/{id}
func (s *Server) handleCampaignStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.campaigns.GetByID(r.Context(), id, tenantID(r))
	if err != nil {
		s.logger.Error("failed to load campaign", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to load campaign")
		return
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "campaign not found")
		return
	}

	s.sendJSON(w, http.StatusOK, CampaignStatusResponse{
		ID:           c.ID,
		Name:         c.Name,
		Status:       string(c.Status),
		IsRecurring:  c.IsRecurring,
		ScheduleExpr: c.ScheduleExpr,
		SentAt:       c.SentAt,
	})
}

// handleSendCampaign handles POST /api/v1/campaigns/{id}/send. The send
// runs inline; the orchestrator's error taxonomy maps onto HTTP status
// codes so the caller can distinguish "try later" from "fix your setup".
func (s *Server) handleSendCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := s.sender.Execute(r.Context(), id, tenantID(r), false)
	if err != nil {
		var eligErr *orchestrator.EligibilityError
		var budgetErr *orchestrator.BudgetExhaustedError
		switch {
		case errors.Is(err, orchestrator.ErrClaimLost):
			s.sendError(w, http.StatusConflict, "campaign is already being sent")
		case errors.As(err, &eligErr):
			if eligErr.Status == "" {
				s.sendError(w, http.StatusNotFound, "campaign not found")
				return
			}
			s.sendError(w, http.StatusConflict, eligErr.Error())
		case errors.As(err, &budgetErr):
			s.sendError(w, http.StatusPaymentRequired, budgetErr.Error())
		default:
			s.logger.Error("send failed", "campaign_id", id, "error", err)
			s.sendError(w, http.StatusInternalServerError, "send failed")
		}
		return
	}

	s.sendJSON(w, http.StatusOK, SendResponse{
		CampaignID:    res.CampaignID,
		Status:        string(res.FinalStatus),
		Attempted:     res.Attempted,
		Sent:          res.Sent,
		FailedBatches: res.FailedBatches,
	})
}

// handleRefreshSchedule handles POST /api/v1/campaigns/{id}/schedule/refresh
func (s *Server) handleRefreshSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	expr, err := s.schedules.RefreshSchedule(r.Context(), id, tenantID(r))
	if err != nil {
		if errors.Is(err, scheduler.ErrCampaignNotFound) {
			s.sendError(w, http.StatusNotFound, "campaign not found")
			return
		}
		s.logger.Error("schedule refresh failed", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, ScheduleResponse{CampaignID: id, ScheduleExpr: expr})
}

// handleProviderWebhook handles POST /webhooks/provider
func (s *Server) handleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	var ev WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}
	if ev.TenantID == "" || ev.Recipient == "" {
		s.sendError(w, http.StatusBadRequest, "tenant_id and recipient are required")
		return
	}

	sType, ok := suppressionType(ev.Event)
	if !ok {
		// Delivery and open events are not suppression signals; accept
		// and drop so the provider does not retry.
		w.WriteHeader(http.StatusOK)
		return
	}

	err := s.suppressed.Add(r.Context(), &models.SuppressionEntry{
		TenantID: ev.TenantID,
		Email:    ev.Recipient,
		Type:     sType,
		Reason:   ev.Reason,
	})
	if err != nil {
		s.logger.Error("failed to record suppression",
			"tenant_id", ev.TenantID, "event", ev.Event, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to record event")
		return
	}

	s.logger.Info("suppression recorded from webhook",
		"tenant_id", ev.TenantID, "type", string(sType))
	w.WriteHeader(http.StatusOK)
}

func suppressionType(event string) (models.SuppressionType, bool) {
	switch strings.ToLower(event) {
	case "bounced", "failed", "permanent_fail":
		return models.SuppressionBounce, true
	case "complained":
		return models.SuppressionComplaint, true
	case "unsubscribed":
		return models.SuppressionUnsubscribe, true
	}
	return "", false
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	s.sendJSON(w, status, ErrorResponse{Error: msg})
}
