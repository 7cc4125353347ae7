// Package scheduler keeps one live trigger per recurring campaign. A
// periodic discovery tick reconciles the trigger set against the
// database; each trigger fires on the campaign's compiled schedule in
// its own timezone and hands the campaign to the send orchestrator.
// Duplicate-send safety does not live here: any number of scheduler
// processes may fire the same campaign, and the storage-level claim
// decides the winner.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mailloft/mailloft/internal/metrics"
	"github.com/mailloft/mailloft/internal/models"
	"github.com/mailloft/mailloft/internal/orchestrator"
	"github.com/mailloft/mailloft/internal/recurrence"
)

// fireTimeout bounds one scheduled send attempt.
const fireTimeout = 10 * time.Minute

// ErrCampaignNotFound is returned by RefreshSchedule for an unknown id.
var ErrCampaignNotFound = errors.New("campaign not found")

// CampaignStore is the campaign persistence the scheduler needs.
type CampaignStore interface {
	FindRecurringApproved(ctx context.Context) ([]models.Campaign, error)
	GetByID(ctx context.Context, id, tenantID string) (*models.Campaign, error)
	TransitionStatus(ctx context.Context, id, tenantID string, from, to models.CampaignStatus) error
	SetLastFireWeek(ctx context.Context, id, tenantID string, week int) error
	SetScheduleExpr(ctx context.Context, id, tenantID, expr string) error
}

// Sender runs one send attempt for a campaign.
type Sender interface {
	Execute(ctx context.Context, campaignID, tenantID string, isRecurring bool) (*orchestrator.Result, error)
}

type trigger struct {
	campaignID string
	tenantID   string
	expr       string
	cron       *cron.Cron
}

type Scheduler struct {
	campaigns  CampaignStore
	sender     Sender
	interval   time.Duration
	defaultLoc *time.Location // for campaigns without a timezone
	metrics    *metrics.Metrics
	logger     *slog.Logger

	running atomic.Bool

	mu       sync.Mutex
	triggers map[string]*trigger
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Scheduler. interval is the discovery tick period;
// defaultTimezone applies to campaigns without their own timezone, with
// UTC as the final fallback; metrics may be nil.
func New(campaigns CampaignStore, sender Sender, interval time.Duration, defaultTimezone string, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	loc := time.UTC
	if defaultTimezone != "" {
		if l, err := time.LoadLocation(defaultTimezone); err == nil {
			loc = l
		} else {
			logger.Warn("unknown default timezone, using UTC", "timezone", defaultTimezone)
		}
	}
	return &Scheduler{
		campaigns:  campaigns,
		sender:     sender,
		interval:   interval,
		defaultLoc: loc,
		metrics:    m,
		logger:     logger.With("component", "scheduler"),
		triggers:   make(map[string]*trigger),
	}
}

// Start launches the discovery loop. Returns false if already running.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("scheduler started", "interval", s.interval.String())

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop halts discovery and all live triggers. Returns false if not
// running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		return false
	}
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	for id, tr := range s.triggers {
		tr.cron.Stop()
		delete(s.triggers, id)
	}
	s.running.Store(false)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveTriggers.Set(0)
	}
	s.logger.Info("scheduler stopped")
	return true
}

// IsRunning reports whether the discovery loop is live.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panic recovered", "panic", r)
		}
	}()
	s.refresh(ctx)
}

// refresh reconciles live triggers against the stored campaign set:
// campaigns past their window are retired, future ones wait, and the
// rest get a trigger matching their current schedule expression.
func (s *Scheduler) refresh(ctx context.Context) {
	list, err := s.campaigns.FindRecurringApproved(ctx)
	if err != nil {
		s.logger.Error("failed to discover recurring campaigns", "error", err)
		return
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(list))
	for i := range list {
		c := &list[i]
		if c.WindowElapsed(now) {
			s.retire(ctx, c)
			continue
		}
		if c.RecurringStartDate != nil && now.Before(*c.RecurringStartDate) {
			continue
		}

		expr := c.ScheduleExpr
		if expr == "" {
			expr, err = recurrence.Compile(c.Recurrence)
			if err != nil {
				s.logger.Warn("campaign has no usable schedule",
					"campaign_id", c.ID, "error", err)
				continue
			}
			if err := s.campaigns.SetScheduleExpr(ctx, c.ID, c.TenantID, expr); err != nil {
				s.logger.Error("failed to persist schedule expression",
					"campaign_id", c.ID, "error", err)
			}
		}

		if err := s.ensureTrigger(c, expr); err != nil {
			s.logger.Warn("failed to register trigger",
				"campaign_id", c.ID, "expr", expr, "error", err)
			continue
		}
		seen[c.ID] = true
	}

	s.mu.Lock()
	for id, tr := range s.triggers {
		if !seen[id] {
			tr.cron.Stop()
			delete(s.triggers, id)
			s.logger.Info("trigger removed", "campaign_id", id)
		}
	}
	active := len(s.triggers)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveTriggers.Set(float64(active))
	}
}

// ensureTrigger registers or replaces the campaign's trigger. An
// existing trigger with the same expression is left alone so its cron
// state survives across ticks.
func (s *Scheduler) ensureTrigger(c *models.Campaign, expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tr, ok := s.triggers[c.ID]; ok {
		if tr.expr == expr {
			return nil
		}
		tr.cron.Stop()
		delete(s.triggers, c.ID)
	}

	loc := s.defaultLoc
	if c.Timezone != "" {
		l, err := time.LoadLocation(c.Timezone)
		if err != nil {
			s.logger.Warn("unknown campaign timezone, using default",
				"campaign_id", c.ID, "timezone", c.Timezone)
		} else {
			loc = l
		}
	}

	cr := cron.New(cron.WithParser(recurrence.Parser), cron.WithLocation(loc))
	campaignID, tenantID := c.ID, c.TenantID
	if _, err := cr.AddFunc(expr, func() { s.fire(campaignID, tenantID) }); err != nil {
		return fmt.Errorf("invalid schedule expression %q: %w", expr, err)
	}
	cr.Start()

	s.triggers[c.ID] = &trigger{
		campaignID: campaignID,
		tenantID:   tenantID,
		expr:       expr,
		cron:       cr,
	}
	s.logger.Info("trigger registered",
		"campaign_id", campaignID, "expr", expr, "timezone", loc.String())
	return nil
}

// fire runs one scheduled send attempt. It re-reads the campaign so
// window and biweekly decisions use current data, not the snapshot the
// trigger was registered from.
func (s *Scheduler) fire(campaignID, tenantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	c, err := s.campaigns.GetByID(ctx, campaignID, tenantID)
	if err != nil {
		s.logger.Error("failed to load campaign for firing",
			"campaign_id", campaignID, "error", err)
		s.countFire("error")
		return
	}
	if c == nil {
		s.countFire("skipped")
		return
	}

	now := time.Now().UTC()
	if c.WindowElapsed(now) {
		s.retire(ctx, c)
		s.countFire("stopped")
		return
	}
	if !c.InWindow(now) {
		s.countFire("skipped")
		return
	}

	if recurrence.RequiresFireGuard(c.Recurrence.Frequency) {
		if c.LastFireWeek != 0 && weeksSince(c.LastFireWeek, now) < 2 {
			s.logger.Info("biweekly campaign fired too recently, skipping",
				"campaign_id", campaignID, "last_fire_week", c.LastFireWeek)
			s.countFire("skipped")
			return
		}
	}

	res, err := s.sender.Execute(ctx, campaignID, tenantID, true)
	if err != nil {
		if errors.Is(err, orchestrator.ErrClaimLost) {
			s.logger.Info("another process claimed the campaign",
				"campaign_id", campaignID)
			s.countFire("skipped")
			return
		}
		s.logger.Error("scheduled send failed",
			"campaign_id", campaignID, "error", err)
		s.countFire("error")
		return
	}

	if recurrence.RequiresFireGuard(c.Recurrence.Frequency) {
		if err := s.campaigns.SetLastFireWeek(ctx, campaignID, tenantID, models.ISOWeekKey(now)); err != nil {
			s.logger.Error("failed to persist biweekly fire week",
				"campaign_id", campaignID, "error", err)
		}
	}

	s.countFire("executed")
	s.logger.Info("scheduled send finished",
		"campaign_id", campaignID,
		"sent", res.Sent,
		"failed_batches", res.FailedBatches,
		"status", res.FinalStatus)
}

// retire marks a campaign whose recurring window has fully passed. The
// conditional transition makes this safe to race with other processes.
func (s *Scheduler) retire(ctx context.Context, c *models.Campaign) {
	if err := s.campaigns.TransitionStatus(ctx, c.ID, c.TenantID, c.Status, models.StatusStopped); err != nil {
		s.logger.Warn("failed to stop expired campaign",
			"campaign_id", c.ID, "error", err)
		return
	}
	s.logger.Info("recurring window elapsed, campaign stopped", "campaign_id", c.ID)

	s.mu.Lock()
	if tr, ok := s.triggers[c.ID]; ok {
		tr.cron.Stop()
		delete(s.triggers, c.ID)
	}
	s.mu.Unlock()
}

// RefreshSchedule recompiles a campaign's schedule after a recurrence
// edit and swaps its live trigger. Returns the new expression.
func (s *Scheduler) RefreshSchedule(ctx context.Context, campaignID, tenantID string) (string, error) {
	c, err := s.campaigns.GetByID(ctx, campaignID, tenantID)
	if err != nil {
		return "", fmt.Errorf("load campaign: %w", err)
	}
	if c == nil {
		return "", fmt.Errorf("campaign %s: %w", campaignID, ErrCampaignNotFound)
	}

	expr, err := recurrence.Compile(c.Recurrence)
	if err != nil {
		return "", fmt.Errorf("compile recurrence: %w", err)
	}
	if err := s.campaigns.SetScheduleExpr(ctx, campaignID, tenantID, expr); err != nil {
		return "", fmt.Errorf("persist schedule expression: %w", err)
	}

	if s.running.Load() && c.IsRecurring && c.Status == models.StatusApproved {
		if err := s.ensureTrigger(c, expr); err != nil {
			return "", err
		}
	}
	return expr, nil
}

// countFire increments the fire-outcome counter when metrics are wired.
func (s *Scheduler) countFire(outcome string) {
	if s.metrics != nil {
		s.metrics.SchedulerFiresTotal.WithLabelValues(outcome).Inc()
	}
}

// triggerCount returns the number of live triggers.
func (s *Scheduler) triggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.triggers)
}

// weeksSince measures whole ISO week-numbers elapsed since the encoded
// week key. Year boundaries count as 52 weeks, which is close enough
// for the two-week guard.
func weeksSince(lastKey int, now time.Time) int {
	lastYear, lastWeek := lastKey/100, lastKey%100
	year, week := now.ISOWeek()
	return (year-lastYear)*52 + (week - lastWeek)
}
