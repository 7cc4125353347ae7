package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailloft/mailloft/internal/models"
)

// ErrStatusConflict is returned when a conditional status transition finds
// the row no longer in the observed status. It is the losing side of the
// claim race.
var ErrStatusConflict = errors.New("campaign status changed concurrently")

type CampaignRepository struct {
	db *DB
}

func NewCampaignRepository(db *DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign with its group assignments.
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = models.StatusDraft
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	daysJSON, err := json.Marshal(c.Recurrence.DaysOfWeek)
	if err != nil {
		return fmt.Errorf("failed to encode days of week: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaigns (id, tenant_id, name, subject, content, status,
			is_recurring, frequency, recurring_time, timezone, days_of_week,
			day_of_month, recurring_start_date, recurring_end_date,
			schedule_expr, sent_at, last_fire_week, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Name, c.Subject, c.Content, c.Status,
		c.IsRecurring, c.Recurrence.Frequency, nullString(c.Recurrence.Time),
		nullString(c.Timezone), string(daysJSON), nullInt(c.Recurrence.DayOfMonth),
		nullTime(c.RecurringStartDate), nullTime(c.RecurringEndDate),
		nullString(c.ScheduleExpr), nullTime(c.SentAt), c.LastFireWeek,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	for _, gid := range c.GroupIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO campaign_groups (campaign_id, group_id) VALUES (?, ?)`,
			c.ID, gid); err != nil {
			return fmt.Errorf("failed to assign group: %w", err)
		}
	}

	return tx.Commit()
}

// GetByID returns a campaign scoped by tenant, or nil if not found.
func (r *CampaignRepository) GetByID(ctx context.Context, id, tenantID string) (*models.Campaign, error) {
	row := r.db.QueryRowContext(ctx, selectCampaign+` WHERE id = ? AND tenant_id = ?`, id, tenantID)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadGroups(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// FindRecurringApproved returns all recurring campaigns eligible for
// trigger registration: status APPROVED and a non-NONE frequency.
func (r *CampaignRepository) FindRecurringApproved(ctx context.Context) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, selectCampaign+`
		WHERE is_recurring = 1 AND status = ? AND frequency != ?
		ORDER BY created_at ASC`,
		models.StatusApproved, models.FrequencyNone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// TransitionStatus performs the conditional status update that arbitrates
// concurrent send attempts: the row moves from the observed status to the
// new one only if it is still in the observed status. Losing the race
// returns ErrStatusConflict; a move outside the transition table returns
// ErrInvalidTransition.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, id, tenantID string, from, to models.CampaignStatus) error {
	if !from.CanTransitionTo(to) {
		return &models.ErrInvalidTransition{From: from, To: to}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND status = ?`,
		to, time.Now().UTC(), id, tenantID, from)
	if err != nil {
		return fmt.Errorf("failed to transition status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// FinalizeSend records the terminal state of a send attempt: the new
// status, the cycle watermark and the provider correlation data. Only the
// claim holder calls this, so the transition starts from SENDING.
func (r *CampaignRepository) FinalizeSend(ctx context.Context, id, tenantID string, to models.CampaignStatus, sentAt *time.Time, messageIDs, tags []string) error {
	if !models.StatusSending.CanTransitionTo(to) && to != models.StatusSending {
		return &models.ErrInvalidTransition{From: models.StatusSending, To: to}
	}

	idsJSON, err := json.Marshal(messageIDs)
	if err != nil {
		return fmt.Errorf("failed to encode message ids: %w", err)
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	query := `UPDATE campaigns SET status = ?, updated_at = ?`
	args := []any{to, time.Now().UTC()}
	if sentAt != nil {
		query += `, sent_at = ?`
		args = append(args, sentAt.UTC())
	}
	if len(messageIDs) > 0 {
		query += `, provider_message_ids = ?, provider_tags = ?`
		args = append(args, string(idsJSON), string(tagsJSON))
	}
	query += ` WHERE id = ? AND tenant_id = ?`
	args = append(args, id, tenantID)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to finalize send: %w", err)
	}
	return nil
}

// SetLastFireWeek persists the biweekly execution counter so a restart
// cannot cause a spurious extra fire.
func (r *CampaignRepository) SetLastFireWeek(ctx context.Context, id, tenantID string, week int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET last_fire_week = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?`,
		week, time.Now().UTC(), id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to set last fire week: %w", err)
	}
	return nil
}

// SetScheduleExpr stores a freshly compiled schedule expression after a
// recurrence edit.
func (r *CampaignRepository) SetScheduleExpr(ctx context.Context, id, tenantID, expr string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET schedule_expr = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?`,
		nullString(expr), time.Now().UTC(), id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to set schedule expression: %w", err)
	}
	return nil
}

func (r *CampaignRepository) loadGroups(ctx context.Context, c *models.Campaign) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT group_id FROM campaign_groups WHERE campaign_id = ?`, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var gid string
		if err := rows.Scan(&gid); err != nil {
			return err
		}
		c.GroupIDs = append(c.GroupIDs, gid)
	}
	return rows.Err()
}

const selectCampaign = `
	SELECT id, tenant_id, name, subject, content, status, is_recurring,
		frequency, recurring_time, timezone, days_of_week, day_of_month,
		recurring_start_date, recurring_end_date, schedule_expr, sent_at,
		last_fire_week, provider_message_ids, provider_tags,
		created_at, updated_at
	FROM campaigns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	c := &models.Campaign{}
	var (
		recurringTime, timezone, daysJSON, scheduleExpr sql.NullString
		msgIDsJSON, tagsJSON                            sql.NullString
		dayOfMonth                                      sql.NullInt64
		startDate, endDate, sentAt                      sql.NullTime
	)

	err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Subject, &c.Content, &c.Status,
		&c.IsRecurring, &c.Recurrence.Frequency, &recurringTime, &timezone,
		&daysJSON, &dayOfMonth, &startDate, &endDate, &scheduleExpr, &sentAt,
		&c.LastFireWeek, &msgIDsJSON, &tagsJSON, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Recurrence.Time = recurringTime.String
	c.Timezone = timezone.String
	c.ScheduleExpr = scheduleExpr.String
	if dayOfMonth.Valid {
		c.Recurrence.DayOfMonth = int(dayOfMonth.Int64)
	}
	if daysJSON.Valid && daysJSON.String != "" {
		if err := json.Unmarshal([]byte(daysJSON.String), &c.Recurrence.DaysOfWeek); err != nil {
			return nil, fmt.Errorf("failed to decode days of week: %w", err)
		}
	}
	if startDate.Valid {
		t := startDate.Time
		c.RecurringStartDate = &t
	}
	if endDate.Valid {
		t := endDate.Time
		c.RecurringEndDate = &t
	}
	if sentAt.Valid {
		t := sentAt.Time
		c.SentAt = &t
	}
	if msgIDsJSON.Valid && msgIDsJSON.String != "" {
		if err := json.Unmarshal([]byte(msgIDsJSON.String), &c.ProviderMessageIDs); err != nil {
			return nil, fmt.Errorf("failed to decode message ids: %w", err)
		}
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &c.ProviderTags); err != nil {
			return nil, fmt.Errorf("failed to decode tags: %w", err)
		}
	}

	return c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
