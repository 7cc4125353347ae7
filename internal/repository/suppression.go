package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailloft/mailloft/internal/models"
)

type SuppressionRepository struct {
	db *DB
}

func NewSuppressionRepository(db *DB) *SuppressionRepository {
	return &SuppressionRepository{db: db}
}

// Upsert adds an address to the deny-list, updating the reason when the
// (tenant, email, type) row already exists. Addresses are stored
// lowercase so lookups match regardless of the casing providers report.
func (r *SuppressionRepository) Upsert(ctx context.Context, e *models.SuppressionEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Email = strings.ToLower(e.Email)
	e.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO suppression_list (id, tenant_id, email, type, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, email, type) DO UPDATE SET reason = excluded.reason`,
		e.ID, e.TenantID, e.Email, e.Type, nullString(e.Reason), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert suppression entry: %w", err)
	}
	return nil
}

// FindSuppressed returns which of the given addresses are present on the
// tenant's deny-list, regardless of suppression type. Matching is
// case-insensitive; the returned map is keyed by the lowercase form.
func (r *SuppressionRepository) FindSuppressed(ctx context.Context, tenantID string, addresses []string) (map[string]bool, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(addresses))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(addresses)+1)
	args = append(args, tenantID)
	for _, a := range addresses {
		args = append(args, strings.ToLower(a))
	}

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT LOWER(email) FROM suppression_list
		WHERE tenant_id = ? AND LOWER(email) IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppressed := make(map[string]bool)
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		suppressed[email] = true
	}
	return suppressed, rows.Err()
}

// IsSuppressed reports whether a single address is on the tenant's
// deny-list.
func (r *SuppressionRepository) IsSuppressed(ctx context.Context, tenantID, address string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM suppression_list WHERE tenant_id = ? AND LOWER(email) = ?`,
		tenantID, strings.ToLower(address)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
