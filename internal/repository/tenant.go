package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailloft/mailloft/internal/models"
)

// ErrInsufficientCredits is returned when an atomic decrement would take a
// tenant's balance below zero.
var ErrInsufficientCredits = errors.New("insufficient message credits")

// TenantRepository holds tenant records and acts as the credit ledger.
type TenantRepository struct {
	db *DB
}

func NewTenantRepository(db *DB) *TenantRepository {
	return &TenantRepository{db: db}
}

func (r *TenantRepository) Create(ctx context.Context, t *models.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, remaining_messages, provider_domain,
			from_email, from_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.RemainingMessages, nullString(t.ProviderDomain),
		nullString(t.FromEmail), nullString(t.FromName), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// GetByID returns a tenant, or nil if not found.
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*models.Tenant, error) {
	t := &models.Tenant{}
	var domain, fromEmail, fromName sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, remaining_messages, provider_domain, from_email,
			from_name, created_at, updated_at
		FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.RemainingMessages, &domain, &fromEmail,
		&fromName, &t.CreatedAt, &t.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.ProviderDomain = domain.String
	t.FromEmail = fromEmail.String
	t.FromName = fromName.String
	return t, nil
}

// CheckBalance returns the tenant's remaining message credits.
func (r *TenantRepository) CheckBalance(ctx context.Context, tenantID string) (int, error) {
	var balance int
	err := r.db.QueryRowContext(ctx,
		`SELECT remaining_messages FROM tenants WHERE id = ?`, tenantID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("tenant %s not found", tenantID)
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// DecrementBy atomically subtracts n credits. The guard clause in the
// UPDATE keeps the balance from ever going below zero; a zero-row update
// means the tenant lacked the credits and nothing was charged.
func (r *TenantRepository) DecrementBy(ctx context.Context, tenantID string, n int) error {
	if n <= 0 {
		return fmt.Errorf("decrement must be positive, got %d", n)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE tenants
		SET remaining_messages = remaining_messages - ?, updated_at = ?
		WHERE id = ? AND remaining_messages >= ?`,
		n, time.Now().UTC(), tenantID, n)
	if err != nil {
		return fmt.Errorf("failed to decrement credits: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInsufficientCredits
	}
	return nil
}
