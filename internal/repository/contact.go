package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailloft/mailloft/internal/models"
)

type ContactRepository struct {
	db *DB
}

func NewContactRepository(db *DB) *ContactRepository {
	return &ContactRepository{db: db}
}

func (r *ContactRepository) CreateGroup(ctx context.Context, g *models.Group) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	g.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO groups (id, tenant_id, name, created_at) VALUES (?, ?, ?, ?)`,
		g.ID, g.TenantID, g.Name, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	return nil
}

func (r *ContactRepository) CreateContact(ctx context.Context, c *models.Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO contacts (id, tenant_id, email, first_name, last_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Email, nullString(c.FirstName),
		nullString(c.LastName), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

func (r *ContactRepository) AddToGroup(ctx context.Context, groupID, contactID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO group_contacts (group_id, contact_id) VALUES (?, ?)`,
		groupID, contactID)
	if err != nil {
		return fmt.Errorf("failed to add contact to group: %w", err)
	}
	return nil
}

// FindContactsInGroups returns the union of contacts across the given
// groups. The same contact appearing in several groups comes back once.
func (r *ContactRepository) FindContactsInGroups(ctx context.Context, tenantID string, groupIDs []string) ([]models.Contact, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(groupIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(groupIDs)+1)
	args = append(args, tenantID)
	for _, id := range groupIDs {
		args = append(args, id)
	}

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT c.id, c.tenant_id, c.email, c.first_name, c.last_name, c.created_at
		FROM contacts c
		JOIN group_contacts gc ON gc.contact_id = c.id
		WHERE c.tenant_id = ? AND gc.group_id IN (%s)
		ORDER BY c.email ASC`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Contact
	for rows.Next() {
		var c models.Contact
		var firstName, lastName sql.NullString
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Email, &firstName,
			&lastName, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.FirstName = firstName.String
		c.LastName = lastName.String
		out = append(out, c)
	}
	return out, rows.Err()
}
