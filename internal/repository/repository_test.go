package repository

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mailloft/mailloft/internal/models"
)

// setupTestDB creates an in-memory SQLite database with all migrations applied
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	raw, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { raw.Close() })

	if _, err := raw.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	db := &DB{raw}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

func seedTenant(t *testing.T, db *DB, balance int) *models.Tenant {
	t.Helper()

	tenant := &models.Tenant{
		Name:              "Acme Corp",
		RemainingMessages: balance,
		ProviderDomain:    "mail.acme.test",
		FromEmail:         "news@mail.acme.test",
		FromName:          "Acme News",
	}
	if err := NewTenantRepository(db).Create(context.Background(), tenant); err != nil {
		t.Fatalf("failed to seed tenant: %v", err)
	}
	return tenant
}

func seedCampaign(t *testing.T, db *DB, tenantID string, status models.CampaignStatus) *models.Campaign {
	t.Helper()

	c := &models.Campaign{
		TenantID: tenantID,
		Name:     "Weekly digest",
		Subject:  "This week at Acme",
		Content:  "<p>Hello %recipient.first_name%</p>",
		Status:   status,
	}
	if err := NewCampaignRepository(db).Create(context.Background(), c); err != nil {
		t.Fatalf("failed to seed campaign: %v", err)
	}
	return c
}
