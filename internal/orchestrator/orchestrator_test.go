package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mailloft/mailloft/internal/dispatch"
	"github.com/mailloft/mailloft/internal/models"
	"github.com/mailloft/mailloft/internal/repository"
	"github.com/mailloft/mailloft/internal/suppression"
)

type mockDispatcher struct {
	jobs []dispatch.Job
	fn   func(job dispatch.Job) []dispatch.BatchResult
}

func (m *mockDispatcher) SendCampaign(_ context.Context, job dispatch.Job) []dispatch.BatchResult {
	m.jobs = append(m.jobs, job)
	if m.fn != nil {
		return m.fn(job)
	}
	return []dispatch.BatchResult{{
		Status:            dispatch.BatchSuccess,
		Sent:              len(job.Recipients),
		Recipients:        job.Recipients,
		ProviderMessageID: "mid-1",
	}}
}

type fixture struct {
	db         *repository.DB
	campaigns  *repository.CampaignRepository
	tenants    *repository.TenantRepository
	contacts   *repository.ContactRepository
	events     *repository.EventRepository
	dispatcher *mockDispatcher
	orch       *Orchestrator
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := repository.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	f := &fixture{
		db:         db,
		campaigns:  repository.NewCampaignRepository(db),
		tenants:    repository.NewTenantRepository(db),
		contacts:   repository.NewContactRepository(db),
		events:     repository.NewEventRepository(db),
		dispatcher: &mockDispatcher{},
	}
	gate := suppression.NewGate(repository.NewSuppressionRepository(db), nil, logger)
	f.orch = New(f.campaigns, f.contacts, gate, f.events, f.tenants, f.dispatcher, nil, logger)
	return f
}

func (f *fixture) seedTenant(t *testing.T, credits int) string {
	t.Helper()
	tn := &models.Tenant{
		Name:              "Acme",
		RemainingMessages: credits,
		ProviderDomain:    "mail.acme.test",
		FromEmail:         "news@mail.acme.test",
		FromName:          "Acme News",
	}
	if err := f.tenants.Create(context.Background(), tn); err != nil {
		t.Fatalf("failed to seed tenant: %v", err)
	}
	return tn.ID
}

func (f *fixture) seedAudience(t *testing.T, tenantID string, n int) string {
	t.Helper()
	ctx := context.Background()
	g := &models.Group{TenantID: tenantID, Name: "audience"}
	if err := f.contacts.CreateGroup(ctx, g); err != nil {
		t.Fatalf("failed to seed group: %v", err)
	}
	for i := 0; i < n; i++ {
		c := &models.Contact{
			TenantID:  tenantID,
			Email:     fmt.Sprintf("user%d@example.com", i),
			FirstName: fmt.Sprintf("User%d", i),
		}
		if err := f.contacts.CreateContact(ctx, c); err != nil {
			t.Fatalf("failed to seed contact: %v", err)
		}
		if err := f.contacts.AddToGroup(ctx, g.ID, c.ID); err != nil {
			t.Fatalf("failed to add contact to group: %v", err)
		}
	}
	return g.ID
}

func (f *fixture) seedCampaign(t *testing.T, tenantID, groupID string, status models.CampaignStatus) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		TenantID: tenantID,
		Name:     "launch",
		Subject:  "Hello %recipient.name%",
		Content:  "<p>Hi %recipient.name%</p>",
		Status:   status,
		GroupIDs: []string{groupID},
	}
	if err := f.campaigns.Create(context.Background(), c); err != nil {
		t.Fatalf("failed to seed campaign: %v", err)
	}
	return c
}

func TestExecuteSendsAllAndSettles(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tenantID := f.seedTenant(t, 10)
	groupID := f.seedAudience(t, tenantID, 3)
	c := f.seedCampaign(t, tenantID, groupID, models.StatusApproved)

	res, err := f.orch.Execute(ctx, c.ID, tenantID, false)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Complete || res.Sent != 3 {
		t.Fatalf("expected complete send of 3, got sent=%d complete=%v", res.Sent, res.Complete)
	}
	if res.FinalStatus != models.StatusSent {
		t.Errorf("expected final status SENT, got %s", res.FinalStatus)
	}

	balance, err := f.tenants.CheckBalance(ctx, tenantID)
	if err != nil {
		t.Fatalf("failed to check balance: %v", err)
	}
	if balance != 7 {
		t.Errorf("expected balance 7 after 3 sends, got %d", balance)
	}

	got, err := f.campaigns.GetByID(ctx, c.ID, tenantID)
	if err != nil {
		t.Fatalf("failed to reload campaign: %v", err)
	}
	if got.Status != models.StatusSent {
		t.Errorf("expected status SENT, got %s", got.Status)
	}
	if got.SentAt == nil {
		t.Error("expected sent_at watermark to be stamped")
	}
	if len(got.ProviderMessageIDs) != 1 || got.ProviderMessageIDs[0] != "mid-1" {
		t.Errorf("expected provider message id recorded, got %v", got.ProviderMessageIDs)
	}

	if len(f.dispatcher.jobs) != 1 {
		t.Fatalf("expected 1 dispatch job, got %d", len(f.dispatcher.jobs))
	}
	job := f.dispatcher.jobs[0]
	if job.Identity.Domain != "mail.acme.test" {
		t.Errorf("expected tenant identity on job, got %+v", job.Identity)
	}
	wantTags := []string{"campaign-" + c.ID, "tenant-" + tenantID}
	if len(job.Tags) != 2 || job.Tags[0] != wantTags[0] || job.Tags[1] != wantTags[1] {
		t.Errorf("expected tags %v, got %v", wantTags, job.Tags)
	}
	if v, ok := job.Variables["user0@example.com"]; !ok || v["name"] != "User0" {
		t.Errorf("expected personalization for user0, got %v", v)
	}
}

func TestExecuteBudgetAbortChargesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tenantID := f.seedTenant(t, 2)
	groupID := f.seedAudience(t, tenantID, 5)
	c := f.seedCampaign(t, tenantID, groupID, models.StatusApproved)

	// Two suppressed addresses must not count against the budget check.
	supRepo := repository.NewSuppressionRepository(f.db)
	for _, addr := range []string{"user0@example.com", "user4@example.com"} {
		err := supRepo.Upsert(ctx, &models.SuppressionEntry{
			TenantID: tenantID,
			Email:    addr,
			Type:     models.SuppressionComplaint,
		})
		if err != nil {
			t.Fatalf("failed to suppress address: %v", err)
		}
	}

	_, err := f.orch.Execute(ctx, c.ID, tenantID, false)
	var budgetErr *BudgetExhaustedError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected BudgetExhaustedError, got %v", err)
	}
	if budgetErr.Required != 3 || budgetErr.Available != 2 {
		t.Errorf("expected need 3 have 2, got %+v", budgetErr)
	}
	if len(f.dispatcher.jobs) != 0 {
		t.Error("expected no dispatch on budget abort")
	}

	balance, _ := f.tenants.CheckBalance(ctx, tenantID)
	if balance != 2 {
		t.Errorf("expected untouched balance 2, got %d", balance)
	}
	got, _ := f.campaigns.GetByID(ctx, c.ID, tenantID)
	if got.Status != models.StatusApproved {
		t.Errorf("expected revert to APPROVED, got %s", got.Status)
	}
}

func TestExecutePartialFailureThenRetry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tenantID := f.seedTenant(t, 100)
	groupID := f.seedAudience(t, tenantID, 10)
	c := f.seedCampaign(t, tenantID, groupID, models.StatusApproved)

	// First chunk of 6 succeeds, second chunk of 4 fails.
	f.dispatcher.fn = func(job dispatch.Job) []dispatch.BatchResult {
		if len(job.Recipients) != 10 {
			t.Fatalf("expected 10 recipients on first attempt, got %d", len(job.Recipients))
		}
		return []dispatch.BatchResult{
			{Status: dispatch.BatchSuccess, Sent: 6, Recipients: job.Recipients[:6], ProviderMessageID: "mid-a"},
			{Status: dispatch.BatchError, Recipients: job.Recipients[6:]},
		}
	}

	res, err := f.orch.Execute(ctx, c.ID, tenantID, false)
	if err != nil {
		t.Fatalf("partial send should not error: %v", err)
	}
	if res.Sent != 6 || res.FailedBatches != 1 || res.Complete {
		t.Fatalf("expected 6 sent and 1 failed batch, got %+v", res)
	}

	balance, _ := f.tenants.CheckBalance(ctx, tenantID)
	if balance != 94 {
		t.Errorf("expected exactly 6 credits charged, balance %d", balance)
	}
	sent, err := f.events.FindSentAddressesSince(ctx, c.ID, tenantID, nil)
	if err != nil {
		t.Fatalf("failed to load sent addresses: %v", err)
	}
	if len(sent) != 6 {
		t.Errorf("expected 6 send events, got %d", len(sent))
	}

	got, _ := f.campaigns.GetByID(ctx, c.ID, tenantID)
	if got.Status != models.StatusSending {
		t.Errorf("expected one-off to stay SENDING, got %s", got.Status)
	}
	if got.SentAt != nil {
		t.Error("partial cycle must not stamp the watermark")
	}

	// Operator re-arms the campaign; the retry resolves only the 4
	// recipients that never got a send event.
	if err := f.campaigns.TransitionStatus(ctx, c.ID, tenantID, models.StatusSending, models.StatusApproved); err != nil {
		t.Fatalf("failed to re-arm campaign: %v", err)
	}
	f.dispatcher.fn = nil

	res, err = f.orch.Execute(ctx, c.ID, tenantID, false)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.Attempted != 4 || res.Sent != 4 || !res.Complete {
		t.Fatalf("expected retry to resolve exactly 4, got %+v", res)
	}
	balance, _ = f.tenants.CheckBalance(ctx, tenantID)
	if balance != 90 {
		t.Errorf("expected 10 total credits charged, balance %d", balance)
	}
	got, _ = f.campaigns.GetByID(ctx, c.ID, tenantID)
	if got.Status != models.StatusSent {
		t.Errorf("expected SENT after retry, got %s", got.Status)
	}
}

func TestExecuteRecurringCycleWatermark(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tenantID := f.seedTenant(t, 100)
	groupID := f.seedAudience(t, tenantID, 5)
	c := f.seedCampaign(t, tenantID, groupID, models.StatusApproved)

	res, err := f.orch.Execute(ctx, c.ID, tenantID, true)
	if err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	if res.Sent != 5 || res.FinalStatus != models.StatusApproved {
		t.Fatalf("expected 5 sent and APPROVED, got %+v", res)
	}

	got, _ := f.campaigns.GetByID(ctx, c.ID, tenantID)
	if got.SentAt == nil {
		t.Fatal("expected watermark after complete cycle")
	}

	// A new cycle starts past the watermark, so everyone is eligible
	// again even though they all have send events.
	res, err = f.orch.Execute(ctx, c.ID, tenantID, true)
	if err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	if res.Attempted != 5 || res.Sent != 5 {
		t.Fatalf("expected full resend in new cycle, got %+v", res)
	}
}

func TestExecuteSkipsSuppressedAndDuplicates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tenantID := f.seedTenant(t, 100)
	groupID := f.seedAudience(t, tenantID, 4)

	// A second assigned group whose only member duplicates user0, with
	// different casing.
	g2 := &models.Group{TenantID: tenantID, Name: "vips"}
	if err := f.contacts.CreateGroup(ctx, g2); err != nil {
		t.Fatalf("failed to create group: %v", err)
	}
	dupe := &models.Contact{TenantID: tenantID, Email: "USER0@example.com"}
	if err := f.contacts.CreateContact(ctx, dupe); err != nil {
		t.Fatalf("failed to create contact: %v", err)
	}
	if err := f.contacts.AddToGroup(ctx, g2.ID, dupe.ID); err != nil {
		t.Fatalf("failed to add to group: %v", err)
	}

	c := &models.Campaign{
		TenantID: tenantID,
		Name:     "launch",
		Subject:  "Hello",
		Content:  "<p>Hi</p>",
		Status:   models.StatusApproved,
		GroupIDs: []string{groupID, g2.ID},
	}
	if err := f.campaigns.Create(ctx, c); err != nil {
		t.Fatalf("failed to seed campaign: %v", err)
	}

	supRepo := repository.NewSuppressionRepository(f.db)
	err := supRepo.Upsert(ctx, &models.SuppressionEntry{
		TenantID: tenantID,
		Email:    "user1@example.com",
		Type:     models.SuppressionBounce,
	})
	if err != nil {
		t.Fatalf("failed to suppress address: %v", err)
	}

	res, err := f.orch.Execute(ctx, c.ID, tenantID, false)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	// 5 group memberships collapse to 4 unique addresses, minus 1
	// suppressed.
	if res.Attempted != 3 {
		t.Fatalf("expected 3 recipients after filtering, got %d", res.Attempted)
	}
	for _, addr := range f.dispatcher.jobs[0].Recipients {
		if addr == "user1@example.com" {
			t.Error("suppressed address was dispatched")
		}
	}
}

// staleStore returns a snapshot taken before a racing claimer moved the
// status, forcing the conditional transition to miss.
type staleStore struct {
	*repository.CampaignRepository
	snapshot *models.Campaign
}

func (s *staleStore) GetByID(_ context.Context, _, _ string) (*models.Campaign, error) {
	return s.snapshot, nil
}

func TestExecuteClaimLostToRace(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tenantID := f.seedTenant(t, 100)
	groupID := f.seedAudience(t, tenantID, 2)
	c := f.seedCampaign(t, tenantID, groupID, models.StatusApproved)

	snapshot := *c
	snapshot.Status = models.StatusApproved

	// The racing process claims first.
	if err := f.campaigns.TransitionStatus(ctx, c.ID, tenantID, models.StatusApproved, models.StatusSending); err != nil {
		t.Fatalf("failed to pre-claim: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	gate := suppression.NewGate(repository.NewSuppressionRepository(f.db), nil, logger)
	orch := New(&staleStore{f.campaigns, &snapshot}, f.contacts, gate,
		f.events, f.tenants, f.dispatcher, nil, logger)

	_, err := orch.Execute(ctx, c.ID, tenantID, false)
	if !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost, got %v", err)
	}
	if len(f.dispatcher.jobs) != 0 {
		t.Error("losing claimer must not dispatch")
	}
}

func TestExecuteRejectsWrongStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tenantID := f.seedTenant(t, 100)
	groupID := f.seedAudience(t, tenantID, 2)
	c := f.seedCampaign(t, tenantID, groupID, models.StatusDraft)

	_, err := f.orch.Execute(ctx, c.ID, tenantID, false)
	var eligErr *EligibilityError
	if !errors.As(err, &eligErr) {
		t.Fatalf("expected EligibilityError, got %v", err)
	}
	if eligErr.Status != models.StatusDraft {
		t.Errorf("expected DRAFT in error, got %s", eligErr.Status)
	}

	// SENT is only an entry state for recurring executions.
	c2 := f.seedCampaign(t, tenantID, groupID, models.StatusSent)
	if _, err := f.orch.Execute(ctx, c2.ID, tenantID, false); !errors.As(err, &eligErr) {
		t.Fatalf("expected EligibilityError for one-off from SENT, got %v", err)
	}
	if _, err := f.orch.Execute(ctx, c2.ID, tenantID, true); err != nil {
		t.Fatalf("recurring re-entry from SENT should work: %v", err)
	}
}

func TestExecuteEmptyAudienceCompletesWithoutDispatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tenantID := f.seedTenant(t, 100)
	g := &models.Group{TenantID: tenantID, Name: "empty"}
	if err := f.contacts.CreateGroup(ctx, g); err != nil {
		t.Fatalf("failed to create group: %v", err)
	}
	c := f.seedCampaign(t, tenantID, g.ID, models.StatusApproved)

	res, err := f.orch.Execute(ctx, c.ID, tenantID, false)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Complete || res.FinalStatus != models.StatusSent {
		t.Fatalf("expected empty audience to finalize as SENT, got %+v", res)
	}
	if len(f.dispatcher.jobs) != 0 {
		t.Error("expected no provider contact for an empty audience")
	}
	balance, _ := f.tenants.CheckBalance(ctx, tenantID)
	if balance != 100 {
		t.Errorf("expected untouched balance, got %d", balance)
	}
	got, _ := f.campaigns.GetByID(ctx, c.ID, tenantID)
	if got.SentAt == nil {
		t.Error("expected watermark on completed empty cycle")
	}
}
