package suppression

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mailloft/mailloft/internal/models"
	"github.com/mailloft/mailloft/internal/repository"
)

func setupGate(t *testing.T, withCache bool) (*Gate, *repository.DB, *miniredis.Miniredis) {
	t.Helper()

	db, err := repository.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	if _, err := db.Exec(`INSERT INTO tenants (id, name, remaining_messages) VALUES ('t1', 'Tenant', 100)`); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	var cache *Cache
	var mr *miniredis.Miniredis
	if withCache {
		mr = miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		cache = NewCache(rdb, time.Hour)
	}

	return NewGate(repository.NewSuppressionRepository(db), cache, logger), db, mr
}

func TestFilterSuppressed(t *testing.T) {
	gate, _, _ := setupGate(t, false)
	ctx := context.Background()

	if err := gate.Add(ctx, &models.SuppressionEntry{
		TenantID: "t1", Email: "bad@example.com", Type: models.SuppressionBounce,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := gate.FilterSuppressed(ctx, "t1",
		[]string{"a@example.com", "bad@example.com", "b@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "a@example.com" || got[1] != "b@example.com" {
		t.Errorf("filtered = %v, want order-preserving [a b]", got)
	}
}

func TestFilterSuppressedWritesThroughCache(t *testing.T) {
	gate, _, mr := setupGate(t, true)
	ctx := context.Background()

	if err := gate.Add(ctx, &models.SuppressionEntry{
		TenantID: "t1", Email: "bad@example.com", Type: models.SuppressionComplaint,
	}); err != nil {
		t.Fatal(err)
	}

	// Add writes through, so the key exists before any filter ran.
	if !mr.Exists("suppr:t1:bad@example.com") {
		t.Error("Add did not write through to cache")
	}

	got, err := gate.FilterSuppressed(ctx, "t1", []string{"bad@example.com", "ok@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "ok@example.com" {
		t.Errorf("filtered = %v, want [ok@example.com]", got)
	}
}

func TestFilterSuppressedIgnoresCase(t *testing.T) {
	gate, _, mr := setupGate(t, true)
	ctx := context.Background()

	// Providers report addresses in whatever casing they saw.
	if err := gate.Add(ctx, &models.SuppressionEntry{
		TenantID: "t1", Email: "Bad@Example.com", Type: models.SuppressionBounce,
	}); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("suppr:t1:bad@example.com") {
		t.Error("cache key not normalized to lowercase")
	}

	got, err := gate.FilterSuppressed(ctx, "t1", []string{"BAD@example.COM", "ok@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "ok@example.com" {
		t.Errorf("filtered = %v, want [ok@example.com]", got)
	}

	// Same answer when the cache is out of the picture.
	mr.Close()
	got, err = gate.FilterSuppressed(ctx, "t1", []string{"BAD@example.COM", "ok@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "ok@example.com" {
		t.Errorf("filtered without cache = %v, want [ok@example.com]", got)
	}
}

func TestFilterSuppressedSurvivesCacheOutage(t *testing.T) {
	gate, _, mr := setupGate(t, true)
	ctx := context.Background()

	if err := gate.Add(ctx, &models.SuppressionEntry{
		TenantID: "t1", Email: "bad@example.com", Type: models.SuppressionUnsubscribe,
	}); err != nil {
		t.Fatal(err)
	}

	mr.Close()

	// The database is still the source of truth.
	got, err := gate.FilterSuppressed(ctx, "t1", []string{"bad@example.com", "ok@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "ok@example.com" {
		t.Errorf("filtered = %v, want [ok@example.com]", got)
	}
}

func TestFilterSuppressedEmptyInput(t *testing.T) {
	gate, _, _ := setupGate(t, false)

	got, err := gate.FilterSuppressed(context.Background(), "t1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}
