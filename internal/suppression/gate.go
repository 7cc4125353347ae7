// Package suppression is the deny-list gate the send pipeline consults
// before dispatch. The list itself is written by the provider webhook
// path; the pipeline only reads it.
package suppression

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mailloft/mailloft/internal/models"
	"github.com/mailloft/mailloft/internal/repository"
)

type Gate struct {
	repo   *repository.SuppressionRepository
	cache  *Cache // nil when redis is not configured
	logger *slog.Logger
}

func NewGate(repo *repository.SuppressionRepository, cache *Cache, logger *slog.Logger) *Gate {
	return &Gate{
		repo:   repo,
		cache:  cache,
		logger: logger.With("component", "suppression"),
	}
}

// FilterSuppressed returns the addresses NOT on the tenant's deny-list,
// preserving input order. Matching is case-insensitive. Cache errors
// degrade to the database; they never let a suppressed address through.
func (g *Gate) FilterSuppressed(ctx context.Context, tenantID string, addresses []string) ([]string, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	known := map[string]bool{}
	toCheck := addresses

	if g.cache != nil {
		cached, unknown, err := g.cache.FilterKnown(ctx, tenantID, addresses)
		if err != nil {
			g.logger.Warn("suppression cache unavailable, falling back to database", "error", err)
		} else {
			known = cached
			toCheck = unknown
		}
	}

	var fromDB map[string]bool
	if len(toCheck) > 0 {
		var err error
		fromDB, err = g.repo.FindSuppressed(ctx, tenantID, toCheck)
		if err != nil {
			return nil, err
		}
	}

	// Warm the cache with database hits.
	if g.cache != nil {
		for addr := range fromDB {
			if err := g.cache.MarkSuppressed(ctx, tenantID, addr); err != nil {
				g.logger.Debug("failed to warm suppression cache", "error", err)
				break
			}
		}
	}

	out := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if known[addr] || fromDB[strings.ToLower(addr)] {
			continue
		}
		out = append(out, addr)
	}

	if filtered := len(addresses) - len(out); filtered > 0 {
		g.logger.Info("filtered suppressed recipients",
			"tenant_id", tenantID, "filtered", filtered, "remaining", len(out))
	}
	return out, nil
}

// Add records a suppression entry and writes through to the cache. This is
// the single write path exposed to the webhook collaborator.
func (g *Gate) Add(ctx context.Context, entry *models.SuppressionEntry) error {
	if err := g.repo.Upsert(ctx, entry); err != nil {
		return err
	}
	if g.cache != nil {
		if err := g.cache.MarkSuppressed(ctx, entry.TenantID, entry.Email); err != nil {
			g.logger.Warn("failed to update suppression cache", "error", err)
		}
	}
	g.logger.Info("address suppressed",
		"tenant_id", entry.TenantID, "type", entry.Type)
	return nil
}
