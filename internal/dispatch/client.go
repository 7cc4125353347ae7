// Package dispatch turns a resolved recipient set into provider-sized
// batches and reports per-batch outcomes. It owns the privacy guarantee
// that no recipient ever sees the rest of the batch, the one-shot sender
// identity fallback, and the inter-chunk pacing.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mailloft/mailloft/internal/metrics"
	"github.com/mailloft/mailloft/internal/models"
)

// Config tunes batching behavior.
type Config struct {
	ChunkSize     int           // provider batch limit, default 1000
	ChunkTimeout  time.Duration // per-chunk deadline, default 30s
	ChunkInterval time.Duration // pacing between chunks
}

type Client struct {
	provider Provider
	platform models.SenderIdentity // fallback identity
	cfg      Config
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewClient creates a dispatch client. metrics may be nil.
func NewClient(provider Provider, platform models.SenderIdentity, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Client {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.ChunkInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.ChunkInterval), 1)
		// Burn the initial token so the very first inter-chunk gap is
		// paced like the rest.
		limiter.Allow()
	}

	return &Client{
		provider: provider,
		platform: platform,
		cfg:      cfg,
		limiter:  limiter,
		metrics:  m,
		logger:   logger.With("component", "dispatch"),
	}
}

// Job is one campaign's worth of dispatch work.
type Job struct {
	CampaignID string
	TenantID   string
	Recipients []string
	Subject    string
	HTML       string
	Text       string
	Variables  Variables             // per-recipient personalization
	Identity   models.SenderIdentity // tenant identity; zero value uses platform default
	Tags       []string
}

// SendCampaign splits the recipients into chunks and sends them
// sequentially. One result per chunk; a failure in one chunk does not stop
// the others. On a provider auth rejection of a tenant identity the client
// switches to the platform default for this and all later chunks, retrying
// the failed chunk exactly once.
func (c *Client) SendCampaign(ctx context.Context, job Job) []BatchResult {
	identity := job.Identity
	usingPlatform := identity.IsZero() || identity.FromEmail == ""
	if usingPlatform {
		identity = c.platform
	}
	identity = alignIdentity(identity)

	msg := Message{Subject: job.Subject, HTML: job.HTML, Text: job.Text, Tags: job.Tags}
	chunks := chunk(job.Recipients, c.cfg.ChunkSize)

	c.logger.Info("dispatching campaign",
		"campaign_id", job.CampaignID,
		"recipients", len(job.Recipients),
		"chunks", len(chunks),
		"from", identity.FromEmail)

	results := make([]BatchResult, 0, len(chunks))
	for i, batch := range chunks {
		if err := c.limiter.Wait(ctx); err != nil {
			results = append(results, failedBatch(batch, err))
			continue
		}

		msgID, fellBack, err := c.sendChunk(ctx, identity, usingPlatform, batch, job.Variables, msg)
		if fellBack {
			// The fallback sticks for later chunks.
			identity = alignIdentity(c.platform)
			usingPlatform = true
		}

		if err != nil {
			c.logger.Error("batch failed",
				"campaign_id", job.CampaignID, "batch", i+1, "size", len(batch), "error", err)
			results = append(results, failedBatch(batch, err))
			continue
		}

		c.logger.Info("batch sent",
			"campaign_id", job.CampaignID, "batch", i+1, "size", len(batch), "message_id", msgID)
		results = append(results, BatchResult{
			Status:            BatchSuccess,
			Sent:              len(batch),
			Recipients:        batch,
			ProviderMessageID: msgID,
		})
	}

	return results
}

// sendChunk sends one batch with a bounded deadline. On an auth rejection
// of a tenant identity it retries once under the platform default and
// reports the fallback so later chunks keep using it.
func (c *Client) sendChunk(ctx context.Context, identity models.SenderIdentity, usingPlatform bool, batch []string, vars Variables, msg Message) (msgID string, fellBack bool, err error) {
	chunkVars := scopeVariables(batch, vars)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ChunkTimeout)
	start := time.Now()
	msgID, err = c.provider.SendBatch(callCtx, identity, batch, chunkVars, msg)
	c.observeBatch(time.Since(start))
	cancel()

	if err == nil {
		return msgID, false, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "", false, &TransientError{Message: "provider call timed out"}
	}

	var authErr *AuthError
	if errors.As(err, &authErr) && !usingPlatform {
		c.logger.Warn("sender identity rejected, retrying with platform default",
			"rejected_from", identity.FromEmail, "fallback_from", c.platform.FromEmail)

		fallback := alignIdentity(c.platform)
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.ChunkTimeout)
		start := time.Now()
		msgID, err = c.provider.SendBatch(callCtx, fallback, batch, chunkVars, msg)
		c.observeBatch(time.Since(start))
		cancel()

		if err == nil {
			return msgID, true, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = &TransientError{Message: "provider call timed out"}
		}
		return "", true, err
	}

	return "", false, err
}

// observeBatch records one provider call's duration when metrics are
// wired.
func (c *Client) observeBatch(d time.Duration) {
	if c.metrics != nil {
		c.metrics.DispatchBatchSeconds.Observe(d.Seconds())
	}
}

// scopeVariables builds the recipient-variable map for one chunk so each
// recipient resolves only its own entry. Recipients without caller-provided
// variables get their address, which keeps the provider substituting
// per-recipient To headers instead of exposing the batch list.
func scopeVariables(batch []string, vars Variables) Variables {
	out := make(Variables, len(batch))
	for _, addr := range batch {
		if v, ok := vars[addr]; ok {
			out[addr] = v
			continue
		}
		out[addr] = map[string]string{"email": addr}
	}
	return out
}

// alignIdentity rewrites the from-address domain to match the sending
// domain. A mismatch makes some mail clients render "on behalf of".
func alignIdentity(id models.SenderIdentity) models.SenderIdentity {
	if id.Domain == "" || id.FromEmail == "" {
		return id
	}
	at := strings.LastIndex(id.FromEmail, "@")
	if at < 0 {
		return id
	}
	if id.FromEmail[at+1:] != id.Domain {
		id.FromEmail = id.FromEmail[:at+1] + id.Domain
	}
	return id
}

func chunk(recipients []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		out = append(out, recipients[start:end])
	}
	return out
}

func failedBatch(batch []string, err error) BatchResult {
	errs := make([]RecipientError, len(batch))
	for i, r := range batch {
		errs[i] = RecipientError{Recipient: r, Error: err.Error()}
	}
	return BatchResult{
		Status:     BatchError,
		Recipients: batch,
		Errors:     errs,
	}
}
