package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mailloft/mailloft/internal/models"
)

// MailgunProvider sends batches through the Mailgun HTTP API. One API call
// covers a whole chunk; Mailgun substitutes recipient-variables so each
// recipient only sees itself in the To header.
type MailgunProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewMailgunProvider(baseURL, apiKey string) *MailgunProvider {
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/v3")

	return &MailgunProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type mailgunResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (p *MailgunProvider) SendBatch(ctx context.Context, identity models.SenderIdentity, recipients []string, vars Variables, msg Message) (string, error) {
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("failed to encode recipient variables: %w", err)
	}

	form := url.Values{}
	form.Set("from", identity.From())
	for _, to := range recipients {
		form.Add("to", to)
	}
	form.Set("subject", msg.Subject)
	if msg.HTML != "" {
		form.Set("html", msg.HTML)
	}
	if msg.Text != "" {
		form.Set("text", msg.Text)
	}
	form.Set("recipient-variables", string(varsJSON))
	form.Set("o:tracking", "yes")
	form.Set("o:tracking-opens", "yes")
	form.Set("o:tracking-clicks", "yes")
	for _, tag := range msg.Tags {
		form.Add("o:tag", tag)
	}

	endpoint := fmt.Sprintf("%s/v3/%s/messages", p.baseURL, identity.Domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &TransientError{Message: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		var mr mailgunResponse
		if err := json.Unmarshal(body, &mr); err != nil {
			return "", fmt.Errorf("failed to decode response: %w body=%q", err, string(body))
		}
		return mr.ID, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &AuthError{
			Identity:   identity,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", &TransientError{
			Message: fmt.Sprintf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}

	default:
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}
}
