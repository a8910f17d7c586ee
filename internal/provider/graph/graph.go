package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shineum/contact-relay/internal/email"
)

// Config holds the configuration for creating a Provider.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Sender is the mailbox that sends the message. Graph always sends as
	// this user; the message's From header is not used.
	Sender string
}

// Provider sends emails via the Microsoft Graph sendMail endpoint using
// OAuth2 client credentials.
type Provider struct {
	graphURL   string
	httpClient *http.Client
	tokens     *tokenSource
}

// New creates a Provider for the given tenant and sender.
func New(cfg Config) *Provider {
	tokenURL := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID))
	graphURL := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", url.PathEscape(cfg.Sender))
	return newWithOverrides(cfg, graphURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

func newWithOverrides(cfg Config, graphURL, tokenURL string, client *http.Client) *Provider {
	return &Provider{
		graphURL:   graphURL,
		httpClient: client,
		tokens:     newTokenSource(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
	}
}

// Send posts msg to Graph once. A 401 causes one token refresh and a single
// repeat of the request; every other failure is returned as is.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	bodyJSON, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	token, err := p.tokens.Token(ctx)
	if err != nil {
		return err
	}

	err = p.post(ctx, token, bodyJSON)

	var se *sendError
	if errors.As(err, &se) && se.statusCode == http.StatusUnauthorized {
		slog.Info("refreshing Graph API token after 401")
		token, err = p.tokens.ForceRefresh(ctx)
		if err != nil {
			return err
		}
		err = p.post(ctx, token, bodyJSON)
	}
	return err
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "graph"
}

func (p *Provider) post(ctx context.Context, token string, bodyJSON []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.graphURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Graph API request failed: %w", err)
	}
	defer resp.Body.Close()

	// sendMail answers 202 Accepted.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	se := &sendError{statusCode: resp.StatusCode, message: string(body)}
	var ger graphErrorResponse
	if json.Unmarshal(body, &ger) == nil && ger.Error.Message != "" {
		se.code = ger.Error.Code
		se.message = ger.Error.Message
	}
	return se
}

// sendError is a non-2xx response from the sendMail endpoint.
type sendError struct {
	statusCode int
	code       string
	message    string
}

func (e *sendError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("Graph API error (HTTP %d, %s): %s", e.statusCode, e.code, e.message)
	}
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}
