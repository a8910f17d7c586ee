package graph

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenExpiryBuffer makes a cached token count as expired this long before
// its real expiry, so a request never starts with a token about to lapse.
const tokenExpiryBuffer = 5 * time.Minute

const graphScope = "https://graph.microsoft.com/.default"

// tokenSource caches client-credentials tokens and can be forced to fetch a
// fresh one after the API rejects the cached token. Fetches run under the
// caller's context.
type tokenSource struct {
	cfg    *clientcredentials.Config
	client *http.Client

	// sem guards tok and serialises fetches. Waiting on it honours ctx.
	sem chan struct{}
	tok *oauth2.Token
}

func newTokenSource(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenSource {
	return &tokenSource{
		cfg: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{graphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		client: httpClient,
		sem:    make(chan struct{}, 1),
	}
}

// Token returns a valid access token, fetching one if the cache is empty or
// expired. Safe for concurrent use.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	return ts.get(ctx, false)
}

// ForceRefresh drops the cached token and acquires a new one.
func (ts *tokenSource) ForceRefresh(ctx context.Context) (string, error) {
	return ts.get(ctx, true)
}

func (ts *tokenSource) get(ctx context.Context, force bool) (string, error) {
	select {
	case ts.sem <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("failed to acquire token: %w", ctx.Err())
	}
	defer func() { <-ts.sem }()

	if force {
		ts.tok = nil
	}
	if fresh(ts.tok) {
		return ts.tok.AccessToken, nil
	}

	tok, err := ts.cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, ts.client))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("failed to acquire token: %w: %w", ctxErr, err)
		}
		return "", fmt.Errorf("failed to acquire token: %w", err)
	}
	ts.tok = tok
	return tok.AccessToken, nil
}

func fresh(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	return tok.Expiry.IsZero() || time.Now().Add(tokenExpiryBuffer).Before(tok.Expiry)
}
