// ABOUTME: Bearer credential acquisition for the push-notification channel.
// ABOUTME: Performs client-credentials exchange and caches the result with an expiry margin.

package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/deskmcp/internal/config"
)

// ErrExchangeFailed indicates the identity endpoint rejected the credential exchange.
var ErrExchangeFailed = errors.New("token exchange failed")

// Credential is a cached bearer credential for the push channel.
// ExpiresAt already carries the configured safety margin.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the credential can still be used at the given instant.
func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && now.Before(c.ExpiresAt)
}

// Provider acquires and caches the bearer credential used to authorize wake
// notifications. One Provider instance is shared process-wide; it is safe for
// concurrent use. The provider never retries internally — a failed exchange
// surfaces to the caller, who decides whether to retry the whole bring-up.
type Provider struct {
	cfg    config.IdentityConfig
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	cached Credential

	// now is swappable in tests
	now func() time.Time
}

// NewProvider creates a credential provider for the given identity settings.
func NewProvider(cfg config.IdentityConfig, logger *slog.Logger) *Provider {
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		now:    time.Now,
	}
}

// Token returns a cached credential if unexpired, otherwise performs a
// blocking client-credentials exchange and caches the result.
func (p *Provider) Token(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached.Valid(p.now()) {
		return p.cached, nil
	}

	cred, err := p.exchange(ctx)
	if err != nil {
		return Credential{}, err
	}

	p.cached = cred
	p.logger.Debug("credential refreshed", "expires_at", cred.ExpiresAt)
	return cred, nil
}

// Invalidate drops the cached credential so the next Token call re-exchanges.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = Credential{}
}

// tokenResponse is the identity endpoint's reply. ExpiresIn is kept raw
// because some identity providers return the lifetime as a JSON number and
// others as a numeric string.
type tokenResponse struct {
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
	ExpiresIn   json.RawMessage `json:"expires_in"`
}

// exchange performs the client-credentials POST. Must be called with mu held.
func (p *Provider) exchange(ctx context.Context) (Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)
	if p.cfg.Scope != "" {
		form.Set("scope", p.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: reading response: %v", ErrExchangeFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("%w: status %d: %s", ErrExchangeFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Credential{}, fmt.Errorf("%w: parsing response: %v", ErrExchangeFailed, err)
	}
	if tr.AccessToken == "" {
		return Credential{}, fmt.Errorf("%w: response missing access_token", ErrExchangeFailed)
	}

	lifetime, err := p.lifetimeOf(tr)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	return Credential{
		Token:     tr.AccessToken,
		ExpiresAt: p.now().Add(lifetime - p.cfg.Margin),
	}, nil
}

// lifetimeOf determines the credential lifetime from expires_in, accepting
// either a JSON number or a numeric string. When the field is absent it falls
// back to the unverified exp claim of the access token itself.
func (p *Provider) lifetimeOf(tr tokenResponse) (time.Duration, error) {
	if len(tr.ExpiresIn) > 0 {
		secs, err := parseExpiresIn(tr.ExpiresIn)
		if err != nil {
			return 0, err
		}
		return time.Duration(secs) * time.Second, nil
	}

	// No expires_in field: read the exp claim without verifying the
	// signature. We are the party that just received this token over TLS;
	// we only need its expiry, not its authenticity.
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tr.AccessToken, claims); err != nil {
		return 0, fmt.Errorf("response missing expires_in and token is not a JWT: %v", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, fmt.Errorf("response missing expires_in and token has no exp claim")
	}
	return exp.Time.Sub(p.now()), nil
}

// parseExpiresIn parses the expires_in field as either a number or a
// numeric string, e.g. 3600 and "3600" are equivalent.
func parseExpiresIn(raw json.RawMessage) (int64, error) {
	s := strings.TrimSpace(string(raw))
	s = strings.Trim(s, `"`)

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid expires_in %q", string(raw))
	}
	if f <= 0 {
		return 0, fmt.Errorf("non-positive expires_in %q", string(raw))
	}
	return int64(f), nil
}
