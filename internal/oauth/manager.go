// Package oauth owns the OAuth token lifecycle: serving fresh auth headers,
// coalescing refreshes, queueing credentials for interactive re-auth, and
// persisting rotated tokens before they are swapped into memory.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/majorcontext/relay/internal/credential"
	"github.com/majorcontext/relay/internal/log"
	"github.com/majorcontext/relay/internal/statefile"
)

// ProactiveBuffer is how long before expiry a token is refreshed.
const ProactiveBuffer = 5 * time.Minute

const (
	refreshAttempts    = 3
	refreshBackoffBase = time.Second
)

// ErrNeedsReauth marks a credential whose refresh token is no longer usable;
// the credential sits in the re-auth queue until re-enrolled interactively.
var ErrNeedsReauth = errors.New("credential requires interactive re-authorization")

// TokenError is an OAuth token-endpoint failure.
type TokenError struct {
	StatusCode  int
	Code        string // "invalid_grant", "invalid_request", ...
	Description string
	RetryAfter  time.Duration
}

func (e *TokenError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("token endpoint returned %d", e.StatusCode)
}

// Revoked reports whether the refresh token is dead (re-auth required).
func (e *TokenError) Revoked() bool {
	return e.Code == "invalid_grant" ||
		e.StatusCode == http.StatusUnauthorized ||
		e.StatusCode == http.StatusForbidden
}

// ClientConfig identifies the OAuth application for a provider.
type ClientConfig struct {
	TokenURL     string
	AuthURL      string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Manager serves auth headers for every credential kind and manages OAuth
// refresh for token-backed ones.
type Manager struct {
	store   *credential.Store
	client  *http.Client
	clients map[string]ClientConfig // provider -> oauth client config
	reauth  *ReauthQueue

	group   singleflight.Group
	mu      sync.Mutex
	writers map[string]*statefile.Writer // credential path -> writer
	now     func() time.Time
}

// NewManager creates a token manager over the credential store.
func NewManager(store *credential.Store, client *http.Client) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	return &Manager{
		store:   store,
		client:  client,
		clients: make(map[string]ClientConfig),
		reauth:  NewReauthQueue(),
		writers: make(map[string]*statefile.Writer),
		now:     time.Now,
	}
}

// RegisterClient declares the OAuth client configuration for a provider.
func (m *Manager) RegisterClient(provider string, cfg ClientConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[provider] = cfg
}

// Reauth exposes the re-auth queue.
func (m *Manager) Reauth() *ReauthQueue { return m.reauth }

// SetNow overrides the clock. For testing.
func (m *Manager) SetNow(fn func() time.Time) { m.now = fn }

// AuthHeader returns a valid Authorization header value for the credential.
// Static keys pass through; OAuth tokens are refreshed when expired or
// inside the proactive buffer.
func (m *Manager) AuthHeader(ctx context.Context, id string) (string, error) {
	c, ok := m.store.Get(id)
	if !ok {
		return "", fmt.Errorf("unknown credential %s", id)
	}
	if c.Kind == credential.KindAPIKey {
		return "Bearer " + c.APIKey, nil
	}
	if m.reauth.Contains(id) {
		return "", fmt.Errorf("credential %s: %w", log.MaskCredential(id), ErrNeedsReauth)
	}

	now := m.now()
	if !c.Token.Expired(now.Add(ProactiveBuffer)) {
		return "Bearer " + c.Token.AccessToken, nil
	}
	if !c.Token.Expired(now) {
		// Still valid: refresh in the background and serve the current token.
		go func() { _, _ = m.Refresh(context.WithoutCancel(ctx), id) }()
		return "Bearer " + c.Token.AccessToken, nil
	}

	refreshed, err := m.Refresh(ctx, id)
	if err != nil {
		return "", err
	}
	return "Bearer " + refreshed.Token.AccessToken, nil
}

// Available reports whether the credential can currently produce a header:
// not queued for re-auth, and either fresh or refreshable.
func (m *Manager) Available(id string) bool {
	c, ok := m.store.Get(id)
	if !ok {
		return false
	}
	if c.Kind == credential.KindAPIKey {
		return true
	}
	if m.reauth.Contains(id) {
		return false
	}
	return c.Token.RefreshToken != "" || !c.Token.Expired(m.now())
}

// Refresh exchanges the refresh token for new tokens. Concurrent calls for
// the same credential coalesce into one upstream exchange.
func (m *Manager) Refresh(ctx context.Context, id string) (*credential.Credential, error) {
	v, err, _ := m.group.Do(id, func() (any, error) {
		return m.refresh(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*credential.Credential), nil
}

func (m *Manager) refresh(ctx context.Context, id string) (*credential.Credential, error) {
	c, ok := m.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("unknown credential %s", id)
	}
	if c.Kind != credential.KindOAuth {
		return c, nil
	}
	if c.Token.RefreshToken == "" {
		m.reauth.Enqueue(id)
		return nil, fmt.Errorf("credential %s has no refresh token: %w", log.MaskCredential(id), ErrNeedsReauth)
	}

	cfg, err := m.clientConfig(c)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < refreshAttempts; attempt++ {
		if attempt > 0 {
			wait := refreshBackoffBase << (attempt - 1)
			var te *TokenError
			if errors.As(lastErr, &te) && te.RetryAfter > wait {
				wait = te.RetryAfter
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		tok, err := m.exchange(ctx, cfg, c.Token.RefreshToken)
		if err == nil {
			return m.commit(c, tok)
		}
		lastErr = err

		var te *TokenError
		if errors.As(err, &te) && te.Revoked() {
			m.reauth.Enqueue(id)
			log.Warn("refresh token revoked, queued for re-auth",
				"credential", log.MaskCredential(id), "error", err)
			return nil, fmt.Errorf("refreshing %s: %w", log.MaskCredential(id), ErrNeedsReauth)
		}
		log.Debug("token refresh attempt failed",
			"credential", log.MaskCredential(id), "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("refreshing %s: %w", log.MaskCredential(id), lastErr)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (m *Manager) exchange(ctx context.Context, cfg ClientConfig, refreshToken string) (*tokenResponse, error) {
	form := url.Values{
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &errResp)
		te := &TokenError{
			StatusCode:  resp.StatusCode,
			Code:        errResp.Error,
			Description: errResp.Description,
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				te.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, te
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("parsing refresh response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("no access token in refresh response")
	}
	return &tok, nil
}

// commit persists the refreshed tokens, then swaps the in-memory record.
// Persisting first prevents a stale cache when the process dies mid-swap.
func (m *Manager) commit(old *credential.Credential, tok *tokenResponse) (*credential.Credential, error) {
	next := *old
	next.Token.AccessToken = tok.AccessToken
	next.Token.ExpiresAt = m.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	if tok.IDToken != "" {
		next.Token.IDToken = tok.IDToken
		if claims, err := DecodeClaims(tok.IDToken); err == nil {
			if claims.Email != "" {
				next.Token.Email = claims.Email
			}
			if claims.AccountID != "" {
				next.Token.AccountID = claims.AccountID
			}
		}
	}
	next.Meta.LastCheck = m.now()

	if !next.Meta.FromEnv {
		data, err := next.MarshalFile()
		if err != nil {
			return nil, fmt.Errorf("encoding refreshed credential: %w", err)
		}
		var raw json.RawMessage = data
		m.writer(next.ID).Write(raw)
	}

	m.store.Update(&next)
	log.Debug("token refreshed",
		"credential", log.MaskCredential(next.ID),
		"expires_at", next.Token.ExpiresAt.UTC().Format(time.RFC3339))
	return &next, nil
}

func (m *Manager) writer(path string) *statefile.Writer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.writers[path]; ok {
		return w
	}
	w := statefile.NewWriter(path, true)
	m.writers[path] = w
	return w
}

func (m *Manager) clientConfig(c *credential.Credential) (ClientConfig, error) {
	m.mu.Lock()
	cfg, ok := m.clients[c.Provider]
	m.mu.Unlock()
	if !ok {
		return ClientConfig{}, fmt.Errorf("no oauth client registered for provider %s", c.Provider)
	}
	if c.Token.TokenURI != "" {
		cfg.TokenURL = c.Token.TokenURI
	}
	return cfg, nil
}

// RefreshExpiring refreshes every OAuth credential whose token expires
// within the proactive buffer. Run periodically by the engine.
func (m *Manager) RefreshExpiring(ctx context.Context) {
	for _, provider := range m.store.Providers() {
		for _, id := range m.store.List(provider) {
			c, ok := m.store.Get(id)
			if !ok || c.Kind != credential.KindOAuth || m.reauth.Contains(id) {
				continue
			}
			if c.Token.Expired(m.now().Add(ProactiveBuffer)) {
				if _, err := m.Refresh(ctx, id); err != nil && !errors.Is(err, ErrNeedsReauth) {
					log.Debug("proactive refresh failed",
						"credential", log.MaskCredential(id), "error", err)
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}
