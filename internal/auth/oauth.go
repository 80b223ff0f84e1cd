package auth

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"khayal/internal/config"
)

// Supported provider names.
const (
	ProviderGoogle   = "google"
	ProviderFacebook = "facebook"
)

// Provider-specific userinfo endpoints.
var providerUserInfoURLs = map[string]string{
	ProviderGoogle:   "https://www.googleapis.com/oauth2/v2/userinfo",
	ProviderFacebook: "https://graph.facebook.com/me?fields=id,name,email",
}

// OAuthClient manages OAuth2 sign-in flows for the admin dashboard.
type OAuthClient struct {
	providers  map[string]*oauth2.Config
	httpClient *http.Client // nil means a default client with timeout

	// pendingStates maps generated state strings to their expiry, for
	// CSRF validation of callbacks.
	stateMu       sync.Mutex
	pendingStates map[string]time.Time
	done          chan struct{}
}

// OAuthUser is the identity returned by a provider.
type OAuthUser struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// NewOAuthClient creates an OAuthClient from the configured providers and
// starts the background cleanup of stale states. Call Stop on shutdown.
func NewOAuthClient(providers map[string]config.OAuthProviderConfig) *OAuthClient {
	configs := make(map[string]*oauth2.Config, len(providers))
	for name, p := range providers {
		configs[name] = &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  p.AuthURL,
				TokenURL: p.TokenURL,
			},
			RedirectURL: p.RedirectURL,
			Scopes:      p.Scopes,
		}
	}

	oc := &OAuthClient{
		providers:     configs,
		pendingStates: make(map[string]time.Time),
		done:          make(chan struct{}),
	}
	go oc.cleanupLoop()
	return oc
}

// Stop terminates the state cleanup goroutine.
func (oc *OAuthClient) Stop() {
	close(oc.done)
}

func (oc *OAuthClient) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-oc.done:
			return
		case <-ticker.C:
			oc.stateMu.Lock()
			now := time.Now()
			for state, expiry := range oc.pendingStates {
				if now.After(expiry) {
					delete(oc.pendingStates, state)
				}
			}
			oc.stateMu.Unlock()
		}
	}
}

// GetAuthURL returns the authorization URL for a provider, with a random
// state parameter registered for later validation.
func (oc *OAuthClient) GetAuthURL(provider string) (string, error) {
	cfg, ok := oc.providers[provider]
	if !ok {
		return "", fmt.Errorf("unsupported OAuth provider: %s", provider)
	}

	stateBytes := make([]byte, 16)
	if _, err := io.ReadFull(cryptorand.Reader, stateBytes); err != nil {
		return "", fmt.Errorf("generate OAuth state: %w", err)
	}
	state := fmt.Sprintf("%x", stateBytes)

	oc.stateMu.Lock()
	oc.pendingStates[state] = time.Now().Add(10 * time.Minute)
	// Bound stored states against memory exhaustion
	if len(oc.pendingStates) > 10000 {
		for k := range oc.pendingStates {
			delete(oc.pendingStates, k)
			if len(oc.pendingStates) <= 5000 {
				break
			}
		}
	}
	oc.stateMu.Unlock()

	return cfg.AuthCodeURL(state, oauth2.AccessTypeOnline), nil
}

// ValidateState consumes a state token, returning true when it was issued
// by GetAuthURL and has not expired. States are single use.
func (oc *OAuthClient) ValidateState(state string) bool {
	oc.stateMu.Lock()
	defer oc.stateMu.Unlock()
	expiry, ok := oc.pendingStates[state]
	if !ok {
		return false
	}
	delete(oc.pendingStates, state)
	return time.Now().Before(expiry)
}

// HandleCallback exchanges the authorization code and fetches the user's
// profile from the provider.
func (oc *OAuthClient) HandleCallback(ctx context.Context, provider, code string) (*OAuthUser, error) {
	cfg, ok := oc.providers[provider]
	if !ok {
		return nil, fmt.Errorf("unsupported OAuth provider: %s", provider)
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("OAuth token exchange failed for %s: %w", provider, err)
	}

	return oc.fetchUserInfo(ctx, provider, token)
}

func (oc *OAuthClient) fetchUserInfo(ctx context.Context, provider string, token *oauth2.Token) (*OAuthUser, error) {
	userInfoURL, ok := providerUserInfoURLs[provider]
	if !ok {
		return nil, fmt.Errorf("no userinfo URL for provider: %s", provider)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := oc.getHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo from %s: %w", provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read userinfo response from %s: %w", provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request to %s returned status %d: %s", provider, resp.StatusCode, body)
	}

	return parseUserInfo(provider, body)
}

func parseUserInfo(provider string, body []byte) (*OAuthUser, error) {
	var raw struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse userinfo JSON from %s: %w", provider, err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("userinfo from %s has no id", provider)
	}
	return &OAuthUser{
		ID:       raw.ID,
		Email:    raw.Email,
		Name:     raw.Name,
		Provider: provider,
	}, nil
}

func (oc *OAuthClient) getHTTPClient() *http.Client {
	if oc.httpClient != nil {
		return oc.httpClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}
