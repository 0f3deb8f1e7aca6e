package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"cambiowatch/internal/config"
)

// tokenEarlyRefresh renews cached OAuth tokens that have less than this much
// validity left, so a token never expires mid-request.
const tokenEarlyRefresh = 30 * time.Second

type tokenKey struct {
	tokenURL    string
	scope       string
	clientIDEnv string
}

// authManager injects provider credentials: static headers resolved from the
// environment, and cached OAuth2 client-credentials tokens shared between
// providers that use the same token endpoint.
type authManager struct {
	mu      sync.Mutex
	sources map[tokenKey]oauth2.TokenSource
}

func newAuthManager() *authManager {
	return &authManager{sources: make(map[tokenKey]oauth2.TokenSource)}
}

func (m *authManager) apply(req *http.Request, p config.ProviderConfig) error {
	for header, envName := range p.AuthHeaders {
		value := os.Getenv(envName)
		if value == "" {
			return fmt.Errorf("provider %s: environment variable %s is not set", p.Name, envName)
		}
		req.Header.Set(header, value)
	}
	if p.AuthHeader != "" && p.AuthTokenEnv != "" {
		value := os.Getenv(p.AuthTokenEnv)
		if value == "" {
			return fmt.Errorf("provider %s: environment variable %s is not set", p.Name, p.AuthTokenEnv)
		}
		req.Header.Set(p.AuthHeader, value)
	}
	if p.OAuth.TokenURL != "" {
		token, err := m.token(p.Name, p.OAuth)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (m *authManager) token(provider string, cfg config.OAuthConfig) (string, error) {
	source, err := m.source(provider, cfg)
	if err != nil {
		return "", err
	}
	token, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("provider %s: obtain oauth token: %w", provider, err)
	}
	return token.AccessToken, nil
}

func (m *authManager) source(provider string, cfg config.OAuthConfig) (oauth2.TokenSource, error) {
	key := tokenKey{tokenURL: cfg.TokenURL, scope: cfg.Scope, clientIDEnv: cfg.ClientIDEnv}

	m.mu.Lock()
	defer m.mu.Unlock()
	if source, ok := m.sources[key]; ok {
		return source, nil
	}

	clientID := os.Getenv(cfg.ClientIDEnv)
	clientSecret := os.Getenv(cfg.ClientSecretEnv)
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("provider %s: oauth credentials missing (%s/%s)", provider, cfg.ClientIDEnv, cfg.ClientSecretEnv)
	}

	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     cfg.TokenURL,
	}
	if cfg.Scope != "" {
		cc.Scopes = []string{cfg.Scope}
	}
	if cfg.Audience != "" {
		cc.EndpointParams = url.Values{"audience": {cfg.Audience}}
	}

	// Token refreshes outlive any single fetch, so the source is bound to the
	// background context rather than a per-request one.
	source := oauth2.ReuseTokenSourceWithExpiry(nil, cc.TokenSource(context.Background()), tokenEarlyRefresh)
	m.sources[key] = source
	return source, nil
}
