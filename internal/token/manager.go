// Package token manages the OAuth credential lifecycle: code
// exchange, expiry-driven refresh and fatal-failure classification.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/sync/singleflight"

	"github.com/mailfold/mailfold/internal/domain"
)

// Credentials is one provider's OAuth application configuration,
// injected explicitly so tests can supply fakes. A zero Endpoint
// selects the provider's well-known endpoints.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	Endpoint     oauth2.Endpoint
}

// Store is the credential persistence surface the manager needs.
type Store interface {
	GetCredential(ctx context.Context, accountID string) (*domain.TokenCredential, error)
	SaveCredential(ctx context.Context, cred *domain.TokenCredential) error
}

// Manager exchanges authorization codes and keeps access tokens
// fresh. At most one refresh is in flight per account: concurrent
// callers share the first result, so a rotation-enabled refresh token
// is never spent twice.
type Manager struct {
	store  Store
	creds  map[domain.Provider]Credentials
	group  singleflight.Group
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a token manager for the configured providers.
func NewManager(store Store, creds map[domain.Provider]Credentials, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		creds:  creds,
		logger: logger,
		now:    time.Now,
	}
}

func (m *Manager) oauthConfig(p domain.Provider) (*oauth2.Config, error) {
	c, ok := m.creds[p]
	if !ok {
		return nil, fmt.Errorf("no oauth credentials configured for provider %q", p)
	}
	endpoint := c.Endpoint
	if endpoint.TokenURL == "" {
		switch p {
		case domain.ProviderGmail:
			endpoint = google.Endpoint
		case domain.ProviderOutlook:
			endpoint = microsoft.AzureADEndpoint("common")
		}
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.Scopes,
		Endpoint:     endpoint,
	}, nil
}

// AuthorizationURL builds the provider consent URL for the initial
// redirect. offline access is always requested so a refresh token is
// issued.
func (m *Manager) AuthorizationURL(p domain.Provider, state string) (string, error) {
	conf, err := m.oauthConfig(p)
	if err != nil {
		return "", err
	}
	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// ExchangeCode performs the code-for-token exchange. The result is
// returned, not persisted; the caller owns persistence.
func (m *Manager) ExchangeCode(ctx context.Context, p domain.Provider, code string) (*domain.TokenCredential, error) {
	conf, err := m.oauthConfig(p)
	if err != nil {
		return nil, err
	}

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode >= 500 {
			return nil, &domain.TransientError{Op: "token exchange", Err: err}
		}
		if errors.As(err, &rerr) {
			return nil, &domain.ExchangeError{Provider: p, Reason: retrieveReason(rerr)}
		}
		return nil, &domain.TransientError{Op: "token exchange", Err: err}
	}
	if tok.AccessToken == "" {
		return nil, &domain.ExchangeError{Provider: p, Reason: "token response missing access_token"}
	}

	return &domain.TokenCredential{
		Provider:     p,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

// EnsureValidToken returns a usable access token for the account,
// refreshing first when the stored credential has expired.
func (m *Manager) EnsureValidToken(ctx context.Context, account *domain.Account) (string, error) {
	v, err, _ := m.group.Do(account.ID, func() (any, error) {
		cred, err := m.store.GetCredential(ctx, account.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return "", &domain.RefreshError{Provider: account.Provider, Reason: "no stored credential, re-authorization required"}
			}
			return "", err
		}
		if !cred.Expired(m.now()) {
			return cred.AccessToken, nil
		}
		return m.refresh(ctx, account, cred)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Refresh discards the stored access token and performs a refresh
// regardless of expiry. Used after a provider rejects a token that
// looked valid. Concurrent callers for one account share one refresh.
func (m *Manager) Refresh(ctx context.Context, account *domain.Account) (string, error) {
	v, err, _ := m.group.Do(account.ID, func() (any, error) {
		cred, err := m.store.GetCredential(ctx, account.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return "", &domain.RefreshError{Provider: account.Provider, Reason: "no stored credential, re-authorization required"}
			}
			return "", err
		}
		return m.refresh(ctx, account, cred)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func retrieveReason(rerr *oauth2.RetrieveError) string {
	if rerr.ErrorCode == "" {
		return rerr.Error()
	}
	if rerr.ErrorDescription == "" {
		return rerr.ErrorCode
	}
	return rerr.ErrorCode + ": " + rerr.ErrorDescription
}

func (m *Manager) refresh(ctx context.Context, account *domain.Account, cred *domain.TokenCredential) (string, error) {
	conf, err := m.oauthConfig(account.Provider)
	if err != nil {
		return "", err
	}

	// Force TokenSource down the refresh path by presenting an
	// already-expired token.
	stale := &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       m.now().Add(-time.Minute),
	}
	tok, err := conf.TokenSource(ctx, stale).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			if rerr.Response != nil && rerr.Response.StatusCode >= 500 {
				return "", &domain.TransientError{Op: "token refresh", Err: err}
			}
			m.logger.Warn("refresh token rejected",
				zap.String("account_id", account.ID),
				zap.String("provider", string(account.Provider)))
			return "", &domain.RefreshError{Provider: account.Provider, Reason: retrieveReason(rerr)}
		}
		return "", &domain.TransientError{Op: "token refresh", Err: err}
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = cred.RefreshToken
	}
	next := &domain.TokenCredential{
		AccountID:    account.ID,
		Provider:     account.Provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if err := m.store.SaveCredential(ctx, next); err != nil {
		return "", fmt.Errorf("failed to persist refreshed credential: %w", err)
	}

	m.logger.Debug("access token refreshed",
		zap.String("account_id", account.ID),
		zap.Time("expires_at", tok.Expiry))
	return tok.AccessToken, nil
}
