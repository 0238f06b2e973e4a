// Package engine exposes the connection and send operations consumed
// by the HTTP surface.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/internal/provider"
)

// Store is the persistence surface the service needs.
type Store interface {
	UpsertAccount(ctx context.Context, acct *domain.Account) error
	GetAccountForUser(ctx context.Context, id, userID string) (*domain.Account, error)
	SaveCredential(ctx context.Context, cred *domain.TokenCredential) error
}

// TokenManager is the credential surface the service needs.
type TokenManager interface {
	AuthorizationURL(p domain.Provider, state string) (string, error)
	ExchangeCode(ctx context.Context, p domain.Provider, code string) (*domain.TokenCredential, error)
	EnsureValidToken(ctx context.Context, account *domain.Account) (string, error)
	Refresh(ctx context.Context, account *domain.Account) (string, error)
}

// Service implements account connection and message sending.
type Service struct {
	store     Store
	tokens    TokenManager
	providers provider.Registry
	logger    *zap.Logger
}

// NewService creates an engine service.
func NewService(store Store, tokens TokenManager, providers provider.Registry, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		tokens:    tokens,
		providers: providers,
		logger:    logger,
	}
}

// InitiateConnection builds the provider consent URL. The state value
// is round-tripped by the front end to correlate the callback.
func (s *Service) InitiateConnection(p domain.Provider, state string) (string, error) {
	if state == "" {
		state = uuid.NewString()
	}
	return s.tokens.AuthorizationURL(p, state)
}

// CompleteConnection exchanges the authorization code, resolves the
// mailbox identity, and persists the Account with its credential. The
// account starts in pending state; the first sync is a separate
// trigger.
func (s *Service) CompleteConnection(ctx context.Context, userID string, p domain.Provider, code string) (*domain.Account, error) {
	adapter := s.providers.For(p)
	if adapter == nil {
		return nil, fmt.Errorf("no adapter registered for provider %q", p)
	}

	cred, err := s.tokens.ExchangeCode(ctx, p, code)
	if err != nil {
		return nil, err
	}

	email, displayName, err := adapter.Profile(ctx, cred.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mailbox identity: %w", err)
	}

	account := &domain.Account{
		ID:          uuid.NewString(),
		UserID:      userID,
		Provider:    p,
		Email:       email,
		DisplayName: displayName,
		IsActive:    true,
		SyncStatus:  domain.SyncPending,
		CreatedAt:   time.Now(),
	}
	if err := s.store.UpsertAccount(ctx, account); err != nil {
		return nil, err
	}

	cred.AccountID = account.ID
	if err := s.store.SaveCredential(ctx, cred); err != nil {
		return nil, err
	}

	s.logger.Info("account connected",
		zap.String("account_id", account.ID),
		zap.String("provider", string(p)),
		zap.String("email", email))
	return account, nil
}

// SendMessage delivers an outgoing message through the account's
// provider. A 401/403 earns exactly one refresh-and-retry.
func (s *Service) SendMessage(ctx context.Context, userID, accountID string, out *domain.OutgoingMessage) (string, error) {
	account, err := s.store.GetAccountForUser(ctx, accountID, userID)
	if err != nil {
		return "", err
	}
	if !account.IsActive {
		return "", fmt.Errorf("account %s is disconnected", accountID)
	}

	adapter := s.providers.For(account.Provider)
	if adapter == nil {
		return "", fmt.Errorf("no adapter registered for provider %q", account.Provider)
	}

	accessToken, err := s.tokens.EnsureValidToken(ctx, account)
	if err != nil {
		return "", err
	}

	id, err := adapter.Send(ctx, accessToken, account.Email, out)
	if err != nil && domain.AuthRejected(err) {
		accessToken, err = s.tokens.Refresh(ctx, account)
		if err != nil {
			return "", err
		}
		id, err = adapter.Send(ctx, accessToken, account.Email, out)
	}
	if err != nil {
		return "", err
	}

	s.logger.Info("message sent",
		zap.String("account_id", accountID),
		zap.String("provider_id", id))
	return id, nil
}
