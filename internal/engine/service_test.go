package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/internal/provider"
)

type fakeEngineStore struct {
	accounts map[string]*domain.Account
	creds    map[string]*domain.TokenCredential
}

func newFakeEngineStore() *fakeEngineStore {
	return &fakeEngineStore{
		accounts: map[string]*domain.Account{},
		creds:    map[string]*domain.TokenCredential{},
	}
}

func (s *fakeEngineStore) UpsertAccount(_ context.Context, acct *domain.Account) error {
	// Mirror the sqlite behavior: re-connecting the same mailbox keeps
	// the original row id.
	for _, existing := range s.accounts {
		if existing.UserID == acct.UserID && existing.Provider == acct.Provider && existing.Email == acct.Email {
			acct.ID = existing.ID
			break
		}
	}
	cp := *acct
	s.accounts[acct.ID] = &cp
	return nil
}

func (s *fakeEngineStore) GetAccountForUser(_ context.Context, id, userID string) (*domain.Account, error) {
	acct, ok := s.accounts[id]
	if !ok || acct.UserID != userID {
		return nil, domain.ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (s *fakeEngineStore) SaveCredential(_ context.Context, cred *domain.TokenCredential) error {
	cp := *cred
	s.creds[cred.AccountID] = &cp
	return nil
}

type fakeEngineTokens struct {
	exchangeCred *domain.TokenCredential
	exchangeErr  error
	token        string
	refreshes    int
}

func (f *fakeEngineTokens) AuthorizationURL(_ domain.Provider, state string) (string, error) {
	return "https://consent.example.com/?state=" + state, nil
}

func (f *fakeEngineTokens) ExchangeCode(_ context.Context, _ domain.Provider, _ string) (*domain.TokenCredential, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	cp := *f.exchangeCred
	return &cp, nil
}

func (f *fakeEngineTokens) EnsureValidToken(_ context.Context, _ *domain.Account) (string, error) {
	return f.token, nil
}

func (f *fakeEngineTokens) Refresh(_ context.Context, _ *domain.Account) (string, error) {
	f.refreshes++
	return f.token + "-refreshed", nil
}

type fakeEngineAdapter struct {
	profileEmail string
	profileName  string
	sendID       string
	sendErrs     []error
	sentTokens   []string
}

func (f *fakeEngineAdapter) ListMessageIDs(_ context.Context, _, _ string, _ *time.Time) (provider.Page, error) {
	return provider.Page{}, nil
}

func (f *fakeEngineAdapter) FetchMessage(_ context.Context, _, _ string) (*provider.Message, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeEngineAdapter) Send(_ context.Context, accessToken, _ string, _ *domain.OutgoingMessage) (string, error) {
	f.sentTokens = append(f.sentTokens, accessToken)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.sendID, nil
}

func (f *fakeEngineAdapter) Profile(_ context.Context, _ string) (string, string, error) {
	return f.profileEmail, f.profileName, nil
}

func newTestService(st Store, tokens TokenManager, adapter provider.Adapter) *Service {
	return NewService(st, tokens,
		provider.Registry{domain.ProviderGmail: adapter},
		zap.NewNop())
}

func TestCompleteConnection(t *testing.T) {
	st := newFakeEngineStore()
	tokens := &fakeEngineTokens{
		exchangeCred: &domain.TokenCredential{
			Provider:     domain.ProviderGmail,
			AccessToken:  "access",
			RefreshToken: "refresh",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}
	adapter := &fakeEngineAdapter{profileEmail: "jane@example.com", profileName: "Jane Doe"}

	svc := newTestService(st, tokens, adapter)
	account, err := svc.CompleteConnection(context.Background(), "user-1", domain.ProviderGmail, "auth-code")
	require.NoError(t, err)

	assert.Equal(t, "jane@example.com", account.Email)
	assert.Equal(t, "Jane Doe", account.DisplayName)
	assert.Equal(t, domain.SyncPending, account.SyncStatus)
	assert.True(t, account.IsActive)

	cred, ok := st.creds[account.ID]
	require.True(t, ok, "credential stored under the account id")
	assert.Equal(t, "access", cred.AccessToken)
	assert.Equal(t, "refresh", cred.RefreshToken)
}

func TestCompleteConnectionExchangeFailure(t *testing.T) {
	st := newFakeEngineStore()
	tokens := &fakeEngineTokens{
		exchangeErr: &domain.ExchangeError{Provider: domain.ProviderGmail, Reason: "bad code"},
	}
	adapter := &fakeEngineAdapter{}

	svc := newTestService(st, tokens, adapter)
	_, err := svc.CompleteConnection(context.Background(), "user-1", domain.ProviderGmail, "bad-code")
	require.Error(t, err)
	assert.Empty(t, st.accounts, "no account row without a credential")
	assert.Empty(t, st.creds)
}

func TestCompleteConnectionUnknownProvider(t *testing.T) {
	svc := newTestService(newFakeEngineStore(), &fakeEngineTokens{}, &fakeEngineAdapter{})
	_, err := svc.CompleteConnection(context.Background(), "user-1", domain.ProviderOutlook, "code")
	require.Error(t, err)
}

func TestSendMessage(t *testing.T) {
	st := newFakeEngineStore()
	st.accounts["acct-1"] = &domain.Account{
		ID: "acct-1", UserID: "user-1",
		Provider: domain.ProviderGmail, Email: "jane@example.com", IsActive: true,
	}
	tokens := &fakeEngineTokens{token: "tok"}
	adapter := &fakeEngineAdapter{sendID: "provider-id-1"}

	svc := newTestService(st, tokens, adapter)
	id, err := svc.SendMessage(context.Background(), "user-1", "acct-1", &domain.OutgoingMessage{
		To: []string{"bob@example.com"}, Subject: "hi", BodyText: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "provider-id-1", id)
	assert.Equal(t, 0, tokens.refreshes)
}

func TestSendMessageAuthRetry(t *testing.T) {
	st := newFakeEngineStore()
	st.accounts["acct-1"] = &domain.Account{
		ID: "acct-1", UserID: "user-1",
		Provider: domain.ProviderGmail, Email: "jane@example.com", IsActive: true,
	}
	tokens := &fakeEngineTokens{token: "tok"}
	adapter := &fakeEngineAdapter{
		sendID:   "provider-id-1",
		sendErrs: []error{&domain.ProviderError{Provider: domain.ProviderGmail, StatusCode: 401}},
	}

	svc := newTestService(st, tokens, adapter)
	id, err := svc.SendMessage(context.Background(), "user-1", "acct-1", &domain.OutgoingMessage{
		To: []string{"bob@example.com"}, Subject: "hi", BodyText: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "provider-id-1", id)
	assert.Equal(t, 1, tokens.refreshes)
	assert.Equal(t, []string{"tok", "tok-refreshed"}, adapter.sentTokens)
}

func TestSendMessageInactiveAccount(t *testing.T) {
	st := newFakeEngineStore()
	st.accounts["acct-1"] = &domain.Account{
		ID: "acct-1", UserID: "user-1", Provider: domain.ProviderGmail, IsActive: false,
	}

	svc := newTestService(st, &fakeEngineTokens{token: "tok"}, &fakeEngineAdapter{})
	_, err := svc.SendMessage(context.Background(), "user-1", "acct-1", &domain.OutgoingMessage{
		To: []string{"bob@example.com"},
	})
	require.Error(t, err)
}

func TestSendMessageWrongUser(t *testing.T) {
	st := newFakeEngineStore()
	st.accounts["acct-1"] = &domain.Account{
		ID: "acct-1", UserID: "user-1", Provider: domain.ProviderGmail, IsActive: true,
	}

	svc := newTestService(st, &fakeEngineTokens{token: "tok"}, &fakeEngineAdapter{})
	_, err := svc.SendMessage(context.Background(), "user-2", "acct-1", &domain.OutgoingMessage{
		To: []string{"bob@example.com"},
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInitiateConnectionGeneratesState(t *testing.T) {
	svc := newTestService(newFakeEngineStore(), &fakeEngineTokens{}, &fakeEngineAdapter{})

	url, err := svc.InitiateConnection(domain.ProviderGmail, "")
	require.NoError(t, err)
	assert.Contains(t, url, "state=")
	assert.NotEqual(t, "https://consent.example.com/?state=", url)
}
