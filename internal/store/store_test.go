package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// Accounts and messages carry foreign keys to users.
	for _, id := range []string{"user-1", "user-2"} {
		require.NoError(t, s.CreateUser(context.Background(), &domain.User{
			ID: id, Username: "name-" + id, Password: "x", CreatedAt: time.Now(),
		}))
	}
	return s
}

func newAccount(userID string) *domain.Account {
	return &domain.Account{
		ID:         uuid.NewString(),
		UserID:     userID,
		Provider:   domain.ProviderGmail,
		Email:      "user@example.com",
		IsActive:   true,
		SyncStatus: domain.SyncPending,
		CreatedAt:  time.Now(),
	}
}

func newMessage(userID, accountID, messageID string) *domain.Message {
	return &domain.Message{
		ID:          uuid.NewString(),
		UserID:      userID,
		AccountID:   accountID,
		MessageID:   messageID,
		Subject:     "hello",
		FromName:    "Jane",
		FromAddress: "jane@example.com",
		ToAddresses: []string{"me@example.com"},
		Date:        time.Now().Truncate(time.Second),
		BodyText:    "body",
		Snippet:     "body",
		Labels:      []string{"INBOX"},
	}
}

func TestUpsertAccountIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newAccount("user-1")
	require.NoError(t, s.UpsertAccount(ctx, first))

	// Reconnecting the same mailbox keeps the original row.
	second := newAccount("user-1")
	second.DisplayName = "Renamed"
	require.NoError(t, s.UpsertAccount(ctx, second))

	assert.Equal(t, first.ID, second.ID)

	accounts, err := s.ListAccounts(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "Renamed", accounts[0].DisplayName)
	assert.True(t, accounts[0].IsActive)
}

func TestUpsertAccountReactivates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := newAccount("user-1")
	require.NoError(t, s.UpsertAccount(ctx, acct))
	require.NoError(t, s.DeactivateAccount(ctx, acct.ID, "user-1"))

	again := newAccount("user-1")
	require.NoError(t, s.UpsertAccount(ctx, again))
	assert.Equal(t, acct.ID, again.ID)

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
}

func TestTryMarkSyncing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := newAccount("user-1")
	require.NoError(t, s.UpsertAccount(ctx, acct))

	ok, err := s.TryMarkSyncing(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second acquisition while syncing is rejected.
	ok, err = s.TryMarkSyncing(ctx, acct.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetAccountSynced(ctx, acct.ID, time.Now()))
	ok, err = s.TryMarkSyncing(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryMarkSyncingInactiveAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := newAccount("user-1")
	require.NoError(t, s.UpsertAccount(ctx, acct))
	require.NoError(t, s.DeactivateAccount(ctx, acct.ID, "user-1"))

	ok, err := s.TryMarkSyncing(ctx, acct.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetAccountErrorKeepsWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := newAccount("user-1")
	require.NoError(t, s.UpsertAccount(ctx, acct))

	syncedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetAccountSynced(ctx, acct.ID, syncedAt))
	require.NoError(t, s.SetAccountError(ctx, acct.ID, "provider unavailable"))

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncError, got.SyncStatus)
	assert.Equal(t, "provider unavailable", got.ErrorMessage)
	require.NotNil(t, got.LastSyncAt)
	assert.Equal(t, syncedAt.Unix(), got.LastSyncAt.Unix())
}

func TestDeactivateAccountDeletesCredential(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := newAccount("user-1")
	require.NoError(t, s.UpsertAccount(ctx, acct))
	require.NoError(t, s.SaveCredential(ctx, &domain.TokenCredential{
		AccountID:    acct.ID,
		Provider:     domain.ProviderGmail,
		AccessToken:  "tok",
		RefreshToken: "ref",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	require.NoError(t, s.DeactivateAccount(ctx, acct.ID, "user-1"))

	_, err := s.GetCredential(ctx, acct.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = s.DeactivateAccount(ctx, "missing", "user-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSaveCredentialLatestWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := newAccount("user-1")
	require.NoError(t, s.UpsertAccount(ctx, acct))

	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, s.SaveCredential(ctx, &domain.TokenCredential{
		AccountID: acct.ID, Provider: domain.ProviderGmail,
		AccessToken: "old", RefreshToken: "old-ref", ExpiresAt: expiry,
	}))
	require.NoError(t, s.SaveCredential(ctx, &domain.TokenCredential{
		AccountID: acct.ID, Provider: domain.ProviderGmail,
		AccessToken: "new", RefreshToken: "new-ref", ExpiresAt: expiry,
	}))

	got, err := s.GetCredential(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.AccessToken)
	assert.Equal(t, "new-ref", got.RefreshToken)
	assert.Equal(t, expiry.Unix(), got.ExpiresAt.Unix())
}

func TestUpsertMessageIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := newAccount("user-1")
	require.NoError(t, s.UpsertAccount(ctx, acct))

	first := newMessage("user-1", acct.ID, "provider-msg-1")
	require.NoError(t, s.UpsertMessage(ctx, first, nil))

	// Re-sync of the same provider message: new row id, changed flags.
	second := newMessage("user-1", acct.ID, "provider-msg-1")
	second.IsRead = true
	second.IsStarred = true
	second.Labels = []string{"INBOX", "STARRED"}
	second.BodyText = "mutated body that must not overwrite"
	require.NoError(t, s.UpsertMessage(ctx, second, nil))

	messages, err := s.ListMessages(ctx, "user-1", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	got := messages[0]
	assert.Equal(t, first.ID, got.ID, "conflict path keeps the original row id")
	assert.True(t, got.IsRead)
	assert.True(t, got.IsStarred)
	assert.Equal(t, []string{"INBOX", "STARRED"}, got.Labels)
	assert.Equal(t, "body", got.BodyText, "content fields are immutable on conflict")
}

func TestUpsertMessageWithOutboxEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := newAccount("user-1")
	require.NoError(t, s.UpsertAccount(ctx, acct))

	msg := newMessage("user-1", acct.ID, "provider-msg-1")
	evt := &OutboxEvent{
		Subject:   "user.user-1.mail.synced",
		EventType: "mail.synced",
		Payload:   []byte(`{"message_id":"provider-msg-1"}`),
		MsgID:     "mail.synced|gmail|provider-msg-1",
	}
	require.NoError(t, s.UpsertMessage(ctx, msg, evt))

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, evt.Subject, pending[0].Subject)
	assert.Equal(t, evt.MsgID, pending[0].MsgID)

	require.NoError(t, s.MarkPublished(ctx, pending[0].ID))
	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutboxRetryBackoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := newAccount("user-1")
	require.NoError(t, s.UpsertAccount(ctx, acct))

	msg := newMessage("user-1", acct.ID, "provider-msg-1")
	evt := &OutboxEvent{Subject: "s", EventType: "e", Payload: []byte(`{}`), MsgID: "m"}
	require.NoError(t, s.UpsertMessage(ctx, msg, evt))

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkOutboxRetry(ctx, pending[0].ID, time.Hour))
	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "retried event waits out its backoff")
}

func TestFinishSyncJobIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := newAccount("user-1")
	require.NoError(t, s.UpsertAccount(ctx, acct))

	job := &domain.SyncJob{
		ID:        uuid.NewString(),
		AccountID: acct.ID,
		JobType:   domain.JobFull,
		Status:    domain.JobRunning,
		StartedAt: time.Now(),
	}
	require.NoError(t, s.CreateSyncJob(ctx, job))
	require.NoError(t, s.FinishSyncJob(ctx, job.ID, domain.JobCompleted, 5, 1, ""))

	// A second finish must not rewrite the terminal row.
	require.NoError(t, s.FinishSyncJob(ctx, job.ID, domain.JobFailed, 0, 0, "late failure"))

	got, err := s.GetSyncJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 5, got.MessagesSynced)
	assert.Equal(t, 1, got.MessagesSkipped)
	assert.Empty(t, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
}

func TestListSyncJobsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := newAccount("user-1")
	require.NoError(t, s.UpsertAccount(ctx, acct))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		job := &domain.SyncJob{
			ID:        uuid.NewString(),
			AccountID: acct.ID,
			JobType:   domain.JobIncremental,
			Status:    domain.JobRunning,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.CreateSyncJob(ctx, job))
	}

	jobs, err := s.ListSyncJobs(ctx, acct.ID, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.True(t, jobs[0].StartedAt.After(jobs[1].StartedAt))
}

func TestMarkMessageRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := newAccount("user-1")
	require.NoError(t, s.UpsertAccount(ctx, acct))

	msg := newMessage("user-1", acct.ID, "provider-msg-1")
	require.NoError(t, s.UpsertMessage(ctx, msg, nil))

	require.NoError(t, s.MarkMessageRead(ctx, msg.ID, "user-1"))
	got, err := s.GetMessage(ctx, msg.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, got.IsRead)

	// Another user's id must not match.
	err = s.MarkMessageRead(ctx, msg.ID, "user-2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListMessagesFilterByAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a1 := newAccount("user-1")
	require.NoError(t, s.UpsertAccount(ctx, a1))
	a2 := newAccount("user-1")
	a2.Email = "other@example.com"
	require.NoError(t, s.UpsertAccount(ctx, a2))

	require.NoError(t, s.UpsertMessage(ctx, newMessage("user-1", a1.ID, "m1"), nil))
	require.NoError(t, s.UpsertMessage(ctx, newMessage("user-1", a2.ID, "m2"), nil))

	all, err := s.ListMessages(ctx, "user-1", "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only, err := s.ListMessages(ctx, "user-1", a2.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "m2", only[0].MessageID)
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &domain.User{
		ID:        uuid.NewString(),
		Username:  "jane",
		Password:  "hashed",
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateUser(ctx, u))

	got, err := s.GetUserByUsername(ctx, "jane")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Error(t, s.CreateUser(ctx, u), "duplicate username rejected")
}
