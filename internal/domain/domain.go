package domain

import "time"

// Provider identifies an external mail provider.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	return p == ProviderGmail || p == ProviderOutlook
}

// SyncStatus is the account-level sync state visible to the UI.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncRunning SyncStatus = "syncing"
	SyncSuccess SyncStatus = "success"
	SyncError   SyncStatus = "error"
)

// JobType selects the sync strategy for one run.
type JobType string

const (
	JobFull        JobType = "full"
	JobIncremental JobType = "incremental"
)

// JobStatus is the lifecycle state of one sync job. Terminal once it
// leaves JobRunning.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// User is a registered owner of mail accounts.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Account is a connected mailbox: provider, address and sync state.
type Account struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Provider     Provider   `json:"provider"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	IsActive     bool       `json:"is_active"`
	SyncStatus   SyncStatus `json:"sync_status"`
	LastSyncAt   *time.Time `json:"last_sync_at"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// TokenCredential is the OAuth access/refresh pair for one account.
// Replaced, never appended, on refresh.
type TokenCredential struct {
	AccountID    string    `json:"account_id"`
	Provider     Provider  `json:"provider"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token must not be used without a
// refresh attempt. Exact comparison, no grace skew.
func (c *TokenCredential) Expired(now time.Time) bool {
	return c.ExpiresAt.Before(now)
}

// SyncJob records one sync attempt for an account.
type SyncJob struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"account_id"`
	JobType         JobType    `json:"job_type"`
	Status          JobStatus  `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	MessagesSynced  int        `json:"messages_synced"`
	MessagesSkipped int        `json:"messages_skipped"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// Message is the canonical normalized email. Identity is
// (UserID, MessageID); the provider-assigned MessageID is immutable
// once first written, only flags and labels may be overwritten by
// later syncs.
type Message struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	AccountID      string    `json:"account_id"`
	MessageID      string    `json:"message_id"`
	Subject        string    `json:"subject"`
	FromName       string    `json:"from_name"`
	FromAddress    string    `json:"from_address"`
	ToAddresses    []string  `json:"to_addresses"`
	CcAddresses    []string  `json:"cc_addresses"`
	Date           time.Time `json:"date"`
	BodyText       string    `json:"body_text"`
	BodyHTML       string    `json:"body_html"`
	Snippet        string    `json:"snippet"`
	HasAttachments bool      `json:"has_attachments"`
	IsRead         bool      `json:"is_read"`
	IsStarred      bool      `json:"is_starred"`
	IsSpam         bool      `json:"is_spam"`
	Labels         []string  `json:"labels"`
}

// OutgoingMessage is a message to be sent through a provider.
type OutgoingMessage struct {
	To       []string `json:"to"`
	Cc       []string `json:"cc,omitempty"`
	Bcc      []string `json:"bcc,omitempty"`
	Subject  string   `json:"subject"`
	BodyText string   `json:"body_text"`
	BodyHTML string   `json:"body_html,omitempty"`
}
