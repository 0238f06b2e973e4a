// Package store provides sqlite persistence for accounts, credentials,
// sync jobs and normalized messages.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mailfold/mailfold/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the sqlite database.
type Store struct {
	DB *sql.DB
}

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// --- users ---

func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO users (id, username, password, created_at) VALUES (?, ?, ?, ?)
	`, u.ID, u.Username, u.Password, u.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	u := &domain.User{}
	var created int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, username, password, created_at FROM users WHERE username = ?
	`, username).Scan(&u.ID, &u.Username, &u.Password, &created)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	u.CreatedAt = time.Unix(created, 0)
	return u, nil
}

// --- accounts ---

// UpsertAccount inserts the account or, when the (user, provider,
// email) triple already exists, reactivates it and returns the
// existing row id in acct.ID.
func (s *Store) UpsertAccount(ctx context.Context, acct *domain.Account) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, provider, email, display_name, is_active, sync_status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, '', ?)
		ON CONFLICT(user_id, provider, email) DO UPDATE SET
			display_name = excluded.display_name,
			is_active = 1,
			sync_status = excluded.sync_status,
			error_message = ''
	`, acct.ID, acct.UserID, acct.Provider, acct.Email, acct.DisplayName, acct.SyncStatus, acct.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}

	// The conflict path keeps the original row id.
	err = s.DB.QueryRowContext(ctx, `
		SELECT id FROM accounts WHERE user_id = ? AND provider = ? AND email = ?
	`, acct.UserID, acct.Provider, acct.Email).Scan(&acct.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve account id: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return s.scanAccount(s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, provider, email, display_name, is_active, sync_status, last_sync_at, error_message, created_at
		FROM accounts WHERE id = ?
	`, id))
}

func (s *Store) GetAccountForUser(ctx context.Context, id, userID string) (*domain.Account, error) {
	return s.scanAccount(s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, provider, email, display_name, is_active, sync_status, last_sync_at, error_message, created_at
		FROM accounts WHERE id = ? AND user_id = ?
	`, id, userID))
}

func (s *Store) ListAccounts(ctx context.Context, userID string) ([]domain.Account, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, provider, email, display_name, is_active, sync_status, last_sync_at, error_message, created_at
		FROM accounts WHERE user_id = ? ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acct, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAccount(row rowScanner) (*domain.Account, error) {
	acct := &domain.Account{}
	var lastSync sql.NullInt64
	var created int64
	err := row.Scan(&acct.ID, &acct.UserID, &acct.Provider, &acct.Email, &acct.DisplayName,
		&acct.IsActive, &acct.SyncStatus, &lastSync, &acct.ErrorMessage, &created)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	if lastSync.Valid {
		t := time.Unix(lastSync.Int64, 0)
		acct.LastSyncAt = &t
	}
	acct.CreatedAt = time.Unix(created, 0)
	return acct, nil
}

// TryMarkSyncing transitions the account to `syncing` only when no
// other run holds it. Returns false when the account is already
// syncing or inactive; this is the single-writer-per-account gate.
func (s *Store) TryMarkSyncing(ctx context.Context, accountID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET sync_status = ?
		WHERE id = ? AND sync_status != ? AND is_active = 1
	`, domain.SyncRunning, accountID, domain.SyncRunning)
	if err != nil {
		return false, fmt.Errorf("failed to mark syncing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// SetAccountError finalizes a failed run: status goes to error with
// the message attached. last_sync_at is left untouched so the next
// incremental run resumes from the last known-good boundary.
func (s *Store) SetAccountError(ctx context.Context, accountID, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET sync_status = ?, error_message = ? WHERE id = ?
	`, domain.SyncError, errMsg, accountID)
	if err != nil {
		return fmt.Errorf("failed to set account error: %w", err)
	}
	return nil
}

// SetAccountSynced finalizes a successful run.
func (s *Store) SetAccountSynced(ctx context.Context, accountID string, syncedAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET sync_status = ?, last_sync_at = ?, error_message = '' WHERE id = ?
	`, domain.SyncSuccess, syncedAt.Unix(), accountID)
	if err != nil {
		return fmt.Errorf("failed to set account synced: %w", err)
	}
	return nil
}

// DeactivateAccount disconnects an account and deletes its credential
// so no further syncs can run.
func (s *Store) DeactivateAccount(ctx context.Context, id, userID string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET is_active = 0, sync_status = ? WHERE id = ? AND user_id = ?
	`, domain.SyncPending, id, userID)
	if err != nil {
		return fmt.Errorf("failed to deactivate account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	_, err = s.DB.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE account_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// --- oauth tokens ---

// SaveCredential replaces the account's credential. Latest wins.
func (s *Store) SaveCredential(ctx context.Context, cred *domain.TokenCredential) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO oauth_tokens (account_id, provider, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			provider = excluded.provider,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, cred.AccountID, cred.Provider, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, accountID string) (*domain.TokenCredential, error) {
	cred := &domain.TokenCredential{}
	var expires int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT account_id, provider, access_token, refresh_token, expires_at
		FROM oauth_tokens WHERE account_id = ?
	`, accountID).Scan(&cred.AccountID, &cred.Provider, &cred.AccessToken, &cred.RefreshToken, &expires)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query credential: %w", err)
	}
	cred.ExpiresAt = time.Unix(expires, 0)
	return cred, nil
}

// --- sync jobs ---

func (s *Store) CreateSyncJob(ctx context.Context, job *domain.SyncJob) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, account_id, job_type, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, job.ID, job.AccountID, job.JobType, job.Status, job.StartedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert sync job: %w", err)
	}
	return nil
}

// FinishSyncJob moves a job out of `running`. Jobs are terminal: rows
// already completed or failed are never rewritten.
func (s *Store) FinishSyncJob(ctx context.Context, jobID string, status domain.JobStatus, synced, skipped int, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = ?, completed_at = ?, messages_synced = ?, messages_skipped = ?, error_message = ?
		WHERE id = ? AND status = ?
	`, status, time.Now().Unix(), synced, skipped, errMsg, jobID, domain.JobRunning)
	if err != nil {
		return fmt.Errorf("failed to finish sync job: %w", err)
	}
	return nil
}

func (s *Store) GetSyncJob(ctx context.Context, id string) (*domain.SyncJob, error) {
	return s.scanJob(s.DB.QueryRowContext(ctx, `
		SELECT id, account_id, job_type, status, started_at, completed_at, messages_synced, messages_skipped, error_message
		FROM sync_jobs WHERE id = ?
	`, id))
}

func (s *Store) ListSyncJobs(ctx context.Context, accountID string, limit int) ([]domain.SyncJob, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, account_id, job_type, status, started_at, completed_at, messages_synced, messages_skipped, error_message
		FROM sync_jobs WHERE account_id = ? ORDER BY started_at DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.SyncJob
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *Store) scanJob(row rowScanner) (*domain.SyncJob, error) {
	job := &domain.SyncJob{}
	var started int64
	var completed sql.NullInt64
	err := row.Scan(&job.ID, &job.AccountID, &job.JobType, &job.Status, &started,
		&completed, &job.MessagesSynced, &job.MessagesSkipped, &job.ErrorMessage)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan sync job: %w", err)
	}
	job.StartedAt = time.Unix(started, 0)
	if completed.Valid {
		t := time.Unix(completed.Int64, 0)
		job.CompletedAt = &t
	}
	return job, nil
}

// --- messages ---

// OutboxEvent is an event appended alongside a message upsert in the
// same transaction.
type OutboxEvent struct {
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
}

// UpsertMessage writes the message keyed on (user_id, message_id).
// Identity fields are preserved on conflict; only the mutable flags
// and labels are overwritten by later syncs. When evt is non-nil it is
// appended to the outbox in the same transaction.
func (s *Store) UpsertMessage(ctx context.Context, m *domain.Message, evt *OutboxEvent) error {
	toJSON := marshalStrings(m.ToAddresses)
	ccJSON := marshalStrings(m.CcAddresses)
	labelsJSON := marshalStrings(m.Labels)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages
		(id, user_id, account_id, message_id, subject, from_name, from_address, to_addrs, cc_addrs,
		 msg_date, body_text, body_html, snippet, has_attachments, is_read, is_starred, is_spam, labels, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, message_id) DO UPDATE SET
			is_read = excluded.is_read,
			is_starred = excluded.is_starred,
			is_spam = excluded.is_spam,
			labels = excluded.labels
	`, m.ID, m.UserID, m.AccountID, m.MessageID, m.Subject, m.FromName, m.FromAddress, toJSON, ccJSON,
		m.Date.Unix(), m.BodyText, m.BodyHTML, m.Snippet, m.HasAttachments, m.IsRead, m.IsStarred, m.IsSpam,
		labelsJSON, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}

	if evt != nil {
		now := time.Now().Unix()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, now, evt.Subject, evt.EventType, evt.Payload, evt.MsgID, now)
		if err != nil {
			return fmt.Errorf("failed to insert outbox entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id, userID string) (*domain.Message, error) {
	return s.scanMessage(s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, account_id, message_id, subject, from_name, from_address, to_addrs, cc_addrs,
		       msg_date, body_text, body_html, snippet, has_attachments, is_read, is_starred, is_spam, labels
		FROM messages WHERE id = ? AND user_id = ?
	`, id, userID))
}

func (s *Store) ListMessages(ctx context.Context, userID, accountID string, limit, offset int) ([]domain.Message, error) {
	query := `
		SELECT id, user_id, account_id, message_id, subject, from_name, from_address, to_addrs, cc_addrs,
		       msg_date, body_text, body_html, snippet, has_attachments, is_read, is_starred, is_spam, labels
		FROM messages WHERE user_id = ?`
	args := []any{userID}
	if accountID != "" {
		query += ` AND account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY msg_date DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func (s *Store) MarkMessageRead(ctx context.Context, id, userID string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE messages SET is_read = 1 WHERE id = ? AND user_id = ?
	`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) scanMessage(row rowScanner) (*domain.Message, error) {
	m := &domain.Message{}
	var toJSON, ccJSON, labelsJSON string
	var msgDate int64
	err := row.Scan(&m.ID, &m.UserID, &m.AccountID, &m.MessageID, &m.Subject, &m.FromName, &m.FromAddress,
		&toJSON, &ccJSON, &msgDate, &m.BodyText, &m.BodyHTML, &m.Snippet,
		&m.HasAttachments, &m.IsRead, &m.IsStarred, &m.IsSpam, &labelsJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	m.Date = time.Unix(msgDate, 0)
	m.ToAddresses = unmarshalStrings(toJSON)
	m.CcAddresses = unmarshalStrings(ccJSON)
	m.Labels = unmarshalStrings(labelsJSON)
	return m, nil
}

// --- outbox ---

// OutboxMessage is a pending event row awaiting publication.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// DequeueOutbox fetches unpublished events due for an attempt.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox event as published.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry schedules a failed publication for a later attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

func marshalStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalStrings(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
