// Package sync drives mail sync runs: one runner executes a single
// job end to end, one manager enforces the single-writer-per-account
// rule.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/internal/normalize"
	"github.com/mailfold/mailfold/internal/provider"
	"github.com/mailfold/mailfold/internal/store"
)

// TokenManager is the credential surface the runner needs.
type TokenManager interface {
	EnsureValidToken(ctx context.Context, account *domain.Account) (string, error)
	Refresh(ctx context.Context, account *domain.Account) (string, error)
}

// Store is the persistence surface the runner needs.
type Store interface {
	CreateSyncJob(ctx context.Context, job *domain.SyncJob) error
	FinishSyncJob(ctx context.Context, jobID string, status domain.JobStatus, synced, skipped int, errMsg string) error
	SetAccountError(ctx context.Context, accountID, errMsg string) error
	SetAccountSynced(ctx context.Context, accountID string, syncedAt time.Time) error
	UpsertMessage(ctx context.Context, m *domain.Message, evt *store.OutboxEvent) error
}

// Runner executes one sync job: token, paging, fetch, normalize,
// upsert, finalize.
type Runner struct {
	Store      Store
	Tokens     TokenManager
	Providers  provider.Registry
	Workers    int
	EmitEvents bool
	Logger     *zap.Logger

	now func() time.Time
}

// NewRunner creates a runner with bounded parallel message fetch.
func NewRunner(st Store, tokens TokenManager, providers provider.Registry, workers int, emitEvents bool, logger *zap.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		Store:      st,
		Tokens:     tokens,
		Providers:  providers,
		Workers:    workers,
		EmitEvents: emitEvents,
		Logger:     logger,
		now:        time.Now,
	}
}

type runState struct {
	synced      int
	skipped     int
	authRetried bool
}

// Run performs one sync for the account. The returned job is always
// terminal: completed or failed, never left running.
func (r *Runner) Run(ctx context.Context, account *domain.Account, jobType domain.JobType) (*domain.SyncJob, error) {
	startedAt := r.now()
	job := &domain.SyncJob{
		ID:        uuid.NewString(),
		AccountID: account.ID,
		JobType:   jobType,
		Status:    domain.JobRunning,
		StartedAt: startedAt,
	}
	if err := r.Store.CreateSyncJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create sync job: %w", err)
	}

	r.Logger.Info("sync started",
		zap.String("account_id", account.ID),
		zap.String("job_id", job.ID),
		zap.String("job_type", string(jobType)))

	st := &runState{}
	err := r.run(ctx, account, jobType, st)

	// Finalization must survive the cancellation that may have ended
	// the run; otherwise the job row stays running and the account
	// stays syncing, blocking every future trigger.
	fctx := context.WithoutCancel(ctx)

	job.MessagesSynced = st.synced
	job.MessagesSkipped = st.skipped
	if err != nil {
		job.Status = domain.JobFailed
		job.ErrorMessage = err.Error()
		if ferr := r.Store.FinishSyncJob(fctx, job.ID, domain.JobFailed, st.synced, st.skipped, err.Error()); ferr != nil {
			r.Logger.Error("failed to finalize job", zap.String("job_id", job.ID), zap.Error(ferr))
		}
		if aerr := r.Store.SetAccountError(fctx, account.ID, err.Error()); aerr != nil {
			r.Logger.Error("failed to record account error", zap.String("account_id", account.ID), zap.Error(aerr))
		}
		r.Logger.Warn("sync failed",
			zap.String("account_id", account.ID),
			zap.String("job_id", job.ID),
			zap.Int("synced", st.synced),
			zap.Error(err))
		return job, err
	}

	job.Status = domain.JobCompleted
	if ferr := r.Store.FinishSyncJob(fctx, job.ID, domain.JobCompleted, st.synced, st.skipped, ""); ferr != nil {
		return job, fmt.Errorf("failed to finalize job: %w", ferr)
	}
	// The boundary advances to the run's start time, not its end, so
	// messages arriving mid-run are picked up next time.
	if aerr := r.Store.SetAccountSynced(fctx, account.ID, startedAt); aerr != nil {
		return job, fmt.Errorf("failed to record account success: %w", aerr)
	}

	r.Logger.Info("sync completed",
		zap.String("account_id", account.ID),
		zap.String("job_id", job.ID),
		zap.Int("synced", st.synced),
		zap.Int("skipped", st.skipped))
	return job, nil
}

func (r *Runner) run(ctx context.Context, account *domain.Account, jobType domain.JobType, st *runState) error {
	adapter := r.Providers.For(account.Provider)
	if adapter == nil {
		return fmt.Errorf("no adapter registered for provider %q", account.Provider)
	}

	accessToken, err := r.Tokens.EnsureValidToken(ctx, account)
	if err != nil {
		// No message fetch is attempted on a credential failure.
		return err
	}

	var since *time.Time
	if jobType == domain.JobIncremental && account.LastSyncAt != nil {
		since = account.LastSyncAt
	}

	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync cancelled: %w", err)
		}

		page, err := adapter.ListMessageIDs(ctx, accessToken, cursor, since)
		if err != nil {
			accessToken, err = r.retryAuth(ctx, account, st, err)
			if err != nil {
				return err
			}
			continue
		}

		// Counts commit once per page: a retried page attempt discards
		// the partial tallies of the rejected one so messages upserted
		// before the 401 are not counted twice.
		synced, skipped, err := r.processPage(ctx, account, adapter, accessToken, page.IDs)
		if err != nil {
			if !domain.AuthRejected(err) {
				return err
			}
			// One refresh-and-retry cycle for the page, then the
			// whole page is re-fetched; upserts are idempotent.
			accessToken, err = r.retryAuth(ctx, account, st, err)
			if err != nil {
				return err
			}
			synced, skipped, err = r.processPage(ctx, account, adapter, accessToken, page.IDs)
			if err != nil {
				return err
			}
		}
		st.synced += synced
		st.skipped += skipped

		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

// retryAuth exchanges a 401/403 for one forced refresh. A second auth
// rejection in the same run is final.
func (r *Runner) retryAuth(ctx context.Context, account *domain.Account, st *runState, cause error) (string, error) {
	if !domain.AuthRejected(cause) || st.authRetried {
		return "", cause
	}
	st.authRetried = true
	r.Logger.Info("provider rejected token, refreshing once", zap.String("account_id", account.ID))
	tok, err := r.Tokens.Refresh(ctx, account)
	if err != nil {
		return "", err
	}
	return tok, nil
}

// processPage fetches, normalizes and upserts every id in the page
// with a bounded worker group, returning the attempt's own tallies.
// Malformed messages are counted and skipped; any other failure
// cancels the group and is returned.
func (r *Runner) processPage(ctx context.Context, account *domain.Account, adapter provider.Adapter, accessToken string, ids []string) (synced, skipped int, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Workers)

	var mu sync.Mutex
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := r.processOne(gctx, account, adapter, accessToken, id)
			if err == nil {
				mu.Lock()
				synced++
				mu.Unlock()
				return nil
			}
			if domain.Malformed(err) {
				mu.Lock()
				skipped++
				mu.Unlock()
				r.Logger.Warn("skipping malformed message",
					zap.String("account_id", account.ID),
					zap.String("message_id", id),
					zap.Error(err))
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return synced, skipped, nil
}

func (r *Runner) processOne(ctx context.Context, account *domain.Account, adapter provider.Adapter, accessToken, id string) error {
	pm, err := adapter.FetchMessage(ctx, accessToken, id)
	if err != nil {
		return err
	}

	msg, err := normalize.Normalize(pm)
	if err != nil {
		return err
	}
	msg.ID = uuid.NewString()
	msg.UserID = account.UserID
	msg.AccountID = account.ID

	var evt *store.OutboxEvent
	if r.EmitEvents {
		evt = r.syncedEvent(account, msg)
	}
	return r.Store.UpsertMessage(ctx, msg, evt)
}

// syncedEvent builds the outbox entry announcing a synced message.
// The msg id dedupes re-publications of the same provider message.
func (r *Runner) syncedEvent(account *domain.Account, msg *domain.Message) *store.OutboxEvent {
	payload, _ := json.Marshal(map[string]any{
		"event_id":   uuid.NewString(),
		"ts":         r.now().Unix(),
		"user_id":    account.UserID,
		"account_id": account.ID,
		"provider":   string(account.Provider),
		"message_id": msg.MessageID,
		"subject":    msg.Subject,
		"from":       msg.FromAddress,
		"date":       msg.Date.Unix(),
		"snippet":    msg.Snippet,
		"labels":     msg.Labels,
	})
	return &store.OutboxEvent{
		Subject:   fmt.Sprintf("user.%s.mail.synced", account.UserID),
		EventType: "mail.synced",
		Payload:   payload,
		MsgID:     fmt.Sprintf("mail.synced|%s|%s", account.Provider, msg.MessageID),
	}
}
