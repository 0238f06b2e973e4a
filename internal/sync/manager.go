package sync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mailfold/mailfold/internal/domain"
)

// AccountStore is the account surface the manager needs for the
// single-writer gate.
type AccountStore interface {
	GetAccountForUser(ctx context.Context, id, userID string) (*domain.Account, error)
	TryMarkSyncing(ctx context.Context, accountID string) (bool, error)
	SetAccountError(ctx context.Context, accountID, errMsg string) error
}

// Manager serializes sync runs per account. A trigger for an account
// that is already syncing is rejected immediately, never queued. The
// in-process map catches races before the database check-and-set
// does; the check-and-set protects against other processes.
type Manager struct {
	accounts AccountStore
	runner   *Runner
	logger   *zap.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

// NewManager creates a sync manager.
func NewManager(accounts AccountStore, runner *Runner, logger *zap.Logger) *Manager {
	return &Manager{
		accounts: accounts,
		runner:   runner,
		logger:   logger,
		running:  make(map[string]struct{}),
	}
}

// TriggerSync runs one sync for the account synchronously and returns
// the terminal job. Returns domain.ErrSyncInProgress when another run
// holds the account.
func (m *Manager) TriggerSync(ctx context.Context, accountID, userID string, jobType domain.JobType) (*domain.SyncJob, error) {
	account, err := m.accounts.GetAccountForUser(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}
	if !account.IsActive {
		return nil, fmt.Errorf("account %s is disconnected", accountID)
	}

	if !m.acquire(accountID) {
		return nil, domain.ErrSyncInProgress
	}
	defer m.release(accountID)

	ok, err := m.accounts.TryMarkSyncing(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrSyncInProgress
	}

	job, err := m.runner.Run(ctx, account, jobType)
	if err != nil {
		if job == nil {
			// The run failed before a job existed to record the
			// failure, so the syncing status set above must be
			// released here or the account is locked forever.
			if serr := m.accounts.SetAccountError(context.WithoutCancel(ctx), accountID, err.Error()); serr != nil {
				m.logger.Error("failed to release account sync status",
					zap.String("account_id", accountID), zap.Error(serr))
			}
			return nil, err
		}
		// The failed job carries the error; the HTTP layer reads it
		// from there rather than from err.
		m.logger.Debug("sync run failed", zap.String("account_id", accountID), zap.Error(err))
	}
	return job, nil
}

// IsRunning reports whether this process is currently syncing the
// account.
func (m *Manager) IsRunning(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[accountID]
	return ok
}

func (m *Manager) acquire(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.running[accountID]; exists {
		return false
	}
	m.running[accountID] = struct{}{}
	return true
}

func (m *Manager) release(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, accountID)
}
