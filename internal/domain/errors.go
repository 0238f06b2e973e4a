package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by the store when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSyncInProgress is returned when a sync is triggered for an
	// account that is already syncing. The second trigger is rejected,
	// never queued.
	ErrSyncInProgress = errors.New("sync already in progress for account")
)

// ExchangeError reports a failed authorization-code exchange: the
// provider rejected the code or returned a malformed token payload.
// Non-retryable; surfaced to the user.
type ExchangeError struct {
	Provider Provider
	Reason   string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s code exchange failed: %s", e.Provider, e.Reason)
}

// RefreshError reports a rejected refresh token (revoked or invalid).
// Fatal for the account: the user must re-authorize. The engine never
// retries it.
type RefreshError struct {
	Provider Provider
	Reason   string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("%s token refresh rejected: %s", e.Provider, e.Reason)
}

// TransientError reports a timeout or 5xx from a provider endpoint.
// The caller of a sync trigger may retry with backoff; the engine does
// not retry within a run.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ProviderError reports a non-2xx provider API response other than a
// timeout. StatusCode 401/403 additionally satisfies AuthRejected.
type ProviderError struct {
	Provider   Provider
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s api error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// AuthRejected reports whether err is a provider 401/403, which
// entitles the orchestrator to exactly one refresh-and-retry cycle.
func AuthRejected(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == 401 || pe.StatusCode == 403
	}
	return false
}

// Transient reports whether err is retryable by the trigger's caller.
func Transient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RefreshFailed reports whether err is a fatal credential failure.
func RefreshFailed(err error) bool {
	var re *RefreshError
	return errors.As(err, &re)
}

// MalformedMessageError reports a provider message the normalization
// pipeline could not parse. Recovered per message: the run skips it
// and continues.
type MalformedMessageError struct {
	MessageID string
	Reason    string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message %s: %s", e.MessageID, e.Reason)
}

// Malformed reports whether err is a per-message parse failure.
func Malformed(err error) bool {
	var me *MalformedMessageError
	return errors.As(err, &me)
}
