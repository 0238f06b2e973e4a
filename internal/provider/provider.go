// Package provider defines the capability surface shared by the Gmail
// and Outlook adapters and the provider-native message shapes they
// return.
package provider

import (
	"context"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/mailfold/mailfold/internal/domain"
)

// Page is one page of message identifiers. An empty NextCursor means
// the provider reported no further pages.
type Page struct {
	IDs        []string
	NextCursor string
}

// OutlookMessage is the Outlook payload reduced to plain fields. The
// Graph API returns a pre-rendered body with its content type, so no
// MIME traversal applies.
type OutlookMessage struct {
	ID              string
	Subject         string
	FromName        string
	FromAddress     string
	To              []string
	Cc              []string
	ReceivedAt      time.Time
	BodyContent     string
	BodyContentType string // "text" or "html"
	Preview         string
	IsRead          bool
	IsFlagged       bool
	HasAttachments  bool
	Categories      []string
}

// Message is a provider-native message, tagged by which payload is
// set. Exactly one of Gmail or Outlook is non-nil.
type Message struct {
	Provider domain.Provider
	Gmail    *gmail.Message
	Outlook  *OutlookMessage
}

// ID returns the provider-assigned message identifier.
func (m *Message) ID() string {
	switch {
	case m.Gmail != nil:
		return m.Gmail.Id
	case m.Outlook != nil:
		return m.Outlook.ID
	}
	return ""
}

// Adapter is the per-provider fetch/send surface. Implementations map
// non-2xx responses to *domain.ProviderError (401/403 satisfy
// domain.AuthRejected) and timeouts/5xx to *domain.TransientError.
type Adapter interface {
	// ListMessageIDs returns one page of message identifiers. since is
	// nil for full-history runs.
	ListMessageIDs(ctx context.Context, accessToken, cursor string, since *time.Time) (Page, error)

	// FetchMessage returns the full provider-native payload for id.
	FetchMessage(ctx context.Context, accessToken, id string) (*Message, error)

	// Send delivers an outgoing message and returns the provider's id
	// for it, when the provider reports one.
	Send(ctx context.Context, accessToken, fromAddress string, out *domain.OutgoingMessage) (string, error)

	// Profile returns the mailbox address and display name the token
	// grants access to.
	Profile(ctx context.Context, accessToken string) (email, displayName string, err error)
}

// Registry maps provider enum values to their adapters.
type Registry map[domain.Provider]Adapter

// For returns the adapter for p, or nil when unknown.
func (r Registry) For(p domain.Provider) Adapter {
	return r[p]
}
