// Package gmail implements the provider adapter for the Gmail REST
// API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/internal/provider"
)

// Adapter implements provider.Adapter for Gmail.
type Adapter struct {
	pageSize    int64
	callTimeout time.Duration
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// New creates a Gmail adapter. pageSize is capped at 100, the API's
// per-call maximum.
func New(pageSize int, callTimeout time.Duration, ratePerSecond int, logger *zap.Logger) *Adapter {
	if pageSize < 1 || pageSize > 100 {
		pageSize = 100
	}
	return &Adapter{
		pageSize:    int64(pageSize),
		callTimeout: callTimeout,
		limiter:     rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
		logger:      logger,
	}
}

// service builds a Gmail client bound to the given access token. The
// token is carried per call so a mid-run refresh takes effect on the
// next request.
func (a *Adapter) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// ListMessageIDs returns one page of message ids. since, when set,
// narrows the listing with Gmail's after: query.
func (a *Adapter) ListMessageIDs(ctx context.Context, accessToken, cursor string, since *time.Time) (provider.Page, error) {
	if err := a.wait(ctx); err != nil {
		return provider.Page{}, err
	}
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return provider.Page{}, &domain.TransientError{Op: "gmail.list", Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	call := svc.Users.Messages.List("me").MaxResults(a.pageSize).Context(callCtx)
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	if since != nil {
		call = call.Q(fmt.Sprintf("after:%d", since.Unix()))
	}

	resp, err := call.Do()
	if err != nil {
		return provider.Page{}, a.mapErr("gmail.list", err)
	}

	page := provider.Page{NextCursor: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

// FetchMessage returns the full message payload, MIME tree included.
func (a *Adapter) FetchMessage(ctx context.Context, accessToken, id string) (*provider.Message, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, &domain.TransientError{Op: "gmail.fetch", Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	msg, err := svc.Users.Messages.Get("me", id).Format("full").Context(callCtx).Do()
	if err != nil {
		return nil, a.mapErr("gmail.fetch", err)
	}

	return &provider.Message{Provider: domain.ProviderGmail, Gmail: msg}, nil
}

// Send builds an RFC 2822 multipart message, base64url-encodes it and
// posts it through users.messages.send.
func (a *Adapter) Send(ctx context.Context, accessToken, fromAddress string, out *domain.OutgoingMessage) (string, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return "", &domain.TransientError{Op: "gmail.send", Err: err}
	}

	raw := base64.RawURLEncoding.EncodeToString([]byte(buildMIME(fromAddress, out)))

	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	sent, err := svc.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(callCtx).Do()
	if err != nil {
		return "", a.mapErr("gmail.send", err)
	}

	a.logger.Debug("gmail message sent", zap.String("message_id", sent.Id))
	return sent.Id, nil
}

// Profile returns the mailbox address the token is scoped to. Gmail
// exposes no display name on the profile resource.
func (a *Adapter) Profile(ctx context.Context, accessToken string) (string, string, error) {
	if err := a.wait(ctx); err != nil {
		return "", "", err
	}
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return "", "", &domain.TransientError{Op: "gmail.profile", Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	profile, err := svc.Users.GetProfile("me").Context(callCtx).Do()
	if err != nil {
		return "", "", a.mapErr("gmail.profile", err)
	}
	return profile.EmailAddress, "", nil
}

func (a *Adapter) wait(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return &domain.TransientError{Op: "gmail.rate", Err: err}
	}
	return nil
}

// mapErr translates SDK failures into the engine's taxonomy: 5xx and
// network-level failures are transient, everything else carries the
// provider status code.
func (a *Adapter) mapErr(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code >= 500 {
			return &domain.TransientError{Op: op, Err: err}
		}
		return &domain.ProviderError{Provider: domain.ProviderGmail, StatusCode: gerr.Code, Message: gerr.Message}
	}
	return &domain.TransientError{Op: op, Err: err}
}

// buildMIME assembles a multipart/alternative RFC 2822 message.
func buildMIME(fromAddress string, out *domain.OutgoingMessage) string {
	boundary := "----=_Part_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	lines := []string{
		"From: " + fromAddress,
		"To: " + strings.Join(out.To, ", "),
	}
	if len(out.Cc) > 0 {
		lines = append(lines, "Cc: "+strings.Join(out.Cc, ", "))
	}
	if len(out.Bcc) > 0 {
		lines = append(lines, "Bcc: "+strings.Join(out.Bcc, ", "))
	}
	lines = append(lines,
		"Subject: "+out.Subject,
		"MIME-Version: 1.0",
		fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q", boundary),
		"",
		"--"+boundary,
		"Content-Type: text/plain; charset=UTF-8",
		"",
		out.BodyText,
	)
	if out.BodyHTML != "" {
		lines = append(lines,
			"--"+boundary,
			"Content-Type: text/html; charset=UTF-8",
			"",
			out.BodyHTML,
		)
	}
	lines = append(lines, "--"+boundary+"--")
	return strings.Join(lines, "\r\n")
}
