// Package outlook implements the provider adapter for Microsoft Graph
// mail.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/google/uuid"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/internal/provider"
)

var selectFields = []string{
	"id", "subject", "from", "toRecipients", "ccRecipients", "receivedDateTime",
	"body", "bodyPreview", "isRead", "flag", "hasAttachments", "categories",
}

// Adapter implements provider.Adapter for Outlook. Paging is
// $skip-based: the cursor is the decimal offset of the next page.
type Adapter struct {
	pageSize    int32
	callTimeout time.Duration
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// New creates an Outlook adapter.
func New(pageSize int, callTimeout time.Duration, ratePerSecond int, logger *zap.Logger) *Adapter {
	if pageSize < 1 {
		pageSize = 100
	}
	return &Adapter{
		pageSize:    int32(pageSize),
		callTimeout: callTimeout,
		limiter:     rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
		logger:      logger,
	}
}

func (a *Adapter) client(accessToken string) (*msgraphsdk.GraphServiceClient, error) {
	cred := &staticTokenCredential{token: accessToken}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return client, nil
}

// ListMessageIDs returns one page of message ids ordered newest first.
func (a *Adapter) ListMessageIDs(ctx context.Context, accessToken, cursor string, since *time.Time) (provider.Page, error) {
	if err := a.wait(ctx); err != nil {
		return provider.Page{}, err
	}
	client, err := a.client(accessToken)
	if err != nil {
		return provider.Page{}, &domain.TransientError{Op: "outlook.list", Err: err}
	}

	skip := int32(0)
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return provider.Page{}, fmt.Errorf("invalid outlook cursor %q: %w", cursor, err)
		}
		skip = int32(n)
	}

	params := &users.ItemMessagesRequestBuilderGetQueryParameters{
		Top:     &a.pageSize,
		Skip:    &skip,
		Select:  []string{"id"},
		Orderby: []string{"receivedDateTime desc"},
	}
	if since != nil {
		filter := fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339))
		params.Filter = &filter
	}

	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	result, err := client.Me().Messages().Get(callCtx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: params,
	})
	if err != nil {
		return provider.Page{}, a.mapErr("outlook.list", err)
	}

	page := provider.Page{}
	for _, msg := range result.GetValue() {
		if id := msg.GetId(); id != nil {
			page.IDs = append(page.IDs, *id)
		}
	}
	if result.GetOdataNextLink() != nil {
		page.NextCursor = strconv.Itoa(int(skip) + len(page.IDs))
	}
	return page, nil
}

// FetchMessage returns the message reduced to plain fields; Graph
// delivers the body pre-rendered with its content type.
func (a *Adapter) FetchMessage(ctx context.Context, accessToken, id string) (*provider.Message, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	client, err := a.client(accessToken)
	if err != nil {
		return nil, &domain.TransientError{Op: "outlook.fetch", Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	msg, err := client.Me().Messages().ByMessageId(id).Get(callCtx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: selectFields,
		},
	})
	if err != nil {
		return nil, a.mapErr("outlook.fetch", err)
	}

	return &provider.Message{Provider: domain.ProviderOutlook, Outlook: reduce(msg)}, nil
}

// Send posts the message through Graph sendMail. The endpoint returns
// no message id; the returned identifier is locally generated and
// prefixed so callers can tell it is not a provider id.
func (a *Adapter) Send(ctx context.Context, accessToken, fromAddress string, out *domain.OutgoingMessage) (string, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	client, err := a.client(accessToken)
	if err != nil {
		return "", &domain.TransientError{Op: "outlook.send", Err: err}
	}

	msg := models.NewMessage()
	msg.SetSubject(&out.Subject)

	body := models.NewItemBody()
	if out.BodyHTML != "" {
		content := out.BodyHTML
		ct := models.HTML_BODYTYPE
		body.SetContent(&content)
		body.SetContentType(&ct)
	} else {
		content := out.BodyText
		ct := models.TEXT_BODYTYPE
		body.SetContent(&content)
		body.SetContentType(&ct)
	}
	msg.SetBody(body)
	msg.SetToRecipients(recipients(out.To))
	msg.SetCcRecipients(recipients(out.Cc))
	msg.SetBccRecipients(recipients(out.Bcc))

	requestBody := users.NewItemSendMailPostRequestBody()
	requestBody.SetMessage(msg)
	save := true
	requestBody.SetSaveToSentItems(&save)

	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	if err := client.Me().SendMail().Post(callCtx, requestBody, nil); err != nil {
		return "", a.mapErr("outlook.send", err)
	}

	localID := "local-" + uuid.NewString()
	a.logger.Debug("outlook message sent", zap.String("local_id", localID))
	return localID, nil
}

// Profile returns the signed-in mailbox address and display name.
func (a *Adapter) Profile(ctx context.Context, accessToken string) (string, string, error) {
	if err := a.wait(ctx); err != nil {
		return "", "", err
	}
	client, err := a.client(accessToken)
	if err != nil {
		return "", "", &domain.TransientError{Op: "outlook.profile", Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	me, err := client.Me().Get(callCtx, nil)
	if err != nil {
		return "", "", a.mapErr("outlook.profile", err)
	}

	var email, name string
	if m := me.GetMail(); m != nil {
		email = *m
	} else if upn := me.GetUserPrincipalName(); upn != nil {
		email = *upn
	}
	if dn := me.GetDisplayName(); dn != nil {
		name = *dn
	}
	return email, name, nil
}

func (a *Adapter) wait(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return &domain.TransientError{Op: "outlook.rate", Err: err}
	}
	return nil
}

// mapErr translates Graph failures into the engine's taxonomy.
func (a *Adapter) mapErr(op string, err error) error {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		code := oerr.ResponseStatusCode
		if code >= 500 {
			return &domain.TransientError{Op: op, Err: err}
		}
		msg := oerr.Error()
		if e := oerr.GetErrorEscaped(); e != nil && e.GetMessage() != nil {
			msg = *e.GetMessage()
		}
		return &domain.ProviderError{Provider: domain.ProviderOutlook, StatusCode: code, Message: msg}
	}
	return &domain.TransientError{Op: op, Err: err}
}

// reduce flattens a Graph message into plain fields.
func reduce(m models.Messageable) *provider.OutlookMessage {
	om := &provider.OutlookMessage{BodyContentType: "text"}

	if id := m.GetId(); id != nil {
		om.ID = *id
	}
	if subject := m.GetSubject(); subject != nil {
		om.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil {
			if name := addr.GetName(); name != nil {
				om.FromName = *name
			}
			if address := addr.GetAddress(); address != nil {
				om.FromAddress = *address
			}
		}
	}
	om.To = extractAddresses(m.GetToRecipients())
	om.Cc = extractAddresses(m.GetCcRecipients())
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		om.ReceivedAt = *rcvd
	}
	if body := m.GetBody(); body != nil {
		if content := body.GetContent(); content != nil {
			om.BodyContent = *content
		}
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			om.BodyContentType = "html"
		}
	}
	if preview := m.GetBodyPreview(); preview != nil {
		om.Preview = *preview
	}
	if isRead := m.GetIsRead(); isRead != nil {
		om.IsRead = *isRead
	}
	if flag := m.GetFlag(); flag != nil {
		if status := flag.GetFlagStatus(); status != nil && *status == models.FLAGGED_FOLLOWUPFLAGSTATUS {
			om.IsFlagged = true
		}
	}
	if has := m.GetHasAttachments(); has != nil {
		om.HasAttachments = *has
	}
	om.Categories = m.GetCategories()

	return om
}

func extractAddresses(rs []models.Recipientable) []string {
	var addrs []string
	for _, r := range rs {
		if addr := r.GetEmailAddress(); addr != nil {
			if address := addr.GetAddress(); address != nil {
				addrs = append(addrs, *address)
			}
		}
	}
	return addrs
}

func recipients(addrs []string) []models.Recipientable {
	var rs []models.Recipientable
	for _, addr := range addrs {
		a := addr
		email := models.NewEmailAddress()
		email.SetAddress(&a)
		r := models.NewRecipient()
		r.SetEmailAddress(email)
		rs = append(rs, r)
	}
	return rs
}

// staticTokenCredential satisfies the Azure credential interface with
// a fixed access token.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}
