// Package normalize converts provider-native message payloads into the
// canonical Message schema. Everything here is pure: same input, same
// output, no side effects.
package normalize

import (
	"encoding/base64"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/internal/provider"
)

const snippetLimit = 200

var (
	angleAddr = regexp.MustCompile(`<(.+?)>`)
	htmlTag   = regexp.MustCompile(`<[^>]*>`)
)

// Normalize converts a provider message into the canonical schema.
// Identity fields (row id, owning user, account) are left for the
// caller to fill. Returns *domain.MalformedMessageError on payloads
// that cannot be parsed at all; such failures are meant to be skipped,
// not to abort a run.
func Normalize(pm *provider.Message) (*domain.Message, error) {
	switch {
	case pm.Gmail != nil:
		return normalizeGmail(pm.Gmail)
	case pm.Outlook != nil:
		return normalizeOutlook(pm.Outlook), nil
	}
	return nil, &domain.MalformedMessageError{Reason: "no provider payload"}
}

func normalizeGmail(m *gmail.Message) (*domain.Message, error) {
	if m.Payload == nil || m.Payload.Headers == nil {
		return nil, &domain.MalformedMessageError{MessageID: m.Id, Reason: "missing header list"}
	}

	fromName, fromAddr := ParseFrom(header(m.Payload.Headers, "From"))
	bodyText, bodyHTML := extractBodies(m.Payload)

	snippet := m.Snippet
	if snippet == "" {
		snippet = DeriveSnippet(bodyText, bodyHTML)
	}

	labels := m.LabelIds
	if labels == nil {
		labels = []string{}
	}

	return &domain.Message{
		MessageID:      m.Id,
		Subject:        header(m.Payload.Headers, "Subject"),
		FromName:       fromName,
		FromAddress:    fromAddr,
		ToAddresses:    splitAddrs(header(m.Payload.Headers, "To")),
		CcAddresses:    splitAddrs(header(m.Payload.Headers, "Cc")),
		Date:           gmailDate(m),
		BodyText:       bodyText,
		BodyHTML:       bodyHTML,
		Snippet:        truncate(snippet, snippetLimit),
		HasAttachments: hasAttachment(m.Payload),
		IsRead:         !contains(labels, "UNREAD"),
		IsStarred:      contains(labels, "STARRED"),
		IsSpam:         contains(labels, "SPAM"),
		Labels:         labels,
	}, nil
}

func normalizeOutlook(m *provider.OutlookMessage) *domain.Message {
	var bodyText, bodyHTML string
	if m.BodyContentType == "html" {
		bodyHTML = m.BodyContent
	} else {
		bodyText = m.BodyContent
	}

	snippet := m.Preview
	if snippet == "" {
		snippet = DeriveSnippet(bodyText, bodyHTML)
	}

	labels := m.Categories
	if labels == nil {
		labels = []string{}
	}

	return &domain.Message{
		MessageID:      m.ID,
		Subject:        m.Subject,
		FromName:       m.FromName,
		FromAddress:    m.FromAddress,
		ToAddresses:    m.To,
		CcAddresses:    m.Cc,
		Date:           m.ReceivedAt,
		BodyText:       bodyText,
		BodyHTML:       bodyHTML,
		Snippet:        truncate(snippet, snippetLimit),
		HasAttachments: m.HasAttachments,
		IsRead:         m.IsRead,
		IsStarred:      m.IsFlagged,
		Labels:         labels,
	}
}

// ParseFrom splits a From header into display name and address. With
// angle brackets the bracketed part is the address and the remainder
// the name; a bare value is the address with an empty name.
func ParseFrom(from string) (name, address string) {
	if m := angleAddr.FindStringSubmatch(from); m != nil {
		address = m[1]
		name = strings.TrimSpace(angleAddr.ReplaceAllString(from, ""))
		return name, address
	}
	return "", strings.TrimSpace(from)
}

// DeriveSnippet returns the first 200 characters of bodyText, falling
// back to bodyHTML with tags stripped.
func DeriveSnippet(bodyText, bodyHTML string) string {
	if bodyText != "" {
		return truncate(bodyText, snippetLimit)
	}
	return truncate(StripTags(bodyHTML), snippetLimit)
}

// StripTags removes HTML tags with a single regex pass. Not a
// sanitizer; only used for snippet text.
func StripTags(s string) string {
	return htmlTag.ReplaceAllString(s, "")
}

// header returns the first value for name, compared
// case-insensitively. Absent headers yield the empty string, never a
// display sentinel.
func header(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if h != nil && strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// extractBodies walks the MIME part tree in pre-order, keeping the
// first text/plain and the first text/html encountered.
func extractBodies(payload *gmail.MessagePart) (bodyText, bodyHTML string) {
	var walk func(part *gmail.MessagePart)
	walk = func(part *gmail.MessagePart) {
		if part == nil {
			return
		}
		if part.Body != nil && part.Body.Data != "" {
			switch part.MimeType {
			case "text/plain":
				if bodyText == "" {
					bodyText = decodeBase64URL(part.Body.Data)
				}
			case "text/html":
				if bodyHTML == "" {
					bodyHTML = decodeBase64URL(part.Body.Data)
				}
			}
		}
		for _, child := range part.Parts {
			walk(child)
		}
	}
	walk(payload)
	return bodyText, bodyHTML
}

// decodeBase64URL decodes Gmail body data, which uses the URL-safe
// alphabet with or without padding. Undecodable data yields an empty
// string, not an error.
func decodeBase64URL(data string) string {
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "=")); err == nil {
		return string(b)
	}
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

// hasAttachment reports whether any part of the tree carries a
// non-empty filename.
func hasAttachment(payload *gmail.MessagePart) bool {
	if payload == nil {
		return false
	}
	if payload.Filename != "" {
		return true
	}
	for _, child := range payload.Parts {
		if hasAttachment(child) {
			return true
		}
	}
	return false
}

func gmailDate(m *gmail.Message) time.Time {
	if m.InternalDate != 0 {
		return time.UnixMilli(m.InternalDate)
	}
	if d := header(m.Payload.Headers, "Date"); d != "" {
		if t, err := mail.ParseDate(d); err == nil {
			return t
		}
	}
	return time.Time{}
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
