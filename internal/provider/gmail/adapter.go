package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/dealdesk/mailsync/internal/auth"
	"github.com/dealdesk/mailsync/internal/provider"
)

// Adapter implements provider.Client for Gmail
type Adapter struct {
	svc *gmail.Service
}

// New creates a new Gmail adapter bound to one mailbox's token
func New(ctx context.Context, oauthCfg *oauth2.Config, tok *auth.Token) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	httpClient := oauthCfg.Client(ctx, oauth2Token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{svc: svc}, nil
}

// ListRecentIDs lists up to max recent inbox message ids.
func (a *Adapter) ListRecentIDs(ctx context.Context, max int64) ([]string, error) {
	resp, err := a.svc.Users.Messages.List("me").
		LabelIds("INBOX").
		IncludeSpamTrash(false).
		MaxResults(max).
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m.Id != "" {
			ids = append(ids, m.Id)
		}
	}
	return ids, nil
}

// FetchMessage retrieves one full message and decodes its parts.
func (a *Adapter) FetchMessage(ctx context.Context, id string) (*provider.RawMessage, error) {
	msg, err := a.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return normalize(msg), nil
}

// Watch starts push notifications for the mailbox.
func (a *Adapter) Watch(ctx context.Context, topic string) (*provider.Lease, error) {
	resp, err := a.svc.Users.Watch("me", &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to register watch: %w", err)
	}

	return &provider.Lease{
		ID:        fmt.Sprintf("%d", resp.HistoryId),
		ExpiresAt: time.UnixMilli(resp.Expiration),
	}, nil
}

// StopWatch cancels push notifications. Gmail tracks a single watch per
// mailbox, so the lease id is not needed.
func (a *Adapter) StopWatch(ctx context.Context, _ string) error {
	if err := a.svc.Users.Stop("me").Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to stop watch: %w", err)
	}
	return nil
}

// normalize converts a Gmail message to the RawMessage boundary shape
func normalize(m *gmail.Message) *provider.RawMessage {
	raw := &provider.RawMessage{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Snippet:  m.Snippet,
		Headers:  make(map[string]string),
	}

	if m.InternalDate != 0 {
		raw.InternalDate = time.UnixMilli(m.InternalDate)
	}

	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			raw.Headers[kv.Name] = kv.Value
		}
		raw.Parts = flattenParts(m.Payload)
	}

	return raw
}

// flattenParts walks the MIME tree depth-first, decoding each body.
func flattenParts(p *gmail.MessagePart) []provider.Part {
	if p == nil {
		return nil
	}

	var parts []provider.Part
	if p.MimeType != "" && p.Body != nil && p.Body.Data != "" {
		parts = append(parts, provider.Part{
			MimeType: p.MimeType,
			Body:     decodeBody(p.Body.Data),
		})
	}
	for _, child := range p.Parts {
		parts = append(parts, flattenParts(child)...)
	}
	return parts
}

// decodeBody decodes Gmail's base64url body data, tolerating padding.
func decodeBody(data string) string {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.URLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(b)
}
