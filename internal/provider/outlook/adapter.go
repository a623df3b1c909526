package outlook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/subscriptions"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/dealdesk/mailsync/internal/auth"
	"github.com/dealdesk/mailsync/internal/provider"
)

// Graph caps mail subscriptions at 4230 minutes.
const subscriptionTTL = 4230 * time.Minute

// Adapter implements provider.Client for Outlook/Microsoft Graph
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
}

// New creates a new Outlook adapter
func New(ctx context.Context, tok *auth.Token, userID string) (*Adapter, error) {
	cred := &staticTokenCredential{token: tok.AccessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{
		client: client,
		userID: userID,
	}, nil
}

// ListRecentIDs lists up to max recent inbox message ids.
func (a *Adapter) ListRecentIDs(ctx context.Context, max int64) ([]string, error) {
	top := int32(max)
	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     &top,
			Select:  []string{"id"},
			Orderby: []string{"receivedDateTime desc"},
		},
	}

	result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, requestConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	var ids []string
	for _, msg := range result.GetValue() {
		if id := msg.GetId(); id != nil {
			ids = append(ids, *id)
		}
	}
	return ids, nil
}

// FetchMessage retrieves one full message.
func (a *Adapter) FetchMessage(ctx context.Context, id string) (*provider.RawMessage, error) {
	requestConfig := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "conversationId", "subject", "from", "toRecipients", "body", "bodyPreview", "receivedDateTime", "internetMessageHeaders"},
		},
	}

	msg, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Get(ctx, requestConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return normalize(msg), nil
}

// Watch creates a Graph change-notification subscription for the mailbox.
func (a *Adapter) Watch(ctx context.Context, topic string) (*provider.Lease, error) {
	sub := models.NewSubscription()
	changeType := "created"
	resource := fmt.Sprintf("/users/%s/messages", a.userID)
	expiry := time.Now().Add(subscriptionTTL)

	sub.SetChangeType(&changeType)
	sub.SetNotificationUrl(&topic)
	sub.SetResource(&resource)
	sub.SetExpirationDateTime(&expiry)

	created, err := a.client.Subscriptions().Post(ctx, sub, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	lease := &provider.Lease{ExpiresAt: expiry}
	if id := created.GetId(); id != nil {
		lease.ID = *id
	}
	if exp := created.GetExpirationDateTime(); exp != nil {
		lease.ExpiresAt = *exp
	}
	return lease, nil
}

// StopWatch deletes the change-notification subscription.
func (a *Adapter) StopWatch(ctx context.Context, leaseID string) error {
	if leaseID == "" {
		return nil
	}
	requestConfig := &subscriptions.SubscriptionItemRequestBuilderDeleteRequestConfiguration{}
	if err := a.client.Subscriptions().BySubscriptionId(leaseID).Delete(ctx, requestConfig); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// normalize converts an Outlook message to the RawMessage boundary shape
func normalize(m models.Messageable) *provider.RawMessage {
	raw := &provider.RawMessage{
		Headers: make(map[string]string),
	}

	if id := m.GetId(); id != nil {
		raw.ID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		raw.ThreadID = *convID
	}
	if preview := m.GetBodyPreview(); preview != nil {
		raw.Snippet = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.InternalDate = *rcvd
	}

	if headers := m.GetInternetMessageHeaders(); headers != nil {
		for _, h := range headers {
			if name := h.GetName(); name != nil {
				if value := h.GetValue(); value != nil {
					raw.Headers[*name] = *value
				}
			}
		}
	}

	// Graph exposes these as typed fields; mirror them into headers so
	// the mapper sees one shape regardless of provider.
	if subject := m.GetSubject(); subject != nil {
		raw.Headers["Subject"] = *subject
	}
	if from := m.GetFrom(); from != nil {
		if addr := recipientAddress(from); addr != "" {
			raw.Headers["From"] = addr
		}
	}
	if to := m.GetToRecipients(); len(to) > 0 {
		var addrs []string
		for _, r := range to {
			if addr := recipientAddress(r); addr != "" {
				addrs = append(addrs, addr)
			}
		}
		raw.Headers["To"] = strings.Join(addrs, ", ")
	}

	if body := m.GetBody(); body != nil && body.GetContent() != nil {
		mimeType := "text/plain"
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			mimeType = "text/html"
		}
		raw.Parts = append(raw.Parts, provider.Part{
			MimeType: mimeType,
			Body:     *body.GetContent(),
		})
	}

	return raw
}

func recipientAddress(r models.Recipientable) string {
	if r == nil {
		return ""
	}
	if emailAddr := r.GetEmailAddress(); emailAddr != nil {
		if addr := emailAddr.GetAddress(); addr != nil {
			return *addr
		}
	}
	return ""
}

// staticTokenCredential feeds an already-acquired access token to the
// Graph SDK's credential interface.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(time.Hour),
	}, nil
}
