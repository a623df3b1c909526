package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dealdesk/mailsync/internal/auth"
	"github.com/dealdesk/mailsync/internal/provider"
	"github.com/dealdesk/mailsync/internal/store"
)

// renewDelay is the courtesy pause between per-mailbox renewals.
const renewDelay = 500 * time.Millisecond

// Store is the slice of the credential store the lease manager needs.
type Store interface {
	GetCredential(ctx context.Context, ownerID string) (*store.Credential, error)
	SaveLease(ctx context.Context, ownerID, leaseID string, expiresAt time.Time) error
	ClearLease(ctx context.Context, ownerID string) error
	ListExpiringLeases(ctx context.Context, cutoff time.Time) ([]string, error)
	FindOwnerByAddress(ctx context.Context, address string) (string, error)
}

// TokenSource yields a currently-valid token for a mailbox.
type TokenSource interface {
	ValidToken(ctx context.Context, ownerID string) (*auth.Token, error)
}

// Manager owns the provider push-notification lease lifecycle:
// UNREGISTERED -> REGISTERED -> (renew) -> REGISTERED -> UNREGISTERED.
// A lapsed lease is degraded (the sweep still reconciles) but never
// silent: renewal failures are logged.
type Manager struct {
	store   Store
	tokens  TokenSource
	factory provider.Factory
	topic   string
	log     *zap.Logger
}

func NewManager(s Store, tokens TokenSource, factory provider.Factory, topic string, log *zap.Logger) *Manager {
	return &Manager{
		store:   s,
		tokens:  tokens,
		factory: factory,
		topic:   topic,
		log:     log,
	}
}

// Register asks the provider to push change notifications for this
// mailbox and persists the returned lease.
func (m *Manager) Register(ctx context.Context, ownerID string) (*provider.Lease, error) {
	client, err := m.clientFor(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	lease, err := client.Watch(ctx, m.topic)
	if err != nil {
		return nil, fmt.Errorf("register watch: %w", err)
	}

	if err := m.store.SaveLease(ctx, ownerID, lease.ID, lease.ExpiresAt); err != nil {
		return nil, err
	}

	m.log.Info("webhook lease registered",
		zap.String("owner", ownerID),
		zap.Time("expires_at", lease.ExpiresAt))
	return lease, nil
}

// Renew replaces the mailbox's lease before it lapses. The old lease is
// stopped best-effort; the provider drops it on expiry anyway.
func (m *Manager) Renew(ctx context.Context, ownerID string) (*provider.Lease, error) {
	cred, err := m.store.GetCredential(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if cred != nil && cred.WatchHistoryID != "" {
		if err := m.stop(ctx, ownerID, cred.WatchHistoryID); err != nil {
			m.log.Warn("failed to stop existing lease before renewal",
				zap.String("owner", ownerID), zap.Error(err))
		}
	}
	return m.Register(ctx, ownerID)
}

// Unregister cancels the lease best-effort. Provider errors are logged,
// not propagated: the lease lapses naturally regardless.
func (m *Manager) Unregister(ctx context.Context, ownerID string) {
	cred, err := m.store.GetCredential(ctx, ownerID)
	if err != nil {
		m.log.Warn("failed to load credential for unregister",
			zap.String("owner", ownerID), zap.Error(err))
		return
	}
	leaseID := ""
	if cred != nil {
		leaseID = cred.WatchHistoryID
	}

	if err := m.stop(ctx, ownerID, leaseID); err != nil {
		m.log.Warn("failed to stop watch",
			zap.String("owner", ownerID), zap.Error(err))
	}

	if err := m.store.ClearLease(ctx, ownerID); err != nil {
		m.log.Warn("failed to clear lease",
			zap.String("owner", ownerID), zap.Error(err))
		return
	}

	m.log.Info("webhook lease cancelled", zap.String("owner", ownerID))
}

// RenewExpiring renews every lease that expires within the window,
// pausing between mailboxes.
func (m *Manager) RenewExpiring(ctx context.Context, within time.Duration) {
	owners, err := m.store.ListExpiringLeases(ctx, time.Now().Add(within))
	if err != nil {
		m.log.Error("failed to list expiring leases", zap.Error(err))
		return
	}
	if len(owners) == 0 {
		return
	}

	m.log.Info("renewing expiring webhook leases", zap.Int("count", len(owners)))

	for i, owner := range owners {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(renewDelay):
			}
		}

		if _, err := m.Renew(ctx, owner); err != nil {
			m.log.Warn("failed to renew webhook lease",
				zap.String("owner", owner), zap.Error(err))
		}
	}
}

// DecodeNotification attributes an opaque push payload to a mailbox.
// It never errors: a payload that cannot be decoded or matched yields
// ok=false and the caller still acknowledges it, because the push
// relay retries aggressively on anything but a 2xx.
func (m *Manager) DecodeNotification(ctx context.Context, payload []byte) (string, bool) {
	var env pushEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		m.log.Debug("unparseable push envelope", zap.Error(err))
		return "", false
	}
	if env.Message.Data == "" {
		m.log.Debug("push envelope without data")
		return "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		decoded, err = base64.URLEncoding.DecodeString(env.Message.Data)
		if err != nil {
			m.log.Debug("push data is not base64", zap.Error(err))
			return "", false
		}
	}

	var note pushPayload
	if err := json.Unmarshal(decoded, &note); err != nil {
		m.log.Debug("unparseable push payload", zap.Error(err))
		return "", false
	}
	if note.EmailAddress == "" {
		return "", false
	}

	owner, err := m.store.FindOwnerByAddress(ctx, note.EmailAddress)
	if err != nil {
		m.log.Warn("owner lookup failed for notification",
			zap.String("address", note.EmailAddress), zap.Error(err))
		return "", false
	}
	if owner == "" {
		m.log.Warn("notification for unknown mailbox",
			zap.String("address", note.EmailAddress))
		return "", false
	}

	m.log.Debug("push notification attributed",
		zap.String("owner", owner),
		zap.String("history_id", note.HistoryID.String()))
	return owner, true
}

func (m *Manager) clientFor(ctx context.Context, ownerID string) (provider.Client, error) {
	cred, err := m.store.GetCredential(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, &auth.Error{OwnerID: ownerID, Reason: "not connected"}
	}

	tok, err := m.tokens.ValidToken(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	return m.factory(ctx, tok, cred.Address)
}

func (m *Manager) stop(ctx context.Context, ownerID, leaseID string) error {
	client, err := m.clientFor(ctx, ownerID)
	if err != nil {
		return err
	}
	return client.StopWatch(ctx, leaseID)
}

// pushEnvelope is the relay's delivery wrapper (Pub/Sub push format).
type pushEnvelope struct {
	Message struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		Attributes  map[string]string `json:"attributes"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// pushPayload is the provider's change notification inside the envelope.
type pushPayload struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}
