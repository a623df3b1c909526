package provider

import (
	"context"
	"time"

	"github.com/dealdesk/mailsync/internal/auth"
)

// Name identifies a mail provider.
type Name string

const (
	Google    Name = "google"
	Microsoft Name = "microsoft"
)

// RawMessage is the narrow untyped boundary between a provider's native
// message shape and the engine. Every field may be missing; the mapper
// is responsible for defaults.
type RawMessage struct {
	ID           string
	ThreadID     string
	Snippet      string
	Headers      map[string]string
	InternalDate time.Time // zero when the provider reports none
	Parts        []Part
}

// Part is one decoded MIME part of a message body.
type Part struct {
	MimeType string
	Body     string
}

// Lease is a provider push-notification subscription. ID is the
// provider's handle for it (Gmail: history id, Graph: subscription id).
type Lease struct {
	ID        string
	ExpiresAt time.Time
}

// Client is the per-mailbox provider surface the engine consumes.
type Client interface {
	// ListRecentIDs lists up to max recent inbox message ids.
	ListRecentIDs(ctx context.Context, max int64) ([]string, error)

	// FetchMessage retrieves one full message.
	FetchMessage(ctx context.Context, id string) (*RawMessage, error)

	// Watch starts push notifications for the mailbox.
	Watch(ctx context.Context, topic string) (*Lease, error)

	// StopWatch cancels push notifications.
	StopWatch(ctx context.Context, leaseID string) error
}

// Factory builds a Client bound to one mailbox's token.
type Factory func(ctx context.Context, tok *auth.Token, mailbox string) (Client, error)
