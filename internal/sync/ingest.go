package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dealdesk/mailsync/internal/provider"
	"github.com/dealdesk/mailsync/internal/store"
)

// Stats counts the outcome of one ingest pass over a mailbox.
type Stats struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// IngestStore is the slice of the store the pipeline needs.
type IngestStore interface {
	ExistingExternalIDs(ctx context.Context, ownerID string, externalIDs []string) (map[string]bool, error)
	InsertMessage(ctx context.Context, ownerID string, tf store.ThreadFields, mf store.MessageFields, ev *store.OutboxEvent) error
}

// Ingestor is the idempotent per-message ingestion pipeline.
type Ingestor struct {
	store IngestStore
	log   *zap.Logger
}

func NewIngestor(s IngestStore, log *zap.Logger) *Ingestor {
	return &Ingestor{store: s, log: log}
}

// Ingest deduplicates the batch against existing rows in one lookup,
// then upserts each unseen message in its own transaction. A single bad
// message increments Failed and never aborts the batch; a uniqueness
// race with a concurrent sync of the same mailbox counts as Skipped.
// Already-ingested messages are never updated (first write wins).
func (i *Ingestor) Ingest(ctx context.Context, ownerID string, raws []*provider.RawMessage) (Stats, error) {
	var stats Stats
	if len(raws) == 0 {
		return stats, nil
	}

	ids := make([]string, 0, len(raws))
	for _, raw := range raws {
		ids = append(ids, raw.ID)
	}

	seen, err := i.store.ExistingExternalIDs(ctx, ownerID, ids)
	if err != nil {
		return stats, fmt.Errorf("dedup lookup: %w", err)
	}

	for _, raw := range raws {
		if seen[raw.ID] {
			stats.Skipped++
			continue
		}

		tf, mf := MapMessage(raw)
		ev, err := ingestedEvent(ownerID, tf, mf)
		if err != nil {
			stats.Failed++
			i.log.Error("failed to encode ingest event",
				zap.String("owner", ownerID), zap.String("external_id", mf.ExternalID), zap.Error(err))
			continue
		}

		err = i.store.InsertMessage(ctx, ownerID, tf, mf, ev)
		switch {
		case err == nil:
			stats.Imported++
			seen[raw.ID] = true
		case errors.Is(err, store.ErrDuplicateMessage):
			// Lost a race with an overlapping sync; the message exists.
			stats.Skipped++
			seen[raw.ID] = true
		default:
			stats.Failed++
			i.log.Error("failed to ingest message",
				zap.String("owner", ownerID), zap.String("external_id", mf.ExternalID), zap.Error(err))
		}
	}

	return stats, nil
}

// ingestedEvent builds the outbox event emitted for each new message.
// The MsgID is stable across retries so JetStream can deduplicate.
func ingestedEvent(ownerID string, tf store.ThreadFields, mf store.MessageFields) (*store.OutboxEvent, error) {
	payload, err := json.Marshal(map[string]any{
		"event_id":    uuid.NewString(),
		"owner_id":    ownerID,
		"external_id": mf.ExternalID,
		"thread_id":   tf.ThreadID,
		"subject":     mf.Subject,
		"sender":      mf.Sender,
		"received_at": mf.ReceivedAt.Unix(),
		"ingested_at": time.Now().Unix(),
	})
	if err != nil {
		return nil, err
	}

	return &store.OutboxEvent{
		Subject: fmt.Sprintf("mail.%s.ingested", ownerID),
		Type:    "mail.ingested",
		Payload: payload,
		MsgID:   fmt.Sprintf("mail.ingested|%s|%s", ownerID, mf.ExternalID),
	}, nil
}
