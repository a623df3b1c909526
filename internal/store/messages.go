package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ThreadFields is the mapped thread shape produced by the mapper.
type ThreadFields struct {
	ThreadID      string
	Subject       string
	Participants  []string
	LastMessageAt time.Time
}

// MessageFields is the mapped message shape produced by the mapper.
type MessageFields struct {
	ExternalID string
	Sender     string
	Recipient  string
	Subject    string
	Body       string
	Snippet    string
	ReceivedAt time.Time
}

// Thread is a stored conversation row.
type Thread struct {
	ID            int64
	OwnerID       string
	ThreadID      string
	Subject       string
	Participants  []string
	LastMessageAt time.Time
}

// OutboxEvent is written in the same transaction as its message so a
// crash between commit and publish can never lose the event.
type OutboxEvent struct {
	Subject string
	Type    string
	Payload []byte
	MsgID   string
}

// ExistingExternalIDs returns which of the given external ids are
// already ingested for this owner, in a single batched query.
func (s *Store) ExistingExternalIDs(ctx context.Context, ownerID string, externalIDs []string) (map[string]bool, error) {
	seen := make(map[string]bool, len(externalIDs))
	if len(externalIDs) == 0 {
		return seen, nil
	}

	placeholders := strings.Repeat("?,", len(externalIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(externalIDs)+1)
	args = append(args, ownerID)
	for _, id := range externalIDs {
		args = append(args, id)
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT external_id FROM messages WHERE owner_id = ? AND external_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan external id: %w", err)
		}
		seen[id] = true
	}
	return seen, rows.Err()
}

// InsertMessage ingests one mapped message in a single transaction:
// the thread row is created or merged (participants unioned,
// last_message_at raised but never lowered), the message row inserted,
// and the outbox event appended. A duplicate external id returns
// ErrDuplicateMessage with nothing written.
func (s *Store) InsertMessage(ctx context.Context, ownerID string, tf ThreadFields, mf MessageFields, ev *OutboxEvent) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	threadRef, err := upsertThreadTx(ctx, tx, ownerID, tf)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages
		(owner_id, external_id, thread_ref, sender, recipient, subject, body, snippet, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ownerID, mf.ExternalID, threadRef, mf.Sender, mf.Recipient, mf.Subject,
		mf.Body, mf.Snippet, mf.ReceivedAt.Unix(), time.Now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if ev != nil {
		now := time.Now().Unix()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, now, ev.Subject, ev.Type, ev.Payload, ev.MsgID, now)
		if err != nil {
			return fmt.Errorf("failed to insert outbox entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertThreadTx(ctx context.Context, tx *sql.Tx, ownerID string, tf ThreadFields) (int64, error) {
	var (
		threadRef int64
		curParts  string
		curLast   int64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT id, participants, last_message_at FROM threads WHERE owner_id = ? AND thread_id = ?
	`, ownerID, tf.ThreadID).Scan(&threadRef, &curParts, &curLast)

	if err == sql.ErrNoRows {
		res, insErr := tx.ExecContext(ctx, `
			INSERT INTO threads (owner_id, thread_id, subject, participants, last_message_at)
			VALUES (?, ?, ?, ?, ?)
		`, ownerID, tf.ThreadID, tf.Subject, encodeParticipants(tf.Participants), tf.LastMessageAt.Unix())
		if insErr != nil {
			return 0, fmt.Errorf("failed to insert thread: %w", insErr)
		}
		id, insErr := res.LastInsertId()
		if insErr != nil {
			return 0, fmt.Errorf("failed to get thread id: %w", insErr)
		}
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query thread: %w", err)
	}

	var existing []string
	if jerr := json.Unmarshal([]byte(curParts), &existing); jerr != nil {
		existing = nil
	}
	merged := mergeParticipants(existing, tf.Participants)

	last := curLast
	if ts := tf.LastMessageAt.Unix(); ts > last {
		last = ts
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE threads SET participants = ?, last_message_at = ? WHERE id = ?
	`, encodeParticipants(merged), last, threadRef)
	if err != nil {
		return 0, fmt.Errorf("failed to update thread: %w", err)
	}
	return threadRef, nil
}

// GetThread returns a thread by provider id, or nil if absent.
func (s *Store) GetThread(ctx context.Context, ownerID, threadID string) (*Thread, error) {
	t := &Thread{OwnerID: ownerID, ThreadID: threadID}
	var parts string
	var last int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, subject, participants, last_message_at FROM threads WHERE owner_id = ? AND thread_id = ?
	`, ownerID, threadID).Scan(&t.ID, &t.Subject, &parts, &last)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	if jerr := json.Unmarshal([]byte(parts), &t.Participants); jerr != nil {
		t.Participants = nil
	}
	t.LastMessageAt = time.Unix(last, 0).UTC()
	return t, nil
}

// CountMessages returns the number of ingested messages for a mailbox.
func (s *Store) CountMessages(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE owner_id = ?`, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// CountThreads returns the number of threads for a mailbox.
func (s *Store) CountThreads(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM threads WHERE owner_id = ?`, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count threads: %w", err)
	}
	return n, nil
}

func encodeParticipants(parts []string) string {
	if parts == nil {
		parts = []string{}
	}
	b, _ := json.Marshal(parts)
	return string(b)
}

// mergeParticipants unions two address lists preserving first-seen order.
func mergeParticipants(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, p := range existing {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range incoming {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
