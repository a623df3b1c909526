package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Credential status values.
const (
	StatusActive       = "active"
	StatusDisconnected = "disconnected"
)

// Credential holds the OAuth material for one connected mailbox.
// A nil ExpiresAt means the access token must be treated as expired.
type Credential struct {
	OwnerID        string
	Address        string
	Provider       string
	AccessToken    string
	RefreshToken   string
	ExpiresAt      *time.Time
	LastSyncedAt   *time.Time
	Status         string
	WatchHistoryID string
	WatchExpiresAt *time.Time
}

// SaveCredential upserts the full credential set for a mailbox, as
// produced by the external authorization flow. Any prior disconnected
// status is cleared: a fresh grant means the mailbox is usable again.
func (s *Store) SaveCredential(ctx context.Context, c *Credential) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO credentials
		(owner_id, address, provider, access_token, refresh_token, expires_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			address = excluded.address,
			provider = excluded.provider,
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE credentials.refresh_token END,
			expires_at = excluded.expires_at,
			status = ?,
			updated_at = excluded.updated_at
	`, c.OwnerID, c.Address, c.Provider, c.AccessToken, c.RefreshToken,
		unixOrNil(c.ExpiresAt), StatusActive, now, now, StatusActive)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// GetCredential returns the credential for a mailbox, or nil if the
// mailbox was never connected.
func (s *Store) GetCredential(ctx context.Context, ownerID string) (*Credential, error) {
	c := &Credential{OwnerID: ownerID}
	var expiresAt, lastSyncedAt, watchExpiresAt sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT address, provider, access_token, refresh_token, expires_at,
		       last_synced_at, status, watch_history_id, watch_expires_at
		FROM credentials WHERE owner_id = ?
	`, ownerID).Scan(&c.Address, &c.Provider, &c.AccessToken, &c.RefreshToken,
		&expiresAt, &lastSyncedAt, &c.Status, &c.WatchHistoryID, &watchExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	c.ExpiresAt = timeFromNull(expiresAt)
	c.LastSyncedAt = timeFromNull(lastSyncedAt)
	c.WatchExpiresAt = timeFromNull(watchExpiresAt)
	return c, nil
}

// SaveTokens persists the outcome of a refresh cycle. An empty refresh
// token keeps the stored one: providers routinely omit the refresh token
// from refresh responses.
func (s *Store) SaveTokens(ctx context.Context, ownerID, accessToken, refreshToken string, expiresAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE credentials
		SET access_token = ?,
		    refresh_token = CASE WHEN ? != '' THEN ? ELSE refresh_token END,
		    expires_at = ?,
		    status = ?,
		    updated_at = ?
		WHERE owner_id = ?
	`, accessToken, refreshToken, refreshToken, expiresAt.Unix(), StatusActive, time.Now().Unix(), ownerID)
	if err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}
	return nil
}

// MarkDisconnected flags a credential as terminally unusable until the
// owner re-authorizes. Disconnected mailboxes are skipped by sweeps.
func (s *Store) MarkDisconnected(ctx context.Context, ownerID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE credentials SET status = ?, updated_at = ? WHERE owner_id = ?
	`, StatusDisconnected, time.Now().Unix(), ownerID)
	if err != nil {
		return fmt.Errorf("failed to mark disconnected: %w", err)
	}
	return nil
}

// TouchLastSynced updates the sync watermark after a successful sync.
func (s *Store) TouchLastSynced(ctx context.Context, ownerID string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE credentials SET last_synced_at = ?, updated_at = ? WHERE owner_id = ?
	`, at.Unix(), time.Now().Unix(), ownerID)
	if err != nil {
		return fmt.Errorf("failed to touch last_synced_at: %w", err)
	}
	return nil
}

// ListSyncable returns the owner ids the sweep should visit: mailboxes
// with offline access granted that are not waiting on re-authorization.
func (s *Store) ListSyncable(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT owner_id FROM credentials
		WHERE refresh_token != '' AND status != ?
		ORDER BY owner_id
	`, StatusDisconnected)
	if err != nil {
		return nil, fmt.Errorf("failed to list syncable credentials: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

// FindOwnerByAddress resolves a mailbox address from a push notification
// to its owner id. Returns "" when no credential matches.
func (s *Store) FindOwnerByAddress(ctx context.Context, address string) (string, error) {
	var owner string
	err := s.DB.QueryRowContext(ctx, `
		SELECT owner_id FROM credentials WHERE address = ?
	`, address).Scan(&owner)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to find owner by address: %w", err)
	}
	return owner, nil
}

// SaveLease records the provider's push-notification lease for a mailbox.
func (s *Store) SaveLease(ctx context.Context, ownerID, historyID string, expiresAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE credentials SET watch_history_id = ?, watch_expires_at = ?, updated_at = ? WHERE owner_id = ?
	`, historyID, expiresAt.Unix(), time.Now().Unix(), ownerID)
	if err != nil {
		return fmt.Errorf("failed to save lease: %w", err)
	}
	return nil
}

// ClearLease removes the stored lease after an unregister.
func (s *Store) ClearLease(ctx context.Context, ownerID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE credentials SET watch_history_id = '', watch_expires_at = NULL, updated_at = ? WHERE owner_id = ?
	`, time.Now().Unix(), ownerID)
	if err != nil {
		return fmt.Errorf("failed to clear lease: %w", err)
	}
	return nil
}

// ListExpiringLeases returns owners whose lease expires before cutoff.
func (s *Store) ListExpiringLeases(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT owner_id FROM credentials
		WHERE watch_expires_at IS NOT NULL AND watch_expires_at <= ?
		ORDER BY watch_expires_at
	`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring leases: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}
