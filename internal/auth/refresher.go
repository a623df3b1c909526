package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/dealdesk/mailsync/internal/store"
)

// Token represents the OAuth material handed to provider clients.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// CredentialStore is the slice of the store the refresher needs.
type CredentialStore interface {
	GetCredential(ctx context.Context, ownerID string) (*store.Credential, error)
	SaveTokens(ctx context.Context, ownerID, accessToken, refreshToken string, expiresAt time.Time) error
	MarkDisconnected(ctx context.Context, ownerID string) error
}

// Refresher produces currently-valid access tokens, refreshing
// transparently when the stored one is inside the safety margin.
type Refresher struct {
	creds  CredentialStore
	oauth  *oauth2.Config
	margin time.Duration
	log    *zap.Logger
}

func NewRefresher(creds CredentialStore, oauth *oauth2.Config, margin time.Duration, log *zap.Logger) *Refresher {
	return &Refresher{
		creds:  creds,
		oauth:  oauth,
		margin: margin,
		log:    log,
	}
}

// ValidToken returns a usable token for the mailbox. The stored token
// is returned unchanged when it has more than the safety margin left;
// otherwise the refresh token is exchanged and the new material
// persisted. A missing or revoked refresh token yields *auth.Error and
// marks the credential disconnected.
func (r *Refresher) ValidToken(ctx context.Context, ownerID string) (*Token, error) {
	cred, err := r.creds.GetCredential(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return nil, &Error{OwnerID: ownerID, Reason: "not connected"}
	}

	// Common, cheap path: token still comfortably valid. A nil
	// expiry is treated as already expired.
	if cred.AccessToken != "" && cred.ExpiresAt != nil && time.Until(*cred.ExpiresAt) > r.margin {
		return &Token{
			AccessToken:  cred.AccessToken,
			RefreshToken: cred.RefreshToken,
			Expiry:       *cred.ExpiresAt,
		}, nil
	}

	if cred.RefreshToken == "" {
		if derr := r.creds.MarkDisconnected(ctx, ownerID); derr != nil {
			r.log.Warn("failed to mark credential disconnected", zap.String("owner", ownerID), zap.Error(derr))
		}
		return nil, &Error{OwnerID: ownerID, Reason: "access token expired and no refresh token granted"}
	}

	src := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		if isAuthRejection(err) {
			if derr := r.creds.MarkDisconnected(ctx, ownerID); derr != nil {
				r.log.Warn("failed to mark credential disconnected", zap.String("owner", ownerID), zap.Error(derr))
			}
			return nil, &Error{OwnerID: ownerID, Reason: "refresh token rejected: " + err.Error()}
		}
		return nil, fmt.Errorf("token refresh: %w", err)
	}

	if err := r.creds.SaveTokens(ctx, ownerID, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
		return nil, fmt.Errorf("persist refreshed tokens: %w", err)
	}

	r.log.Info("refreshed access token",
		zap.String("owner", ownerID),
		zap.Time("expires_at", tok.Expiry))

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = cred.RefreshToken
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		Expiry:       tok.Expiry,
	}, nil
}

// isAuthRejection distinguishes "the grant is dead" from a transient
// token-endpoint failure.
func isAuthRejection(err error) bool {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return false
	}
	switch rerr.ErrorCode {
	case "invalid_grant", "unauthorized_client", "access_denied":
		return true
	}
	return rerr.Response != nil && rerr.Response.StatusCode == 401
}
