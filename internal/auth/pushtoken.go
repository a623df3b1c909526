package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// PushVerifier validates the OIDC bearer tokens the provider's push
// relay attaches to webhook deliveries, with cached JWKS so no network
// call happens on the request path.
type PushVerifier struct {
	jwksURL     string
	audience    string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	refreshTTL  time.Duration
}

// NewPushVerifier creates a verifier with JWKS caching and background
// refresh. The initial fetch is synchronous so a misconfigured URL
// fails at startup rather than on the first notification.
func NewPushVerifier(jwksURL, audience string) (*PushVerifier, error) {
	v := &PushVerifier{
		jwksURL:    jwksURL,
		audience:   audience,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keySet, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.backgroundRefresh()

	return v, nil
}

// Verify checks signature, expiry and audience of a push bearer token.
func (v *PushVerifier) Verify(raw string) error {
	v.keySetMutex.RLock()
	keySet := v.keySet
	v.keySetMutex.RUnlock()

	_, err := jwt.Parse([]byte(raw),
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return fmt.Errorf("push token rejected: %w", err)
	}
	return nil
}

func (v *PushVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		// Fallback to direct fetch if cache fails
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *PushVerifier) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()

		if err == nil {
			v.keySetMutex.Lock()
			v.keySet = keySet
			v.keySetMutex.Unlock()
		}
		// Silently continue on error - we'll retry on next tick
	}
}
