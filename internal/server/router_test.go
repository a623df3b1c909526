package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/dealdesk/mailsync/internal/provider"
	"github.com/dealdesk/mailsync/internal/store"
	"github.com/dealdesk/mailsync/internal/sync"
)

var testSecret = []byte("test-secret")

type fakeSyncer struct {
	synced chan string
	result sync.Result
}

func (f *fakeSyncer) SyncOne(ctx context.Context, ownerID string) sync.Result {
	if f.synced != nil {
		f.synced <- ownerID
	}
	res := f.result
	res.OwnerID = ownerID
	return res
}

func (f *fakeSyncer) SyncAll(ctx context.Context) (sync.Report, error) {
	return sync.Report{}, nil
}

type fakeLeases struct {
	registered   []string
	unregistered []string
	known        string
}

func (f *fakeLeases) Register(ctx context.Context, ownerID string) (*provider.Lease, error) {
	f.registered = append(f.registered, ownerID)
	return &provider.Lease{ID: "lease-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeLeases) Renew(ctx context.Context, ownerID string) (*provider.Lease, error) {
	return f.Register(ctx, ownerID)
}

func (f *fakeLeases) Unregister(ctx context.Context, ownerID string) {
	f.unregistered = append(f.unregistered, ownerID)
}

func (f *fakeLeases) DecodeNotification(ctx context.Context, payload []byte) (string, bool) {
	if strings.Contains(string(payload), f.known) && f.known != "" {
		return f.known, true
	}
	return "", false
}

type fakeCredWriter struct {
	saved []*store.Credential
}

func (f *fakeCredWriter) SaveCredential(ctx context.Context, c *store.Credential) error {
	f.saved = append(f.saved, c)
	return nil
}

type rejectVerifier struct{}

func (rejectVerifier) Verify(raw string) error { return errors.New("bad token") }

func newTestRouter(syncer Syncer, leases LeaseManager, creds CredentialWriter, verifier PushVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return New(syncer, leases, creds, verifier, testSecret, zap.NewNop()).Router()
}

func adminToken(t *testing.T) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestNotifyAlways204(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		verifier PushVerifier
	}{
		{name: "attributable notification", body: "u1"},
		{name: "garbage payload", body: "not json at all"},
		{name: "empty body", body: ""},
		{name: "rejected by verifier", body: "u1", verifier: rejectVerifier{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := &fakeSyncer{result: sync.Result{Success: true}}
			leases := &fakeLeases{known: "u1"}
			router := newTestRouter(syncer, leases, &fakeCredWriter{}, tt.verifier)

			req := httptest.NewRequest(http.MethodPost, "/sync/notify", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusNoContent {
				t.Errorf("status = %d, want 204", w.Code)
			}
		})
	}
}

func TestNotifyTriggersSync(t *testing.T) {
	syncer := &fakeSyncer{synced: make(chan string, 1), result: sync.Result{Success: true}}
	leases := &fakeLeases{known: "u1"}
	router := newTestRouter(syncer, leases, &fakeCredWriter{}, nil)

	body := `{"message":{"data":"u1"}}`
	req := httptest.NewRequest(http.MethodPost, "/sync/notify", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	select {
	case owner := <-syncer.synced:
		if owner != "u1" {
			t.Errorf("synced owner = %q, want u1", owner)
		}
	case <-time.After(time.Second):
		t.Fatal("notification did not trigger a sync")
	}
}

func TestAdminRequiresToken(t *testing.T) {
	router := newTestRouter(&fakeSyncer{}, &fakeLeases{}, &fakeCredWriter{}, nil)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer not.a.jwt", want: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer " + adminToken(t), want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/mailboxes/u1/sync", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAdminSyncFailureStatus(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want int
	}{
		{name: "disconnected mailbox", tag: sync.TagAuthDisconnected, want: http.StatusConflict},
		{name: "provider outage", tag: sync.TagProviderError, want: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := &fakeSyncer{result: sync.Result{ErrTag: tt.tag}}
			router := newTestRouter(syncer, &fakeLeases{}, &fakeCredWriter{}, nil)

			req := httptest.NewRequest(http.MethodPost, "/admin/mailboxes/u1/sync", nil)
			req.Header.Set("Authorization", "Bearer "+adminToken(t))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestPutCredential(t *testing.T) {
	creds := &fakeCredWriter{}
	router := newTestRouter(&fakeSyncer{}, &fakeLeases{}, creds, nil)

	body := `{"address":"U1@Example.com","provider":"google","refresh_token":"rt","access_token":"at","expires_at":1900000000}`
	req := httptest.NewRequest(http.MethodPut, "/admin/mailboxes/u1/credential", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(creds.saved) != 1 {
		t.Fatalf("saved %d credentials, want 1", len(creds.saved))
	}
	c := creds.saved[0]
	if c.OwnerID != "u1" || c.Address != "u1@example.com" || c.RefreshToken != "rt" {
		t.Errorf("saved credential = %+v", c)
	}
	if c.ExpiresAt == nil {
		t.Error("expires_at not set")
	}
}

func TestPutCredentialRejectsMissingFields(t *testing.T) {
	router := newTestRouter(&fakeSyncer{}, &fakeLeases{}, &fakeCredWriter{}, nil)

	req := httptest.NewRequest(http.MethodPut, "/admin/mailboxes/u1/credential",
		strings.NewReader(`{"address":"u1@example.com"}`))
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWatchLifecycleEndpoints(t *testing.T) {
	leases := &fakeLeases{}
	router := newTestRouter(&fakeSyncer{}, leases, &fakeCredWriter{}, nil)
	token := adminToken(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/mailboxes/u1/watch", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("watch status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/admin/mailboxes/u1/watch", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("unwatch status = %d", w.Code)
	}

	if len(leases.registered) != 1 || len(leases.unregistered) != 1 {
		t.Errorf("registered = %v, unregistered = %v", leases.registered, leases.unregistered)
	}
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(&fakeSyncer{}, &fakeLeases{}, &fakeCredWriter{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
