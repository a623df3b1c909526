package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dealdesk/mailsync/internal/auth"
	"github.com/dealdesk/mailsync/internal/provider"
	"github.com/dealdesk/mailsync/internal/store"
)

// fakeCreds is an in-memory credential table.
type fakeCreds struct {
	creds      map[string]*store.Credential
	lastSynced map[string]time.Time
}

func newFakeCreds(owners ...string) *fakeCreds {
	f := &fakeCreds{
		creds:      make(map[string]*store.Credential),
		lastSynced: make(map[string]time.Time),
	}
	for _, o := range owners {
		f.creds[o] = &store.Credential{
			OwnerID:      o,
			Address:      o + "@example.com",
			Provider:     "google",
			RefreshToken: "rt-" + o,
			Status:       store.StatusActive,
		}
	}
	return f
}

func (f *fakeCreds) GetCredential(ctx context.Context, ownerID string) (*store.Credential, error) {
	return f.creds[ownerID], nil
}

func (f *fakeCreds) ListSyncable(ctx context.Context) ([]string, error) {
	var owners []string
	for _, o := range []string{"u1", "u2", "u3"} {
		c, ok := f.creds[o]
		if ok && c.RefreshToken != "" && c.Status != store.StatusDisconnected {
			owners = append(owners, o)
		}
	}
	return owners, nil
}

func (f *fakeCreds) TouchLastSynced(ctx context.Context, ownerID string, at time.Time) error {
	f.lastSynced[ownerID] = at
	return nil
}

// fakeTokens mirrors the refresher contract: a terminal rejection marks
// the credential disconnected before the typed error is returned.
type fakeTokens struct {
	creds    *fakeCreds
	terminal map[string]bool
	flaky    map[string]bool
}

func (f *fakeTokens) ValidToken(ctx context.Context, ownerID string) (*auth.Token, error) {
	if f.terminal[ownerID] {
		if c := f.creds.creds[ownerID]; c != nil {
			c.Status = store.StatusDisconnected
		}
		return nil, &auth.Error{OwnerID: ownerID, Reason: "invalid_grant"}
	}
	if f.flaky[ownerID] {
		return nil, errors.New("token endpoint: 503")
	}
	return &auth.Token{AccessToken: "at-" + ownerID, Expiry: time.Now().Add(time.Hour)}, nil
}

func newTestOrchestrator(t *testing.T, creds *fakeCreds, tokens *fakeTokens, client provider.Client) *Orchestrator {
	t.Helper()
	s := newTestStore(t)
	factory := func(ctx context.Context, tok *auth.Token, mailbox string) (provider.Client, error) {
		return client, nil
	}
	return NewOrchestrator(
		tokens, creds, factory,
		NewFetcher(2, zap.NewNop()),
		NewIngestor(s, zap.NewNop()),
		50, 0, zap.NewNop(),
	)
}

func TestSyncOneSuccess(t *testing.T) {
	creds := newFakeCreds("u1")
	tokens := &fakeTokens{creds: creds}
	client := &fakeClient{ids: messageIDs(4)}
	o := newTestOrchestrator(t, creds, tokens, client)

	res := o.SyncOne(context.Background(), "u1")
	if !res.Success {
		t.Fatalf("sync failed: tag=%s err=%v", res.ErrTag, res.Err)
	}
	if res.Stats.Imported != 4 {
		t.Errorf("imported = %d, want 4", res.Stats.Imported)
	}
	if _, ok := creds.lastSynced["u1"]; !ok {
		t.Error("watermark not updated after successful sync")
	}
}

func TestSyncOneUnknownMailbox(t *testing.T) {
	creds := newFakeCreds()
	tokens := &fakeTokens{creds: creds}
	o := newTestOrchestrator(t, creds, tokens, &fakeClient{})

	res := o.SyncOne(context.Background(), "ghost")
	if res.Success {
		t.Fatal("expected failure for unknown mailbox")
	}
	if res.ErrTag != TagAuthDisconnected {
		t.Errorf("tag = %q, want %q", res.ErrTag, TagAuthDisconnected)
	}
	if !auth.IsTerminal(res.Err) {
		t.Errorf("err = %v, want terminal auth error", res.Err)
	}
}

func TestSyncOneTransientTokenFailure(t *testing.T) {
	creds := newFakeCreds("u1")
	tokens := &fakeTokens{creds: creds, flaky: map[string]bool{"u1": true}}
	o := newTestOrchestrator(t, creds, tokens, &fakeClient{})

	res := o.SyncOne(context.Background(), "u1")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrTag != TagProviderError {
		t.Errorf("tag = %q, want %q", res.ErrTag, TagProviderError)
	}
	// Transient failures must not cost the mailbox its sweep membership.
	owners, _ := creds.ListSyncable(context.Background())
	if len(owners) != 1 {
		t.Errorf("syncable = %v, want [u1]", owners)
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	creds := newFakeCreds("u1", "u2", "u3")
	tokens := &fakeTokens{creds: creds, terminal: map[string]bool{"u2": true}}
	client := &fakeClient{ids: messageIDs(2)}
	o := newTestOrchestrator(t, creds, tokens, client)

	report, err := o.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Succeeded != 2 || report.Failed != 1 {
		t.Fatalf("report = %d ok / %d failed, want 2/1", report.Succeeded, report.Failed)
	}
	for _, res := range report.Results {
		if res.OwnerID == "u2" && res.ErrTag != TagAuthDisconnected {
			t.Errorf("u2 tag = %q, want %q", res.ErrTag, TagAuthDisconnected)
		}
	}

	// The disconnected mailbox is excluded from the next pass.
	report, err = o.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(report.Results) != 2 {
		t.Errorf("second sweep visited %d mailboxes, want 2", len(report.Results))
	}
	for _, res := range report.Results {
		if res.OwnerID == "u2" {
			t.Error("disconnected mailbox visited again")
		}
	}
}

func TestSweepStopsOnCancel(t *testing.T) {
	creds := newFakeCreds("u1", "u2", "u3")
	tokens := &fakeTokens{creds: creds}
	client := &fakeClient{ids: messageIDs(1)}
	o := newTestOrchestrator(t, creds, tokens, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := o.SyncAll(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.Results) > 1 {
		t.Errorf("cancelled sweep visited %d mailboxes", len(report.Results))
	}
}
