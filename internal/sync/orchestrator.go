package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dealdesk/mailsync/internal/auth"
	"github.com/dealdesk/mailsync/internal/provider"
	"github.com/dealdesk/mailsync/internal/store"
)

// Result error tags, used by alerting to tell "reconnect needed" from
// "will heal on the next sweep".
const (
	TagAuthDisconnected = "auth_disconnected"
	TagProviderError    = "provider_error"
	TagIngestError      = "ingest_error"
)

// Result is the outcome of one mailbox sync attempt.
type Result struct {
	OwnerID  string        `json:"owner_id"`
	Success  bool          `json:"success"`
	Stats    Stats         `json:"stats"`
	ErrTag   string        `json:"error_tag,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration_ms"`
}

// Report aggregates a sweep over all connected mailboxes.
type Report struct {
	Results   []Result `json:"results"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
}

// TokenSource yields a currently-valid token for a mailbox.
type TokenSource interface {
	ValidToken(ctx context.Context, ownerID string) (*auth.Token, error)
}

// CredentialStore is the slice of the store the orchestrator needs.
type CredentialStore interface {
	GetCredential(ctx context.Context, ownerID string) (*store.Credential, error)
	ListSyncable(ctx context.Context) ([]string, error)
	TouchLastSynced(ctx context.Context, ownerID string, at time.Time) error
}

// Orchestrator is the dual-trigger sync driver: SyncOne serves the
// webhook path, SyncAll the scheduled reconciliation sweep. Both may
// run concurrently, for the same mailbox included; the ingest
// transaction is the safety net, not any locking here.
type Orchestrator struct {
	tokens     TokenSource
	creds      CredentialStore
	factory    provider.Factory
	fetcher    *Fetcher
	ingestor   *Ingestor
	pageSize   int
	sweepDelay time.Duration
	log        *zap.Logger
}

func NewOrchestrator(
	tokens TokenSource,
	creds CredentialStore,
	factory provider.Factory,
	fetcher *Fetcher,
	ingestor *Ingestor,
	pageSize int,
	sweepDelay time.Duration,
	log *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		tokens:     tokens,
		creds:      creds,
		factory:    factory,
		fetcher:    fetcher,
		ingestor:   ingestor,
		pageSize:   pageSize,
		sweepDelay: sweepDelay,
		log:        log,
	}
}

// SyncOne runs one fetch-then-ingest pass for a mailbox and updates its
// watermark on success.
func (o *Orchestrator) SyncOne(ctx context.Context, ownerID string) Result {
	start := time.Now()

	cred, err := o.creds.GetCredential(ctx, ownerID)
	if err != nil {
		return o.failed(ownerID, TagIngestError, err, start)
	}
	if cred == nil {
		return o.failed(ownerID, TagAuthDisconnected,
			&auth.Error{OwnerID: ownerID, Reason: "not connected"}, start)
	}

	tok, err := o.tokens.ValidToken(ctx, ownerID)
	if err != nil {
		tag := TagProviderError
		if auth.IsTerminal(err) {
			tag = TagAuthDisconnected
		}
		return o.failed(ownerID, tag, err, start)
	}

	client, err := o.factory(ctx, tok, cred.Address)
	if err != nil {
		return o.failed(ownerID, TagProviderError, err, start)
	}

	raws, fetchFailed, err := o.fetcher.FetchRecent(ctx, client, o.pageSize)
	if err != nil {
		return o.failed(ownerID, TagProviderError, err, start)
	}

	stats, err := o.ingestor.Ingest(ctx, ownerID, raws)
	if err != nil {
		return o.failed(ownerID, TagIngestError, err, start)
	}

	if err := o.creds.TouchLastSynced(ctx, ownerID, time.Now()); err != nil {
		o.log.Warn("failed to update sync watermark", zap.String("owner", ownerID), zap.Error(err))
	}

	duration := time.Since(start)
	o.log.Info("mailbox synced",
		zap.String("owner", ownerID),
		zap.Int("imported", stats.Imported),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
		zap.Int("fetch_failed", fetchFailed),
		zap.Duration("duration", duration))

	return Result{
		OwnerID:  ownerID,
		Success:  true,
		Stats:    stats,
		Duration: duration,
	}
}

// SyncAll sweeps every syncable mailbox sequentially with a courtesy
// delay between them. Mailboxes already marked disconnected are not
// visited; a terminal failure during the sweep marks its mailbox so it
// is excluded from the next pass. Cancellation returns the partial
// report; finished mailboxes stay committed.
func (o *Orchestrator) SyncAll(ctx context.Context) (Report, error) {
	owners, err := o.creds.ListSyncable(ctx)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for i, owner := range owners {
		if i > 0 && o.sweepDelay > 0 {
			if !sleepCtx(ctx, o.sweepDelay) {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		res := o.SyncOne(ctx, owner)
		report.Results = append(report.Results, res)
		if res.Success {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}

	o.log.Info("sweep complete",
		zap.Int("mailboxes", len(report.Results)),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (o *Orchestrator) failed(ownerID, tag string, err error, start time.Time) Result {
	duration := time.Since(start)
	o.log.Warn("mailbox sync failed",
		zap.String("owner", ownerID),
		zap.String("tag", tag),
		zap.Duration("duration", duration),
		zap.Error(err))
	return Result{
		OwnerID:  ownerID,
		ErrTag:   tag,
		Err:      err,
		Duration: duration,
	}
}

// sleepCtx waits for d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
