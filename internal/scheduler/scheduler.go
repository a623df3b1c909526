package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dealdesk/mailsync/internal/sync"
)

// Sweeper reconciles every syncable mailbox.
type Sweeper interface {
	SyncAll(ctx context.Context) (sync.Report, error)
}

// LeaseRenewer renews push leases that expire within the window.
type LeaseRenewer interface {
	RenewExpiring(ctx context.Context, within time.Duration)
}

// Scheduler drives the periodic background work: the reconciliation
// sweep that catches anything push notifications missed, and lease
// renewal so pushes keep arriving at all.
type Scheduler struct {
	sweeper     Sweeper
	leases      LeaseRenewer
	sweepEvery  time.Duration
	renewEvery  time.Duration
	renewWithin time.Duration
	log         *zap.Logger
}

func New(sweeper Sweeper, leases LeaseRenewer, sweepEvery, renewEvery, renewWithin time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		sweeper:     sweeper,
		leases:      leases,
		sweepEvery:  sweepEvery,
		renewEvery:  renewEvery,
		renewWithin: renewWithin,
		log:         log,
	}
}

// Run blocks until ctx is done. A sweep and a renewal pass run
// immediately on startup so a restart never extends the sync gap by a
// full interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started",
		zap.Duration("sweep_every", s.sweepEvery),
		zap.Duration("renew_every", s.renewEvery))

	s.leases.RenewExpiring(ctx, s.renewWithin)
	s.sweep(ctx)

	sweepTick := time.NewTicker(s.sweepEvery)
	defer sweepTick.Stop()
	renewTick := time.NewTicker(s.renewEvery)
	defer renewTick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-sweepTick.C:
			s.sweep(ctx)
		case <-renewTick.C:
			s.leases.RenewExpiring(ctx, s.renewWithin)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	report, err := s.sweeper.SyncAll(ctx)
	if err != nil {
		s.log.Error("sweep aborted", zap.Error(err))
		return
	}
	s.log.Info("sweep finished",
		zap.Int("mailboxes", len(report.Results)),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed))
}
