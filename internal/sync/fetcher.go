package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dealdesk/mailsync/internal/provider"
)

// Fetcher retrieves recent messages from a provider: one list call,
// then full bodies through a bounded worker pool so a large page never
// fans out into unbounded parallel requests.
type Fetcher struct {
	concurrency int
	log         *zap.Logger
}

func NewFetcher(concurrency int, log *zap.Logger) *Fetcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Fetcher{concurrency: concurrency, log: log}
}

// FetchRecent returns the successfully fetched subset of the mailbox's
// recent messages plus the count of individual fetch failures. A failed
// list call is a hard error; a failed individual fetch only shrinks the
// result set.
func (f *Fetcher) FetchRecent(ctx context.Context, client provider.Client, pageSize int) ([]*provider.RawMessage, int, error) {
	ids, err := client.ListRecentIDs(ctx, int64(pageSize))
	if err != nil {
		return nil, 0, fmt.Errorf("list recent messages: %w", err)
	}
	if len(ids) == 0 {
		return []*provider.RawMessage{}, 0, nil
	}

	results := make([]*provider.RawMessage, len(ids))
	jobs := make(chan int)
	var failed int64

	workers := f.concurrency
	if workers > len(ids) {
		workers = len(ids)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				msg, err := client.FetchMessage(ctx, ids[idx])
				if err != nil {
					atomic.AddInt64(&failed, 1)
					f.log.Warn("failed to fetch message, dropping from batch",
						zap.String("message_id", ids[idx]), zap.Error(err))
					continue
				}
				results[idx] = msg
			}
		}()
	}

feed:
	for i := range ids {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	fetched := make([]*provider.RawMessage, 0, len(ids))
	for _, msg := range results {
		if msg != nil {
			fetched = append(fetched, msg)
		}
	}

	if shortfall := len(ids) - len(fetched); shortfall > 0 {
		f.log.Warn("partial fetch",
			zap.Int("requested", len(ids)),
			zap.Int("returned", len(fetched)),
			zap.Int("shortfall", shortfall))
	}

	return fetched, int(atomic.LoadInt64(&failed)), ctx.Err()
}
