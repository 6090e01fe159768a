package inspector

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/khanhnv2901/urlinspect/internal/config"
)

// batcher fans a batch of targets out over a weighted semaphore. Targets
// are processed in chunks with a small stagger between starts so a batch
// does not stampede the upstream providers.
type batcher struct {
	cfg config.InspectionConfig
	sem *semaphore.Weighted
}

func newBatcher(cfg config.InspectionConfig) *batcher {
	concurrency := cfg.BatchConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &batcher{cfg: cfg, sem: semaphore.NewWeighted(concurrency)}
}

// run invokes fn for every non-empty target. Empty targets are skipped:
// their slots were already filled by the caller. Returns when every started
// task has finished.
func (b *batcher) run(ctx context.Context, targets []string, fn func(ctx context.Context, i int, target string)) {
	chunk := int(b.cfg.BatchConcurrency)
	if chunk < 1 {
		chunk = 1
	}

	var wg sync.WaitGroup
	started := 0
	for i, target := range targets {
		if target == "" {
			continue
		}
		if started > 0 {
			if started%chunk == 0 {
				// Chunk boundary: wait for the previous chunk to drain.
				wg.Wait()
			} else if b.cfg.BatchStagger > 0 {
				select {
				case <-time.After(b.cfg.BatchStagger):
				case <-ctx.Done():
				}
			}
		}
		if err := b.sem.Acquire(ctx, 1); err != nil {
			// Context gone; remaining targets keep their zero slots and
			// the caller's deadline handling reports them.
			break
		}
		started++
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			defer b.sem.Release(1)
			fn(ctx, i, target)
		}(i, target)
	}
	wg.Wait()
}
