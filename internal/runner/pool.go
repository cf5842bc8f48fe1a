package runner

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

type Job func(ctx context.Context) error

// RunPool executes jobs with at most maxWorkers concurrently. Jobs not yet
// started when ctx is cancelled are skipped. Returns all errors.
func RunPool(ctx context.Context, maxWorkers int, jobs []Job) []error {
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	p := pool.New().WithMaxGoroutines(maxWorkers)
	for _, job := range jobs {
		p.Go(func() {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			if err := job(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	p.Wait()
	return errs
}
