package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type Result struct {
	Spec     RequestSpec `json:"request"`
	Response *Response   `json:"response,omitempty"`
	Err      error       `json:"-"`
}

// RunBatch executes specs on a bounded set of workers sharing this dispatcher.
// Results keep input order. A fatal error stops the run: requests not yet
// started report that error instead of being sent.
func (d *Dispatcher) RunBatch(ctx context.Context, specs []RequestSpec, workers int) []Result {
	if workers < 1 {
		workers = 1
	}
	total := len(specs)
	log.Infof("Starting batch: %d requests, workers=%d", total, workers)
	startTime := time.Now()

	results := make([]Result, total)
	jobs := make(chan int)

	var (
		fatalMu  sync.Mutex
		fatalErr error
	)
	loadFatal := func() error {
		fatalMu.Lock()
		defer fatalMu.Unlock()
		return fatalErr
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := loadFatal(); err != nil {
					results[i] = Result{Spec: specs[i], Err: fmt.Errorf("run stopped: %w", err)}
					continue
				}

				resp, err := d.Execute(ctx, specs[i])
				results[i] = Result{Spec: specs[i], Response: resp, Err: err}

				if err != nil && IsFatal(err) {
					fatalMu.Lock()
					if fatalErr == nil {
						fatalErr = err
						log.Errorf("Stopping batch: %v", err)
					}
					fatalMu.Unlock()
				}
			}
		}()
	}

feed:
	for i := range specs {
		select {
		case jobs <- i:
		case <-ctx.Done():
			for j := i; j < total; j++ {
				results[j] = Result{Spec: specs[j], Err: ctx.Err()}
			}
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Err == nil {
			succeeded++
		}
	}
	log.Infof("Batch complete: %d/%d succeeded in %v", succeeded, total, time.Since(startTime))

	return results
}
