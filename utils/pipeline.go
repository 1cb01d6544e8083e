package utils

import (
	"context"
	"sync"
)

// WaitForPipeline blocks until every stage has closed its error channel and returns the first error sent,
// or ctx.Err() when no stage failed but ctx ended. cancel is called on the first error so the remaining
// stages stop early; they must stop when ctx is done.
func WaitForPipeline(ctx context.Context, cancel context.CancelFunc, errs ...<-chan error) error {
	var first error
	for err := range MergeErrors(errs...) {
		if err != nil && first == nil {
			first = err
			cancel()
		}
	}
	if first != nil {
		return first
	}
	return ctx.Err()
}

// MergeErrors forwards every error of errChans to one channel, closed once all of errChans are closed.
func MergeErrors(errChans ...<-chan error) <-chan error {
	var wg sync.WaitGroup

	out := make(chan error, len(errChans))

	wg.Add(len(errChans))
	output := func(c <-chan error) {
		defer wg.Done()
		for err := range c {
			out <- err
		}
	}
	for _, errChan := range errChans {
		go output(errChan)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
