// Package workerpool runs a bounded number of jobs concurrently,
// capped at runtime.NumCPU by default, collecting results and the
// first error in submission order.
package workerpool

import (
	"runtime"
	"sync"
)

// Run executes n jobs with at most maxWorkers running concurrently.
// job(i) must be safe to call from any goroutine. Results are
// returned in index order; the first error encountered is returned
// after every in-flight job finishes. maxWorkers <= 0 defaults to
// runtime.NumCPU().
func Run[T any](n, maxWorkers int, job func(i int) (T, error)) ([]T, error) {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	if maxWorkers > n {
		maxWorkers = n
	}
	if n == 0 {
		return nil, nil
	}

	results := make([]T, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxWorkers)

	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			r, err := job(idx)
			results[idx] = r
			errs[idx] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// RunEach is Run without a return value, for jobs executed purely
// for their side effects (e.g. writing into a pre-allocated slice
// element the caller owns).
func RunEach(n, maxWorkers int, job func(i int) error) error {
	_, err := Run(n, maxWorkers, func(i int) (struct{}, error) {
		return struct{}{}, job(i)
	})
	return err
}
