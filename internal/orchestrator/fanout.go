package orchestrator

import "sync"

// settled is the outcome of one fan-out branch.
type settled[T any] struct {
	Value T
	Err   error
}

// allSettled runs one task per input concurrently and waits for every branch
// to finish. A branch's failure never cancels its siblings; results are
// returned in input order with a value or an error per branch.
func allSettled[I, T any](inputs []I, task func(in I) (T, error)) []settled[T] {
	results := make([]settled[T], len(inputs))
	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		go func(i int, in I) {
			defer wg.Done()
			v, err := task(in)
			results[i] = settled[T]{Value: v, Err: err}
		}(i, in)
	}
	wg.Wait()
	return results
}
