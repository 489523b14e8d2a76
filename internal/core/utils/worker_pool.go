package utils

import "sync"

type Result[T any] struct {
	Value T
	Err   error
}

// RunInPool runs worker over every input using at most maxWorkers goroutines
// and streams results in completion order. The returned channel is closed
// once every input has been processed.
func RunInPool[In any, Out any](worker func(In) (Out, error), inputs []In, maxWorkers int) <-chan Result[Out] {
	queue := make(chan In, len(inputs))
	for _, input := range inputs {
		queue <- input
	}
	close(queue)

	completed := make(chan Result[Out], len(inputs))
	workers := min(len(inputs), maxWorkers)
	if workers < 1 {
		workers = 1
	}

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for next := range queue {
					value, err := worker(next)
					completed <- Result[Out]{Value: value, Err: err}
				}
			}()
		}

		wg.Wait()
		close(completed)
	}()

	return completed
}
