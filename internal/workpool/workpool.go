// Package workpool runs independent units of work with bounded parallelism.
//
// Two disciplines are supported. In wave mode up to n tasks are started and
// the next wave only begins once every task of the current one has returned.
// In pool mode a worker that finishes picks up the next pending task at once.
//
// Tasks must touch disjoint state. Two tasks writing the same destination path
// race on the skip-if-exists checks the pipeline relies on.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/brensch/panelpull/internal/config"
)

// Task is one unit of work. A returned error is recorded and the remaining tasks still run.
type Task func(ctx context.Context) error

// Run executes tasks with at most n in flight and returns the joined task
// errors in task order. Tasks not yet started when ctx is cancelled are skipped
// and ctx.Err() is added to the result.
func Run(ctx context.Context, n int, mode string, tasks []Task) error {
	if n < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", n)
	}
	errs := make([]error, len(tasks))
	switch mode {
	case config.ScheduleWave:
		runWaves(ctx, n, tasks, errs)
	case config.SchedulePool, "":
		runPool(ctx, n, tasks, errs)
	default:
		return fmt.Errorf("unknown schedule mode %q", mode)
	}
	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func runWaves(ctx context.Context, n int, tasks []Task, errs []error) {
	for start := 0; start < len(tasks); start += n {
		if ctx.Err() != nil {
			return
		}
		end := min(start+n, len(tasks))
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = tasks[i](ctx)
			}(i)
		}
		// barrier: no task of the next wave starts before this one drains
		wg.Wait()
	}
}

func runPool(ctx context.Context, n int, tasks []Task, errs []error) {
	var g errgroup.Group
	g.SetLimit(n)
	for i := range tasks {
		if ctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			errs[i] = tasks[i](ctx)
			return nil
		})
	}
	g.Wait()
}
