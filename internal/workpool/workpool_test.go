package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/panelpull/internal/config"
)

func trackingTasks(count int, inFlight, peak *atomic.Int32) []Task {
	tasks := make([]Task, count)
	for i := range tasks {
		tasks[i] = func(context.Context) error {
			cur := inFlight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}
	}
	return tasks
}

func TestRunNeverExceedsLimit(t *testing.T) {
	for _, mode := range []string{config.ScheduleWave, config.SchedulePool} {
		t.Run(mode, func(t *testing.T) {
			var inFlight, peak atomic.Int32
			require.NoError(t, Run(context.Background(), 3, mode, trackingTasks(10, &inFlight, &peak)))
			assert.LessOrEqual(t, peak.Load(), int32(3))
			assert.Positive(t, peak.Load())
		})
	}
}

func TestWaveModeWaitsForWholeWave(t *testing.T) {
	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	tasks := []Task{
		func(context.Context) error { time.Sleep(30 * time.Millisecond); record("slow-done"); return nil },
		func(context.Context) error { record("fast-done"); return nil },
		func(context.Context) error { record("third-start"); return nil },
	}
	require.NoError(t, Run(context.Background(), 2, config.ScheduleWave, tasks))
	require.Len(t, events, 3)
	assert.Equal(t, "third-start", events[2])
}

func TestPoolModeRefillsFreeSlots(t *testing.T) {
	release := make(chan struct{})
	tasks := []Task{
		// occupies a slot until the third task has run
		func(context.Context) error { <-release; return nil },
		func(context.Context) error { return nil },
		func(context.Context) error { close(release); return nil },
	}

	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), 2, config.SchedulePool, tasks) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not hand the free slot to the next task")
	}
}

func TestRunJoinsTaskErrors(t *testing.T) {
	errA := errors.New("a failed")
	errC := errors.New("c failed")
	var ran atomic.Int32
	tasks := []Task{
		func(context.Context) error { ran.Add(1); return errA },
		func(context.Context) error { ran.Add(1); return nil },
		func(context.Context) error { ran.Add(1); return errC },
	}

	err := Run(context.Background(), 1, config.SchedulePool, tasks)
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errC)
	assert.Equal(t, int32(3), ran.Load())
}

func TestRunStopsStartingTasksAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Int32
	tasks := []Task{
		func(context.Context) error { ran.Add(1); cancel(); return nil },
		func(context.Context) error { ran.Add(1); return nil },
		func(context.Context) error { ran.Add(1); return nil },
	}

	err := Run(ctx, 1, config.ScheduleWave, tasks)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), ran.Load())
}

func TestRunRejectsBadArguments(t *testing.T) {
	assert.Error(t, Run(context.Background(), 0, config.SchedulePool, nil))
	assert.Error(t, Run(context.Background(), 1, "burst", nil))
}
