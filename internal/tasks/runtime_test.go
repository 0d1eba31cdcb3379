package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoAndJoinAll(t *testing.T) {
	rt := New(zerolog.Nop())
	var n atomic.Int32
	for i := 0; i < 20; i++ {
		_, err := rt.Go("worker", func() error {
			time.Sleep(time.Millisecond)
			n.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	rt.JoinAll()
	assert.Equal(t, int32(20), n.Load())
	assert.Equal(t, 0, rt.Len())
	assert.Empty(t, rt.Live())
}

func TestTaskDeregistersOnCompletion(t *testing.T) {
	rt := New(zerolog.Nop())
	release := make(chan struct{})
	task, err := rt.Go("blocked", func() error {
		<-release
		return nil
	})
	require.NoError(t, err)

	live := rt.Live()
	require.Len(t, live, 1)
	assert.Equal(t, "blocked", live[0].Name)
	assert.Nil(t, task.Err())

	close(release)
	require.NoError(t, task.Wait())
	rt.JoinAll()
	assert.Empty(t, rt.Live())
}

func TestTaskErrorAndPanic(t *testing.T) {
	rt := New(zerolog.Nop())
	boom := errors.New("boom")
	failing, _ := rt.Go("fails", func() error { return boom })
	panicking, _ := rt.Go("panics", func() error { panic("bad") })

	assert.ErrorIs(t, failing.Wait(), boom)
	assert.ErrorContains(t, panicking.Wait(), "panicked")
	started, failed := rt.Stats()
	assert.Equal(t, int64(2), started)
	assert.Equal(t, int64(2), failed)
}

func TestShutdown(t *testing.T) {
	rt := New(zerolog.Nop())
	release := make(chan struct{})
	_, err := rt.Go("slow", func() error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rt.Shutdown(ctx), context.DeadlineExceeded)

	_, err = rt.Go("late", func() error { return nil })
	assert.ErrorIs(t, err, ErrShuttingDown)

	close(release)
	assert.NoError(t, rt.Shutdown(context.Background()))
}

func TestShutdownRacingGo(t *testing.T) {
	rt := New(zerolog.Nop())

	var (
		mu      sync.Mutex
		started []*Task
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := rt.Go("late", func() error {
					time.Sleep(time.Millisecond)
					return nil
				})
				if err != nil {
					assert.ErrorIs(t, err, ErrShuttingDown)
					return
				}
				mu.Lock()
				started = append(started, task)
				mu.Unlock()
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, rt.Shutdown(context.Background()))
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, task := range started {
		select {
		case <-task.Done():
		default:
			t.Fatalf("task %d still running after Shutdown", task.ID)
		}
	}
	assert.Equal(t, 0, rt.Len())
}
