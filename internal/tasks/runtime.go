// Package tasks runs named background goroutines and lets an owner wait for
// all of them before shutting down.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrShuttingDown is returned by Go after Shutdown has been called.
var ErrShuttingDown = errors.New("task runtime is shutting down")

// Task is a handle to one background function.
type Task struct {
	ID      uint64
	Name    string
	Started time.Time

	done chan struct{}
	err  error
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes and returns its error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// Err returns the task's error once it has finished, nil before.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Info describes a live task.
type Info struct {
	ID      uint64
	Name    string
	Started time.Time
}

// Runtime is a registry of live tasks. Tasks deregister themselves when they
// return. The zero value is not usable; call New.
type Runtime struct {
	tasks sync.Map // map[uint64]*Task

	nextID       atomic.Uint64
	liveCount    atomic.Int64
	totalStarted atomic.Int64
	totalFailed  atomic.Int64

	// mu orders wg.Add in Go against the wait in Shutdown.
	mu           sync.Mutex
	shuttingDown bool
	wg           sync.WaitGroup

	log zerolog.Logger
}

// New creates a runtime that logs task failures to log.
func New(log zerolog.Logger) *Runtime {
	return &Runtime{log: log}
}

// Go runs fn on a new goroutine. A panic in fn is recovered and reported as
// the task's error.
func (r *Runtime) Go(name string, fn func() error) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shuttingDown {
		return nil, ErrShuttingDown
	}
	t := &Task{
		ID:      r.nextID.Add(1),
		Name:    name,
		Started: time.Now(),
		done:    make(chan struct{}),
	}
	r.tasks.Store(t.ID, t)
	r.liveCount.Add(1)
	r.totalStarted.Add(1)
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				t.err = fmt.Errorf("task %q panicked: %v", name, p)
			}
			if t.err != nil {
				r.totalFailed.Add(1)
				r.log.Warn().Err(t.err).Str("task", name).Uint64("task_id", t.ID).Msg("task failed")
			}
			r.tasks.Delete(t.ID)
			r.liveCount.Add(-1)
			close(t.done)
		}()
		t.err = fn()
	}()
	return t, nil
}

// Live lists running tasks ordered by id.
func (r *Runtime) Live() []Info {
	var out []Info
	r.tasks.Range(func(_, v any) bool {
		t := v.(*Task)
		out = append(out, Info{ID: t.ID, Name: t.Name, Started: t.Started})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of running tasks.
func (r *Runtime) Len() int { return int(r.liveCount.Load()) }

// Stats returns lifetime counters.
func (r *Runtime) Stats() (started, failed int64) {
	return r.totalStarted.Load(), r.totalFailed.Load()
}

// JoinAll blocks until every task has returned.
func (r *Runtime) JoinAll() {
	r.wg.Wait()
}

// JoinAllContext waits like JoinAll but gives up when ctx is done.
func (r *Runtime) JoinAllContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d tasks still running: %w", r.Len(), ctx.Err())
	}
}

// Shutdown refuses new tasks and waits for running ones, bounded by ctx.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shuttingDown = true
	r.mu.Unlock()
	return r.JoinAllContext(ctx)
}
