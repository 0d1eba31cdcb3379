// Package intercept holds the decision side of live interception: paused
// messages, their single-assignment decision slots, the mangler interfaces
// decision-makers implement, and a queue for human review.
package intercept

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyDecided is returned when a decision slot is resolved twice.
var ErrAlreadyDecided = errors.New("decision already made")

// State is the lifecycle of a decision slot.
type State int

const (
	Pending State = iota
	Resolved
	Canceled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Canceled:
		return "canceled"
	}
	return "unknown"
}

// Outcome is the final value of a decision slot.
// A resolved outcome with a nil Replacement is a drop. Canceled outcomes are
// always dropped.
type Outcome struct {
	State       State
	Replacement any
}

// Dropped reports whether the message should be discarded.
func (o Outcome) Dropped() bool {
	return o.State == Canceled || o.Replacement == nil
}

// Decision is a one-shot future. It moves from Pending to exactly one of
// Resolved or Canceled.
type Decision struct {
	mu      sync.Mutex
	outcome Outcome
	done    chan struct{}
}

// NewDecision returns a pending decision.
func NewDecision() *Decision {
	return &Decision{done: make(chan struct{})}
}

// Resolve settles the decision with replacement, or with a drop when
// replacement is nil.
func (d *Decision) Resolve(replacement any) error {
	return d.settle(Outcome{State: Resolved, Replacement: replacement})
}

// Cancel settles the decision as canceled.
func (d *Decision) Cancel() error {
	return d.settle(Outcome{State: Canceled})
}

func (d *Decision) settle(o Outcome) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outcome.State != Pending {
		return ErrAlreadyDecided
	}
	d.outcome = o
	close(d.done)
	return nil
}

// State returns the current state.
func (d *Decision) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outcome.State
}

// Done is closed once the decision is settled.
func (d *Decision) Done() <-chan struct{} { return d.done }

// Outcome returns the settled outcome, or a Pending outcome if not yet
// settled.
func (d *Decision) Outcome() Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outcome
}

// Wait blocks until the decision is settled or ctx is done.
func (d *Decision) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-d.done:
		return d.Outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
