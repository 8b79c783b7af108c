// Package statemachine implements the generic finite-state-machine engine
// shared by internal/ice and signaling. It is grounded on the retry/accept-
// mask design of state_machine.c/state_machine.h from the original C SDK
// (src/source/state_machine), reshaped into an idiomatic Go engine: an
// immutable state table, a mutex-guarded mutable context, and result-typed
// returns instead of goto-cleanup STATUS codes.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// BaseRetryDelay is the base used in the exponential backoff formula
// 2^retry * BaseRetryDelay (spec.md §4.1).
const BaseRetryDelay = 10 * time.Millisecond

// InfiniteRetries marks a State whose retry budget never exhausts.
const InfiniteRetries = 0

var (
	// ErrInvalidTransition is returned when a state's next-state function
	// names a successor whose accept mask does not contain the current
	// state.
	ErrInvalidTransition = errors.New("statemachine: invalid transition")
	// ErrUnknownState is returned by GetState for an id not in the table.
	ErrUnknownState = errors.New("statemachine: unknown state")
	// ErrStepDeadline is returned by Step when the supplied deadline has
	// already elapsed.
	ErrStepDeadline = errors.New("statemachine: step deadline exceeded")
)

// NextStateFunc inspects ctxData (opaque caller state, e.g. the last API
// call's result) and returns the state id the machine should move to.
type NextStateFunc func(ctxData interface{}) (StateID, error)

// ExecuteFunc runs the side effects of entering a state. scheduledAt is the
// time the engine computed this execution should have happened at (useful
// for retry-driven executions that ran late).
type ExecuteFunc func(ctx context.Context, ctxData interface{}, scheduledAt time.Time) error

// StateID identifies a state within a table; callers typically declare a
// small enum of StateID constants.
type StateID = uint64

// TerminalError is returned from Step once a state's retry budget is
// exhausted, wrapping the state's configured terminal error.
type TerminalError struct {
	State StateID
	Err   error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("statemachine: state %d exhausted retries: %v", e.State, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// State is one row of the immutable state table (spec.md §3 StateMachine).
type State struct {
	ID StateID
	// AcceptMask is the set of predecessor states allowed to transition
	// into this one, represented as a bitset (bit i set => state i may
	// transition here). A predecessor id of 64 or above is never accepted.
	AcceptMask uint64
	NextState  NextStateFunc
	Execute    ExecuteFunc
	// RetryBudget is the number of same-state re-entries tolerated before
	// TerminalErr is surfaced. InfiniteRetries (0) disables the budget.
	RetryBudget uint32
	TerminalErr error
}

func (s *State) accepts(from StateID) bool {
	if from >= 64 {
		return false
	}
	return s.AcceptMask&(1<<from) != 0
}

// AcceptMask builds the bitset for State.AcceptMask from a list of state ids
// below 64. This is the Go analogue of the C SDK's state_machine_accept
// assertion helper, used at table-construction time rather than as a
// runtime check.
func AcceptMask(states ...StateID) uint64 {
	var mask uint64
	for _, s := range states {
		if s < 64 {
			mask |= 1 << s
		}
	}
	return mask
}

// Machine is the engine: an immutable table plus a mutex-guarded mutable
// context (current state, retry counter, next scheduled time).
type Machine struct {
	mu sync.Mutex

	table   map[StateID]*State
	current *State

	retryCount uint32
	nextExec   time.Time
}

// New builds a Machine from table, starting at initial. The caller owns the
// table slice's lifetime but Machine never mutates it.
func New(table []*State, initial StateID) (*Machine, error) {
	m := &Machine{table: make(map[StateID]*State, len(table))}
	for _, s := range table {
		m.table[s.ID] = s
	}
	start, ok := m.table[initial]
	if !ok {
		return nil, fmt.Errorf("%w: initial state %d", ErrUnknownState, initial)
	}
	m.current = start
	return m, nil
}

// CurrentState returns the id of the state the machine currently occupies.
func (m *Machine) CurrentState() StateID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.ID
}

// RetryCount returns the number of consecutive re-entries into the current
// state.
func (m *Machine) RetryCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

// GetState looks up a state descriptor by id.
func (m *Machine) GetState(id StateID) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.table[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, id)
	}
	return s, nil
}

// ForceState installs successor unconditionally, bypassing the accept mask,
// and resets the retry counter. internal/ice uses it for every agent-level
// transition; signaling uses it in Disconnect.
func (m *Machine) ForceState(successor StateID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.table[successor]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownState, successor)
	}
	m.current = s
	m.retryCount = 0
	m.nextExec = time.Time{}
	return nil
}

// ResetRetryCount zeros the retry counter without changing state.
func (m *Machine) ResetRetryCount() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryCount = 0
}

// Step performs exactly one transition: it asks the current state for its
// desired successor, validates the successor's accept mask, applies retry
// bookkeeping, installs the successor, and runs its Execute function. A
// non-zero deadline that has already passed makes Step return
// ErrStepDeadline before it does any of that.
//
// Step takes the Machine's mutex for its full duration, Execute included,
// so an Execute function must not call Step on the same Machine. signaling
// calls Step from Client.Connect and from the tunnel's reader goroutine;
// internal/ice does not call it.
func (m *Machine) Step(ctx context.Context, ctxData interface{}, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !deadline.IsZero() && time.Now().After(deadline) {
		return ErrStepDeadline
	}

	cur := m.current
	nextID, err := cur.NextState(ctxData)
	if err != nil {
		return fmt.Errorf("statemachine: next-state function for %d failed: %w", cur.ID, err)
	}

	successor, ok := m.table[nextID]
	if !ok {
		return fmt.Errorf("%w: unknown successor %d", ErrUnknownState, nextID)
	}

	if successor.ID != cur.ID {
		if !successor.accepts(cur.ID) {
			return fmt.Errorf("%w: %d -> %d", ErrInvalidTransition, cur.ID, successor.ID)
		}
		m.retryCount = 0
	} else {
		m.retryCount++
		if successor.RetryBudget != InfiniteRetries && m.retryCount > successor.RetryBudget {
			return &TerminalError{State: successor.ID, Err: successor.TerminalErr}
		}
	}

	m.current = successor
	scheduledAt := time.Now()
	if m.retryCount > 0 {
		delay := time.Duration(uint64(1)<<uint(minUint32(m.retryCount, 30))) * BaseRetryDelay
		m.nextExec = scheduledAt.Add(delay)
	} else {
		m.nextExec = scheduledAt
	}

	if successor.Execute == nil {
		return nil
	}
	return successor.Execute(ctx, ctxData, m.nextExec)
}

// NextExecutionTime returns when the most recent Step scheduled its
// Execute call for, useful for callers pacing their own retry timers
// against the same backoff the engine just computed.
func (m *Machine) NextExecutionTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextExec
}

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
