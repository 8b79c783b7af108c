package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	stateNew StateID = iota
	stateRetrying
	stateDone
	stateFailed
)

func newTestTable(nextFn func(interface{}) (StateID, error)) []*State {
	return []*State{
		{
			ID:         stateNew,
			AcceptMask: AcceptMask(stateNew),
			NextState:  nextFn,
		},
		{
			ID:          stateRetrying,
			AcceptMask:  AcceptMask(stateNew, stateRetrying),
			NextState:   nextFn,
			RetryBudget: 2,
			TerminalErr: errBudgetExceeded,
		},
		{
			ID:         stateDone,
			AcceptMask: AcceptMask(stateRetrying),
			NextState:  nextFn,
		},
		{
			ID:         stateFailed,
			AcceptMask: AcceptMask(stateRetrying),
			NextState:  nextFn,
		},
	}
}

var errBudgetExceeded = assertErr("retry budget exceeded")

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestStepAdvancesAndResetsRetry(t *testing.T) {
	want := stateRetrying
	table := newTestTable(func(interface{}) (StateID, error) { return want, nil })
	m, err := New(table, stateNew)
	require.NoError(t, err)

	require.NoError(t, m.Step(context.Background(), nil, time.Time{}))
	assert.Equal(t, stateRetrying, m.CurrentState())
	assert.Equal(t, uint32(0), m.RetryCount())

	// Re-entering the same state increments retry count.
	require.NoError(t, m.Step(context.Background(), nil, time.Time{}))
	assert.Equal(t, uint32(1), m.RetryCount())
}

func TestStepRejectsDisallowedTransition(t *testing.T) {
	table := newTestTable(func(interface{}) (StateID, error) { return stateDone, nil })
	m, err := New(table, stateNew)
	require.NoError(t, err)

	err = m.Step(context.Background(), nil, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStepExhaustsRetryBudget(t *testing.T) {
	table := newTestTable(func(interface{}) (StateID, error) { return stateRetrying, nil })
	m, err := New(table, stateNew)
	require.NoError(t, err)

	require.NoError(t, m.Step(context.Background(), nil, time.Time{})) // new -> retrying
	require.NoError(t, m.Step(context.Background(), nil, time.Time{})) // retry 1
	require.NoError(t, m.Step(context.Background(), nil, time.Time{})) // retry 2

	err = m.Step(context.Background(), nil, time.Time{}) // retry 3 exceeds budget of 2
	var termErr *TerminalError
	require.ErrorAs(t, err, &termErr)
	assert.Equal(t, stateRetrying, termErr.State)
	assert.ErrorIs(t, termErr, errBudgetExceeded)
}

func TestForceStateBypassesAcceptMask(t *testing.T) {
	table := newTestTable(func(interface{}) (StateID, error) { return stateNew, nil })
	m, err := New(table, stateDone)
	require.NoError(t, err)

	require.NoError(t, m.ForceState(stateNew))
	assert.Equal(t, stateNew, m.CurrentState())
	assert.Equal(t, uint32(0), m.RetryCount())
}

func TestStepDeadlineExceeded(t *testing.T) {
	table := newTestTable(func(interface{}) (StateID, error) { return stateRetrying, nil })
	m, err := New(table, stateNew)
	require.NoError(t, err)

	past := time.Now().Add(-time.Second)
	err = m.Step(context.Background(), nil, past)
	assert.ErrorIs(t, err, ErrStepDeadline)
}
