package inbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusProcessed, false},
		{StatusPending, StatusFailed, false},
		{StatusProcessing, StatusProcessed, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusPending, true},
		{StatusFailed, StatusProcessing, true},
		{StatusFailed, StatusPending, false},
		{StatusProcessed, StatusProcessing, false},
		{StatusProcessed, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("processing")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, st)

	_, err = ParseStatus("done")
	assert.Error(t, err)
}

func TestState_Claim(t *testing.T) {
	_, err := State{Status: StatusPending}.Claim(3)
	assert.NoError(t, err)

	_, err = State{Status: StatusFailed, RetryCount: 2}.Claim(3)
	assert.NoError(t, err)

	_, err = State{Status: StatusFailed, RetryCount: 3}.Claim(3)
	assert.ErrorIs(t, err, ErrIllegalTransition, "terminal failure")

	_, err = State{Status: StatusProcessed}.Claim(3)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = State{Status: StatusProcessing}.Claim(3)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestState_Fail(t *testing.T) {
	s := State{Status: StatusProcessing, RetryCount: 1}

	next, terminal, err := s.Fail("boom", 3)
	require.NoError(t, err)
	assert.False(t, terminal)
	assert.Equal(t, State{Status: StatusFailed, RetryCount: 2, Reason: "boom"}, next)

	next, terminal, err = State{Status: StatusProcessing, RetryCount: 2}.Fail("boom", 3)
	require.NoError(t, err)
	assert.True(t, terminal)
	assert.Equal(t, 3, next.RetryCount)

	_, _, err = State{Status: StatusPending}.Fail("boom", 3)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestState_Recover(t *testing.T) {
	next, terminal, err := State{Status: StatusProcessing}.Recover(3)
	require.NoError(t, err)
	assert.False(t, terminal)
	assert.Equal(t, State{Status: StatusPending, RetryCount: 1}, next)

	next, terminal, err = State{Status: StatusProcessing, RetryCount: 2}.Recover(3)
	require.NoError(t, err)
	assert.True(t, terminal)
	assert.Equal(t, State{Status: StatusFailed, RetryCount: 3, Reason: StuckReason}, next)

	_, _, err = State{Status: StatusProcessed}.Recover(3)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestState_Succeed(t *testing.T) {
	next, err := State{Status: StatusProcessing, RetryCount: 1, Reason: "old"}.Succeed()
	require.NoError(t, err)
	assert.Equal(t, State{Status: StatusProcessed, RetryCount: 1}, next)

	_, err = State{Status: StatusFailed}.Succeed()
	assert.ErrorIs(t, err, ErrIllegalTransition)
}
