package inbox

import (
	"fmt"

	"inbox-relay/internal/store"

	"github.com/pkg/errors"
)

// Status is the lifecycle state of an inbox row.
type Status string

const (
	StatusPending    Status = store.InboxPending
	StatusProcessing Status = store.InboxProcessing
	StatusProcessed  Status = store.InboxProcessed
	StatusFailed     Status = store.InboxFailed
)

// DefaultMaxRetries is the attempt ceiling shared by the worker and the stuck
// sweep.
const DefaultMaxRetries = 3

// StuckReason is recorded when the stuck sweep gives up on a row.
const StuckReason = "processing timed out"

var ErrIllegalTransition = errors.New("inbox: illegal status transition")

var edges = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusProcessed, StatusFailed, StatusPending},
	StatusFailed:     {StatusProcessing},
	StatusProcessed:  nil,
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := edges[st]; !ok {
		return "", fmt.Errorf("inbox: unknown status %q", s)
	}
	return st, nil
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range edges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// State is a row's status plus its attempt bookkeeping. Transition methods
// return the next state or ErrIllegalTransition and never mutate the receiver.
type State struct {
	Status     Status
	RetryCount int
	Reason     string
}

func StateOf(rec *store.InboxRecord) (State, error) {
	st, err := ParseStatus(rec.Status)
	if err != nil {
		return State{}, err
	}
	s := State{Status: st, RetryCount: rec.RetryCount}
	if rec.ErrorMessage != nil {
		s.Reason = *rec.ErrorMessage
	}
	return s, nil
}

func (s State) illegal(to Status) error {
	return errors.Wrapf(ErrIllegalTransition, "%s -> %s (retry_count=%d)", s.Status, to, s.RetryCount)
}

// Claimable reports whether a worker may pick the row up.
func (s State) Claimable(maxRetries int) bool {
	switch s.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return s.RetryCount < maxRetries
	default:
		return false
	}
}

func (s State) Claim(maxRetries int) (State, error) {
	if !s.Claimable(maxRetries) {
		return s, s.illegal(StatusProcessing)
	}
	return State{Status: StatusProcessing, RetryCount: s.RetryCount, Reason: s.Reason}, nil
}

func (s State) Succeed() (State, error) {
	if !s.Status.CanTransition(StatusProcessed) {
		return s, s.illegal(StatusProcessed)
	}
	return State{Status: StatusProcessed, RetryCount: s.RetryCount}, nil
}

// Fail records one failed attempt. terminal is true once the ceiling is hit.
func (s State) Fail(reason string, maxRetries int) (next State, terminal bool, err error) {
	if s.Status != StatusProcessing {
		return s, false, s.illegal(StatusFailed)
	}
	next = State{Status: StatusFailed, RetryCount: s.RetryCount + 1, Reason: reason}
	return next, next.RetryCount >= maxRetries, nil
}

// Recover handles an orphaned processing row. It counts as an attempt: below
// the ceiling the row returns to pending, at the ceiling it fails terminally.
func (s State) Recover(maxRetries int) (next State, terminal bool, err error) {
	if s.Status != StatusProcessing {
		return s, false, s.illegal(StatusPending)
	}
	rc := s.RetryCount + 1
	if rc >= maxRetries {
		return State{Status: StatusFailed, RetryCount: rc, Reason: StuckReason}, true, nil
	}
	return State{Status: StatusPending, RetryCount: rc}, false, nil
}
