package domain

import (
	"errors"
	"fmt"
)

var (
	ErrBusy             = errors.New("fetch already in progress")
	ErrStaleGap         = errors.New("gap not found")
	ErrCapacityExceeded = errors.New("feed window is full")
	ErrDiscarded        = errors.New("feed was reset, result discarded")
	ErrClosed           = errors.New("feed closed")
	ErrEndOfFeed        = errors.New("end of feed")
)

// TransportError wraps a failure of the remote feed API.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// CorruptReplayError reports a persisted replay log that cannot be trusted.
type CorruptReplayError struct {
	Reason string
	Err    error
}

func (e *CorruptReplayError) Error() string {
	if e.Err == nil {
		return "corrupt replay log: " + e.Reason
	}
	return fmt.Sprintf("corrupt replay log: %s: %v", e.Reason, e.Err)
}

func (e *CorruptReplayError) Unwrap() error {
	return e.Err
}
