package services

import (
	"errors"
	"fmt"
)

var (
	// ErrActionDisabled is returned when a power-on is requested while the
	// device is still inside its wake window.
	ErrActionDisabled = errors.New("action disabled while device is waking up")

	// ErrCommandInFlight is returned when another power command has not been
	// acknowledged yet.
	ErrCommandInFlight = errors.New("another power command is in flight")
)

// TransientError is a network, timeout or server-side failure. Heartbeats are
// retried on the next tick; commands are surfaced as retryable.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RejectedError is an explicit refusal by the device or backend.
type RejectedError struct {
	Op     string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rejected: %s", e.Op, e.Reason)
}

// IsRetryable reports whether the caller may present the failed action as
// retryable.
func IsRetryable(err error) bool {
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, ErrCommandInFlight)
}

// asTransient classifies a collaborator failure that is not already typed.
// Rejections keep their type; anything else is treated as transient.
func asTransient(op string, err error) error {
	var rejected *RejectedError
	var transient *TransientError
	if errors.As(err, &rejected) || errors.As(err, &transient) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}
