package transport

import (
	"errors"
	"fmt"
	"time"
)

// FailureClass is the delivery outcome class decided at the gateway boundary.
type FailureClass int

const (
	// Transient: rate limited, network trouble, server errors. Not indicative
	// of the recipient's state.
	Transient FailureClass = iota
	// Permanent: the recipient blocked the bot, deactivated their account, or
	// the chat is invalid. It will never succeed again.
	Permanent
)

func (c FailureClass) String() string {
	switch c {
	case Permanent:
		return "permanent"
	default:
		return "transient"
	}
}

// DeliveryError wraps a gateway failure with its class.
type DeliveryError struct {
	Class FailureClass
	// RetryAfter is set when the platform asked us to slow down.
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return e.Class.String() + " delivery failure"
	}
	return fmt.Sprintf("%s delivery failure: %v", e.Class, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// PermanentError marks err as a permanent recipient failure.
func PermanentError(err error) error {
	return &DeliveryError{Class: Permanent, Err: err}
}

// TransientError marks err as a transient failure.
func TransientError(err error) error {
	return &DeliveryError{Class: Transient, Err: err}
}

// ClassOf returns the failure class of err. Unclassified errors are transient.
func ClassOf(err error) FailureClass {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Class
	}
	return Transient
}

// IsPermanent reports whether err is a permanent recipient failure.
func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == Permanent
}
