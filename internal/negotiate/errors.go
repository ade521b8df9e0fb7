package negotiate

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed or empty input bundle. It is
// surfaced to the caller immediately; nothing is retried and no default
// is substituted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid bundle: " + e.Reason
}

// TransportError reports that the underlying connection engine rejected
// an operation. The negotiation is aborted; the caller must start over
// from idle.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrNotReady is returned when an action requires an open channel or a
// pending session that does not exist.
var ErrNotReady = errors.New("not ready")

// ErrSuperseded is returned when a Reset or a new negotiation replaced
// the session an in-flight operation was working on.
var ErrSuperseded = errors.New("negotiation superseded")
