// Package protoerr defines the error taxonomy from spec.md §7. Every
// condition is a sentinel wrapped with github.com/pkg/errors, the same
// wrapping library the teacher uses everywhere else, so both
// errors.Is(err, protoerr.ErrTimeout) and errors.Cause(err) work.
package protoerr

import "github.com/pkg/errors"

// Sentinel conditions. Wrap these with errors.Wrap(ErrX, "context") at
// the call site; never return them bare once there is context to add.
var (
	// ErrNotConnected is returned synchronously when a caller tries to
	// publish while the connection is down or not yet established.
	ErrNotConnected = errors.New("protobus: not connected")

	// ErrDisconnected marks a pending RPC aborted because the
	// connection was lost after the request was published.
	ErrDisconnected = errors.New("protobus: disconnected while call was pending")

	// ErrTimeout marks a pending RPC, or a consume handler, that
	// exceeded the configured processing timeout.
	ErrTimeout = errors.New("protobus: operation timed out")

	// ErrInvalidMessage marks a codec failure: the payload could not be
	// encoded/decoded against its declared schema type. Never retried
	// on the consume side.
	ErrInvalidMessage = errors.New("protobus: invalid message for schema")

	// ErrReconnectionExhausted is terminal: the Connection Manager gave
	// up after maxRetries > 0 attempts.
	ErrReconnectionExhausted = errors.New("protobus: reconnection attempts exhausted")

	// ErrUnknownMethod marks a request whose method name has no
	// registered handler in a Service Host's method table.
	ErrUnknownMethod = errors.New("protobus: unknown method")

	// ErrUnknownType marks a schema lookup that found no descriptor for
	// the requested fully-qualified type name.
	ErrUnknownType = errors.New("protobus: unknown schema type")
)

// HandledError is a business-semantic failure a service method raises
// to indicate a permanent, non-retriable condition. It is encoded into
// ResponseContainer::Error with Handled=true and re-raised to the proxy
// caller as this same type, never retried by the consume loop.
type HandledError struct {
	Message string
	Code    string
}

func (e *HandledError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Handled constructs a HandledError. Service method handlers return this
// (or any error satisfying the Handled() bool method below) to signal
// "do not retry".
func Handled(code, message string) *HandledError {
	return &HandledError{Message: message, Code: code}
}

// Handleable is satisfied by any error that can classify itself as
// handled (permanent, no retry) vs. unhandled (transient, retry per
// spec.md §4.5). HandledError implements it trivially; callers may
// implement it on their own error types to opt out of retry without
// using protoerr.HandledError directly.
type Handleable interface {
	Handled() bool
}

// Handled reports true — by construction every HandledError is handled.
func (e *HandledError) Handled() bool { return true }

// IsHandled classifies err per spec.md §7: a HandledError (or any error
// implementing Handleable with Handled()==true) is never retried; every
// other error is retried until consumer.RetryPolicy's MaxRetries, then
// DLQ'd.
func IsHandled(err error) bool {
	if err == nil {
		return false
	}
	var h Handleable
	if errors.As(err, &h) {
		return h.Handled()
	}
	return false
}
