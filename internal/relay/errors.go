package relay

import "fmt"

// Kind classifies why a stream request did not complete normally.
type Kind int

const (
	Unauthenticated Kind = iota + 1
	BadRequest
	Forbidden
	CapacityExceeded
	RateLimited
	UpstreamError
	PersistenceError
	ClientDisconnected
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case BadRequest:
		return "bad_request"
	case Forbidden:
		return "forbidden"
	case CapacityExceeded:
		return "capacity_exceeded"
	case RateLimited:
		return "rate_limited"
	case UpstreamError:
		return "upstream_error"
	case PersistenceError:
		return "persistence_error"
	case ClientDisconnected:
		return "client_disconnected"
	}
	return "unknown"
}

// Error is returned by Run for every failure that happens before the event
// stream is opened. Message is safe to show to the caller.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

const (
	msgUnauthorized    = "Unauthorized"
	msgForbidden       = "Forbidden"
	msgAtCapacity      = "Server is at capacity. Please try again later."
	msgTooManyStreams  = "Too many concurrent streams. Please wait for existing streams to complete."
	msgSaveFailed      = "Failed to save message"
	msgUpstreamFailed  = "Connection to AI service failed"
	msgOwnershipFailed = "Failed to verify chat ownership"
)
