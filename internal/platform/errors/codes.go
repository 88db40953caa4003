// Package errors provides structured error handling for the collaboration
// service. Codes double as the wire error codes sent in error frames.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeInternal represents an unexpected failure.
	CodeInternal Code = "INTERNAL"

	// Protocol errors: the event was malformed or out of context.
	CodeProtocol    Code = "PROTOCOL_ERROR"
	CodeNotJoined   Code = "NOT_JOINED"
	CodeNotOwner    Code = "NOT_OWNER"
	CodeRateLimited Code = "RATE_LIMITED"

	// Room errors
	CodeUnknownRoom Code = "UNKNOWN_ROOM"
	CodeRoomClosed  Code = "ROOM_CLOSED"

	// Execution errors
	CodeExecutionTimeout    Code = "EXECUTION_TIMEOUT"
	CodeResourceExceeded    Code = "RESOURCE_EXCEEDED"
	CodeRuntimeError        Code = "RUNTIME_ERROR"
	CodeUnsupportedLanguage Code = "UNSUPPORTED_LANGUAGE"

	// Transport errors
	CodeConnectionLost Code = "CONNECTION_LOST"
)

// WireCode maps a code onto the coarse error class sent to clients.
func (c Code) WireCode() string {
	switch c {
	case CodeProtocol,
		CodeNotJoined,
		CodeNotOwner:
		return string(CodeProtocol)

	case CodeRateLimited,
		CodeResourceExceeded:
		return string(CodeResourceExceeded)

	case CodeUnknownRoom,
		CodeRoomClosed:
		return string(CodeUnknownRoom)

	case CodeExecutionTimeout,
		CodeRuntimeError,
		CodeUnsupportedLanguage,
		CodeConnectionLost:
		return string(c)

	default:
		return string(CodeInternal)
	}
}

// Retryable reports whether a client may resend the same event later.
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimited, CodeRoomClosed, CodeResourceExceeded:
		return true
	default:
		return false
	}
}
