package status

import (
	"errors"
	"fmt"
)

const (
	// InvalidArgument indicates a malformed request or parameter
	InvalidArgument Type = 1

	// NotFound indicates that the object wasn't found in the store
	NotFound Type = 2

	// AlreadyExists indicates that the object already exists
	AlreadyExists Type = 3

	// PermissionDenied indicates that the operation is not allowed
	PermissionDenied Type = 4

	// Unauthenticated indicates absence of valid credentials
	Unauthenticated Type = 5

	// PreconditionFailed indicates that some pre-condition for the operation hasn't been fulfilled
	PreconditionFailed Type = 6

	// Internal indicates some generic internal error
	Internal Type = 7

	// TooManyRequests indicates that the remote side rate limited us and retries were exhausted
	TooManyRequests Type = 8

	// Locked indicates that the key is locked and its private material is not in memory
	Locked Type = 9
)

// Type is a type of the Error
type Type int32

func (t Type) String() string {
	switch t {
	case InvalidArgument:
		return "invalid argument"
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case PermissionDenied:
		return "permission denied"
	case Unauthenticated:
		return "unauthenticated"
	case PreconditionFailed:
		return "precondition failed"
	case TooManyRequests:
		return "too many requests"
	case Locked:
		return "locked"
	default:
		return "internal"
	}
}

// Error is an internal error
type Error struct {
	ErrorType Type
	Message   string
}

// Type returns the Type of the error
func (e *Error) Type() Type {
	return e.ErrorType
}

// Error is an error string
func (e *Error) Error() string {
	return e.Message
}

// Errorf returns Error(ErrorType, fmt.Sprintf(format, a...)).
func Errorf(errorType Type, format string, a ...interface{}) error {
	return &Error{
		ErrorType: errorType,
		Message:   fmt.Sprintf(format, a...),
	}
}

// FromError returns Error, true if the provided error is of type of Error. nil, false otherwise
func FromError(err error) (s *Error, ok bool) {
	if err == nil {
		return nil, true
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsType reports whether err carries the given status type
func IsType(err error, t Type) bool {
	s, ok := FromError(err)
	return ok && s != nil && s.ErrorType == t
}

// NewKeyNotFoundError creates a new Error with NotFound type for a missing signing key
func NewKeyNotFoundError(pubkey string) error {
	return Errorf(NotFound, "key not found: %s", pubkey)
}

// NewAppNotFoundError creates a new Error with NotFound type for a missing app connection
func NewAppNotFoundError(owner, app string) error {
	return Errorf(NotFound, "app %s not found for key %s", app, owner)
}

// NewPendingNotFoundError creates a new Error with NotFound type for an unknown pending request
func NewPendingNotFoundError(id string) error {
	return Errorf(NotFound, "pending request not found: %s", id)
}

// NewKeyLockedError creates a new Error with Locked type
func NewKeyLockedError(pubkey string) error {
	return Errorf(Locked, "key %s is locked", pubkey)
}
