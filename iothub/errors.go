package iothub

import (
	"errors"
	"fmt"
)

// Error codes reported by the client.
const (
	CommunicationError = iota

	UnauthorizedError

	QueueDepthExceededError

	DeviceNotFoundError

	MessageTooLargeError

	TimeoutError

	ProtocolError

	ResourceClosedError

	InvalidArgumentError
)

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrCommunication      = &Error{Code: CommunicationError}
	ErrUnauthorized       = &Error{Code: UnauthorizedError}
	ErrQueueDepthExceeded = &Error{Code: QueueDepthExceededError}
	ErrDeviceNotFound     = &Error{Code: DeviceNotFoundError}
	ErrMessageTooLarge    = &Error{Code: MessageTooLargeError}
	ErrTimeout            = &Error{Code: TimeoutError}
	ErrProtocol           = &Error{Code: ProtocolError}
	ErrResourceClosed     = &Error{Code: ResourceClosedError}
	ErrInvalidArgument    = &Error{Code: InvalidArgumentError}
)

// Error is the single error type crossing the package boundary.
type Error struct {
	Code    int
	Message string
	Cause   error
}

func (err *Error) Error() string {
	name := errorName(err.Code)
	switch {
	case err.Message != "" && err.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", name, err.Message, err.Cause)
	case err.Message != "":
		return fmt.Sprintf("%s: %s", name, err.Message)
	case err.Cause != nil:
		return fmt.Sprintf("%s: %v", name, err.Cause)
	}
	return name
}

func (err *Error) Unwrap() error {
	return err.Cause
}

// Is matches any *Error carrying the same code.
func (err *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == err.Code
}

// Retryable reports whether the operation may succeed if repeated on a
// fresh link or session.
func (err *Error) Retryable() bool {
	switch err.Code {
	case CommunicationError, TimeoutError:
		return true
	}
	return false
}

func errorName(code int) string {
	switch code {
	case CommunicationError:
		return "CommunicationError"
	case UnauthorizedError:
		return "UnauthorizedError"
	case QueueDepthExceededError:
		return "QueueDepthExceededError"
	case DeviceNotFoundError:
		return "DeviceNotFoundError"
	case MessageTooLargeError:
		return "MessageTooLargeError"
	case TimeoutError:
		return "TimeoutError"
	case ProtocolError:
		return "ProtocolError"
	case ResourceClosedError:
		return "ResourceClosedError"
	case InvalidArgumentError:
		return "InvalidArgumentError"
	}
	return "UnknownError"
}

// NewError builds an *Error. The optional message may be a string, an
// error (stored as the cause) or anything printable.
func NewError(errorCode int, message ...interface{}) error {
	err := &Error{Code: errorCode}
	if len(message) > 0 {
		switch value := message[0].(type) {
		case error:
			err.Cause = value
		case string:
			err.Message = value
		default:
			err.Message = fmt.Sprint(value)
		}
	}
	if len(message) > 1 {
		if cause, ok := message[1].(error); ok {
			err.Cause = cause
		}
	}
	return err
}

// IsRetryable reports whether err is a taxonomy error worth retrying.
func IsRetryable(err error) bool {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Retryable()
	}
	return false
}
