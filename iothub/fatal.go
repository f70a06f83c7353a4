package iothub

import (
	"errors"
	"runtime"
)

// FatalClassifier decides whether an error is unrecoverable. Fatal errors
// are returned unchanged by every layer: never translated, retried or
// swallowed.
type FatalClassifier interface {
	IsFatal(err error) bool
}

// FatalError marks a fault the process should not try to recover from.
type FatalError struct {
	Err error
}

func (err *FatalError) Error() string {
	if err.Err == nil {
		return "fatal error"
	}
	return "fatal error: " + err.Err.Error()
}

func (err *FatalError) Unwrap() error {
	return err.Err
}

// DefaultFatalClassifier treats *FatalError and runtime.Error (a recovered
// runtime panic) as fatal.
type DefaultFatalClassifier struct{}

// IsFatal implements FatalClassifier.
func (DefaultFatalClassifier) IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return true
	}
	var runtimeErr runtime.Error
	return errors.As(err, &runtimeErr)
}

// FatalClassifierFunc adapts a function to FatalClassifier.
type FatalClassifierFunc func(err error) bool

// IsFatal implements FatalClassifier.
func (classify FatalClassifierFunc) IsFatal(err error) bool {
	return classify(err)
}
