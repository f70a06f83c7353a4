package iothub

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/Azure/go-amqp"
	"github.com/gorilla/websocket"
)

// AMQP error conditions the service reports.
const (
	ConditionUnauthorizedAccess  = "amqp:unauthorized-access"
	ConditionResourceLimit       = "amqp:resource-limit-exceeded"
	ConditionNotFound            = "amqp:not-found"
	ConditionMessageSizeExceeded = "amqp:link:message-size-exceeded"
	ConditionConnectionForced    = "amqp:connection:forced"
	ConditionDetachForced        = "amqp:link:detach-forced"
	ConditionServerBusy          = "com.microsoft:server-busy"
	ConditionTimeout             = "com.microsoft:timeout"
)

// OutcomeKind is the protocol verdict on one delivery.
type OutcomeKind int

// Outcome kinds.
const (
	OutcomeAccepted OutcomeKind = iota
	OutcomeRejected
	OutcomeReleased
)

func (kind OutcomeKind) String() string {
	switch kind {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeReleased:
		return "released"
	}
	return "unknown"
}

// Outcome is the settled state of a send or a receive disposition.
type Outcome struct {
	Kind        OutcomeKind
	Condition   string
	Description string
}

// Accepted returns the accepted outcome.
func Accepted() Outcome { return Outcome{Kind: OutcomeAccepted} }

// Rejected returns a rejected outcome carrying condition.
func Rejected(condition string, description string) Outcome {
	return Outcome{Kind: OutcomeRejected, Condition: condition, Description: description}
}

// Released returns the released outcome.
func Released() Outcome { return Outcome{Kind: OutcomeReleased} }

// OutcomeTranslator maps transport errors and delivery outcomes into the
// package error taxonomy.
type OutcomeTranslator struct {
	classifier FatalClassifier
}

// NewOutcomeTranslator returns a translator consulting classifier for
// fatal errors. A nil classifier uses DefaultFatalClassifier.
func NewOutcomeTranslator(classifier FatalClassifier) *OutcomeTranslator {
	if classifier == nil {
		classifier = DefaultFatalClassifier{}
	}
	return &OutcomeTranslator{classifier: classifier}
}

// IsFatal reports whether err must bypass translation.
func (translator *OutcomeTranslator) IsFatal(err error) bool {
	if translator == nil || translator.classifier == nil {
		return DefaultFatalClassifier{}.IsFatal(err)
	}
	return translator.classifier.IsFatal(err)
}

// TranslateOutcome returns nil for Accepted and a taxonomy error otherwise.
func (translator *OutcomeTranslator) TranslateOutcome(outcome Outcome) error {
	switch outcome.Kind {
	case OutcomeAccepted:
		return nil
	case OutcomeReleased:
		return NewError(CommunicationError, "message released by the service")
	}
	return conditionToError(outcome.Condition, outcome.Description, nil)
}

// TranslateError maps err into the taxonomy. Fatal errors and errors that
// already are *Error come back unchanged.
func (translator *OutcomeTranslator) TranslateError(err error) error {
	if err == nil {
		return nil
	}
	if translator.IsFatal(err) {
		return err
	}

	var typed *Error
	if errors.As(err, &typed) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(TimeoutError, "operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(CommunicationError, "operation cancelled", err)
	}

	var connErr *amqp.ConnError
	if errors.As(err, &connErr) {
		return remoteOrCommunication(connErr.RemoteErr, err)
	}
	var sessionErr *amqp.SessionError
	if errors.As(err, &sessionErr) {
		return remoteOrCommunication(sessionErr.RemoteErr, err)
	}
	var linkErr *amqp.LinkError
	if errors.As(err, &linkErr) {
		if linkErr.RemoteErr != nil {
			return conditionToError(string(linkErr.RemoteErr.Condition), linkErr.RemoteErr.Description, err)
		}
		return NewError(CommunicationError, "link detached", err)
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return conditionToError(string(amqpErr.Condition), amqpErr.Description, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewError(TimeoutError, "network timeout", err)
		}
		return NewError(CommunicationError, err)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return NewError(CommunicationError, "websocket closed", err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return NewError(CommunicationError, err)
	}

	return NewError(ProtocolError, err)
}

// remoteOrCommunication classifies a connection or session level fault.
// Only an explicit authorization failure escapes CommunicationError.
func remoteOrCommunication(remote *amqp.Error, cause error) error {
	if remote != nil && string(remote.Condition) == ConditionUnauthorizedAccess {
		return NewError(UnauthorizedError, remote.Description, cause)
	}
	return NewError(CommunicationError, "connection lost", cause)
}

func conditionToError(condition string, description string, cause error) error {
	code := ProtocolError

	switch condition {
	case ConditionUnauthorizedAccess:
		code = UnauthorizedError
	case ConditionResourceLimit:
		code = QueueDepthExceededError
	case ConditionNotFound:
		code = DeviceNotFoundError
	case ConditionMessageSizeExceeded:
		code = MessageTooLargeError
	case ConditionTimeout:
		code = TimeoutError
	case ConditionConnectionForced, ConditionDetachForced, ConditionServerBusy:
		code = CommunicationError
	}

	message := condition
	if description != "" {
		message = condition + ": " + description
	}
	return &Error{Code: code, Message: message, Cause: cause}
}
