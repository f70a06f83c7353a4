package iothub

import (
	"context"
	"errors"
	"sync"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"
)

// LinkKind is the role of a link.
type LinkKind int

// Link kinds.
const (
	LinkSending LinkKind = iota
	LinkReceiving
	LinkRequestResponse
)

func (kind LinkKind) String() string {
	switch kind {
	case LinkSending:
		return "sender"
	case LinkReceiving:
		return "receiver"
	case LinkRequestResponse:
		return "request-response"
	}
	return "unknown"
}

// Link is an endpoint attached to a session.
type Link interface {
	Name() string
	Path() string
	Kind() LinkKind
	Close(ctx context.Context) error
}

// SendingLink sends messages to one address.
type SendingLink struct {
	name       string
	path       string
	sender     amqpSender
	tags       *deliveryTagCounter
	translator *OutcomeTranslator
}

// Name returns the generated link name.
func (link *SendingLink) Name() string { return link.name }

// Path returns the target address.
func (link *SendingLink) Path() string { return link.path }

// Kind returns LinkSending.
func (link *SendingLink) Kind() LinkKind { return LinkSending }

// Send transmits message and waits for its outcome. A message without a
// delivery tag gets the connection's next tag.
func (link *SendingLink) Send(ctx context.Context, message *amqp.Message) error {
	if message == nil {
		return NewError(InvalidArgumentError, "nil message")
	}
	if len(message.DeliveryTag) == 0 && link.tags != nil {
		message.DeliveryTag = link.tags.nextTag()
	}
	err := link.sender.Send(ctx, message, nil)
	if err == nil {
		return link.translator.TranslateOutcome(Accepted())
	}
	if link.translator.IsFatal(err) {
		return err
	}
	if outcome, ok := sendOutcome(err); ok {
		return link.translator.TranslateOutcome(outcome)
	}
	return link.translator.TranslateError(err)
}

// Close detaches the link.
func (link *SendingLink) Close(ctx context.Context) error {
	return link.translator.TranslateError(link.sender.Close(ctx))
}

// sendOutcome recovers a rejection from a Send error. Link, session and
// connection faults are not outcomes.
func sendOutcome(err error) (Outcome, bool) {
	var linkErr *amqp.LinkError
	var sessionErr *amqp.SessionError
	var connErr *amqp.ConnError
	if errors.As(err, &linkErr) || errors.As(err, &sessionErr) || errors.As(err, &connErr) {
		return Outcome{}, false
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return Rejected(string(amqpErr.Condition), amqpErr.Description), true
	}
	return Outcome{}, false
}

// ReceivingLink receives messages from one address.
type ReceivingLink struct {
	name       string
	path       string
	prefetch   uint32
	receiver   amqpReceiver
	translator *OutcomeTranslator
}

// Name returns the generated link name.
func (link *ReceivingLink) Name() string { return link.name }

// Path returns the source address.
func (link *ReceivingLink) Path() string { return link.path }

// Kind returns LinkReceiving.
func (link *ReceivingLink) Kind() LinkKind { return LinkReceiving }

// Prefetch returns the link credit granted at attach.
func (link *ReceivingLink) Prefetch() uint32 { return link.prefetch }

// Receive blocks until a message arrives or ctx ends.
func (link *ReceivingLink) Receive(ctx context.Context) (*amqp.Message, error) {
	message, err := link.receiver.Receive(ctx, nil)
	if err != nil {
		return nil, link.translator.TranslateError(err)
	}
	return message, nil
}

// Accept settles message as accepted.
func (link *ReceivingLink) Accept(ctx context.Context, message *amqp.Message) error {
	return link.translator.TranslateError(link.receiver.AcceptMessage(ctx, message))
}

// Reject settles message as rejected with condition.
func (link *ReceivingLink) Reject(ctx context.Context, message *amqp.Message, condition string, description string) error {
	rejectErr := &amqp.Error{Condition: amqp.ErrCond(condition), Description: description}
	return link.translator.TranslateError(link.receiver.RejectMessage(ctx, message, rejectErr))
}

// Release hands message back to the service for redelivery.
func (link *ReceivingLink) Release(ctx context.Context, message *amqp.Message) error {
	return link.translator.TranslateError(link.receiver.ReleaseMessage(ctx, message))
}

// Close detaches the link.
func (link *ReceivingLink) Close(ctx context.Context) error {
	return link.translator.TranslateError(link.receiver.Close(ctx))
}

// RequestResponseLink pairs a sender and a receiver on one address and
// correlates responses to requests by message id. Calls are serialized.
type RequestResponseLink struct {
	name       string
	path       string
	replyTo    string
	sender     amqpSender
	receiver   amqpReceiver
	translator *OutcomeTranslator
	lock       sync.Mutex
}

// Name returns the generated link name.
func (link *RequestResponseLink) Name() string { return link.name }

// Path returns the node address.
func (link *RequestResponseLink) Path() string { return link.path }

// Kind returns LinkRequestResponse.
func (link *RequestResponseLink) Kind() LinkKind { return LinkRequestResponse }

// ReplyTo returns the address responses are sent to.
func (link *RequestResponseLink) ReplyTo() string { return link.replyTo }

// Call sends request and returns the response correlated to it.
// Uncorrelated responses are accepted and dropped.
func (link *RequestResponseLink) Call(ctx context.Context, request *amqp.Message) (*amqp.Message, error) {
	if request == nil {
		return nil, NewError(InvalidArgumentError, "nil request")
	}
	link.lock.Lock()
	defer link.lock.Unlock()

	messageID := uuid.NewString()
	if request.Properties == nil {
		request.Properties = &amqp.MessageProperties{}
	}
	request.Properties.MessageID = messageID
	replyTo := link.replyTo
	request.Properties.ReplyTo = &replyTo

	if err := link.sender.Send(ctx, request, nil); err != nil {
		if outcome, ok := sendOutcome(err); ok {
			return nil, link.translator.TranslateOutcome(outcome)
		}
		return nil, link.translator.TranslateError(err)
	}

	for {
		response, err := link.receiver.Receive(ctx, nil)
		if err != nil {
			return nil, link.translator.TranslateError(err)
		}
		if err := link.receiver.AcceptMessage(ctx, response); err != nil {
			return nil, link.translator.TranslateError(err)
		}
		if response.Properties != nil {
			if correlationID, ok := response.Properties.CorrelationID.(string); ok && correlationID == messageID {
				return response, nil
			}
		}
	}
}

// Close detaches both halves.
func (link *RequestResponseLink) Close(ctx context.Context) error {
	senderErr := link.sender.Close(ctx)
	receiverErr := link.receiver.Close(ctx)
	return link.translator.TranslateError(errors.Join(senderErr, receiverErr))
}
