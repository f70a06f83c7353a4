package iothub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
)

// ReceiverKind selects the service-bound queue a Receiver drains.
type ReceiverKind int

// Receiver kinds.
const (
	ReceiverKindFeedback ReceiverKind = iota
	ReceiverKindFileNotification
)

// Path returns the source address for kind.
func (kind ReceiverKind) Path() string {
	switch kind {
	case ReceiverKindFeedback:
		return "/messages/serviceBound/feedback"
	case ReceiverKindFileNotification:
		return "/messages/serviceBound/filenotifications"
	}
	return ""
}

func (kind ReceiverKind) String() string {
	switch kind {
	case ReceiverKindFeedback:
		return "feedback"
	case ReceiverKindFileNotification:
		return "file-notification"
	}
	return "unknown"
}

// DefaultPrefetch is the link credit receivers grant when none is given.
const DefaultPrefetch = 10

const conditionDecodeError = "amqp:decode-error"

// Receiver drains one service-bound queue, decoding each message into T.
// Received messages stay unsettled until Complete or Abandon is called
// with their lock token.
type Receiver[T any] struct {
	manager  *ConnectionManager
	kind     ReceiverKind
	prefetch uint32
	decode   func(message *amqp.Message) (T, error)
	link     *ManagedResource[*ReceivingLink]

	lock    sync.Mutex
	pending map[string]pendingDelivery
}

type pendingDelivery struct {
	link    *ReceivingLink
	message *amqp.Message
}

// NewReceiver returns a receiver of kind that decodes with decode.
func NewReceiver[T any](manager *ConnectionManager, kind ReceiverKind, prefetch uint32, decode func(message *amqp.Message) (T, error)) *Receiver[T] {
	if prefetch == 0 {
		prefetch = DefaultPrefetch
	}
	receiver := &Receiver[T]{
		manager:  manager,
		kind:     kind,
		prefetch: prefetch,
		decode:   decode,
		pending:  make(map[string]pendingDelivery),
	}
	receiver.link = NewManagedResource(
		func(ctx context.Context) (*ReceivingLink, error) {
			return manager.CreateReceivingLink(ctx, kind.Path(), 0, prefetch)
		},
		func(ctx context.Context, link *ReceivingLink) error {
			return link.Close(ctx)
		},
	).SetErrorHandler(func(err error) {
		manager.logger.Debug().Err(err).Str("receiver", kind.String()).Msg("closing receiving link")
	})
	return receiver
}

// NewFeedbackReceiver returns a receiver of delivery feedback batches.
func NewFeedbackReceiver(manager *ConnectionManager, prefetch uint32) *Receiver[FeedbackBatch] {
	return NewReceiver(manager, ReceiverKindFeedback, prefetch, decodeFeedbackBatch)
}

// NewFileNotificationReceiver returns a receiver of file upload
// notifications.
func NewFileNotificationReceiver(manager *ConnectionManager, prefetch uint32) *Receiver[FileUploadNotification] {
	return NewReceiver(manager, ReceiverKindFileNotification, prefetch, decodeFileUploadNotification)
}

// Kind returns the queue this receiver drains.
func (receiver *Receiver[T]) Kind() ReceiverKind { return receiver.kind }

// Open attaches the receiving link within timeout.
func (receiver *Receiver[T]) Open(ctx context.Context, timeout time.Duration) error {
	_, err := receiver.resolveLink(ctx, timeout)
	return err
}

// Receive waits up to timeout for the next message. A zero timeout waits
// until ctx ends. Nothing arriving in time yields TimeoutError. A message
// that cannot be decoded is rejected and reported as ProtocolError.
func (receiver *Receiver[T]) Receive(ctx context.Context, timeout time.Duration) (T, string, error) {
	var zero T
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	link, err := receiver.resolveLink(ctx, 0)
	if err != nil {
		return zero, "", err
	}
	message, err := link.Receive(ctx)
	if err != nil {
		if errors.Is(err, ErrCommunication) {
			receiver.forget(link)
			_ = receiver.link.Close(context.WithoutCancel(ctx))
		}
		return zero, "", err
	}

	value, err := receiver.decode(message)
	if err != nil {
		if rejectErr := link.Reject(ctx, message, conditionDecodeError, err.Error()); rejectErr != nil {
			receiver.manager.logger.Debug().Err(rejectErr).Msg("rejecting undecodable message")
		}
		return zero, "", err
	}

	lockToken, err := DeliveryTag(message.DeliveryTag).LockToken()
	if err != nil {
		// Service tags are normally 16 bytes; fall back to a local token.
		lockToken, _ = receiver.manager.NextDeliveryTag().LockToken()
	}
	receiver.lock.Lock()
	receiver.pending[lockToken] = pendingDelivery{link: link, message: message}
	receiver.lock.Unlock()
	return value, lockToken, nil
}

// Complete accepts the message named by lockToken.
func (receiver *Receiver[T]) Complete(ctx context.Context, lockToken string) error {
	delivery, err := receiver.take(lockToken)
	if err != nil {
		return err
	}
	return delivery.link.Accept(ctx, delivery.message)
}

// Abandon releases the message named by lockToken for redelivery.
func (receiver *Receiver[T]) Abandon(ctx context.Context, lockToken string) error {
	delivery, err := receiver.take(lockToken)
	if err != nil {
		return err
	}
	return delivery.link.Release(ctx, delivery.message)
}

// Close detaches the receiving link. Unsettled messages are redelivered
// by the service.
func (receiver *Receiver[T]) Close(ctx context.Context) error {
	receiver.lock.Lock()
	receiver.pending = make(map[string]pendingDelivery)
	receiver.lock.Unlock()
	return receiver.link.Close(ctx)
}

func (receiver *Receiver[T]) take(lockToken string) (pendingDelivery, error) {
	if _, err := ConvertLockTokenToDeliveryTag(lockToken); err != nil {
		return pendingDelivery{}, err
	}
	receiver.lock.Lock()
	defer receiver.lock.Unlock()
	delivery, ok := receiver.pending[lockToken]
	if !ok {
		return pendingDelivery{}, NewError(InvalidArgumentError, "unknown or already settled lock token "+lockToken)
	}
	delete(receiver.pending, lockToken)
	return delivery, nil
}

// forget drops deliveries held on link, which can no longer settle them.
func (receiver *Receiver[T]) forget(link *ReceivingLink) {
	receiver.lock.Lock()
	defer receiver.lock.Unlock()
	for lockToken, delivery := range receiver.pending {
		if delivery.link == link {
			delete(receiver.pending, lockToken)
		}
	}
}

func (receiver *Receiver[T]) resolveLink(ctx context.Context, timeout time.Duration) (*ReceivingLink, error) {
	if link, ok := receiver.link.TryGetOpened(); ok {
		return link, nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return receiver.link.GetOrCreate(ctx)
}
