package iothub

import (
	"context"
	"errors"
	"time"
)

// SenderOptions configures a MessageSender.
type SenderOptions struct {
	// LinkTimeout bounds opening the session and link for one attempt.
	LinkTimeout time.Duration
	// MaxSendAttempts includes the first attempt. Values below 1 mean 1.
	MaxSendAttempts int
	// Retry spaces out attempts after retryable failures.
	Retry RetryStrategy
}

// DefaultSenderOptions retries three times with exponential backoff.
func DefaultSenderOptions() SenderOptions {
	return SenderOptions{
		LinkTimeout:     time.Minute,
		MaxSendAttempts: 3,
		Retry:           NewExponentialRetryStrategy(time.Second, 10*time.Second, 2),
	}
}

// MessageSender sends cloud-to-device messages over one sending link,
// reattaching it after a communication failure.
type MessageSender struct {
	manager *ConnectionManager
	options SenderOptions
	link    *ManagedResource[*SendingLink]
}

// NewMessageSender returns a sender on manager. Nothing is attached until
// Open or the first Send.
func NewMessageSender(manager *ConnectionManager, options SenderOptions) *MessageSender {
	if options.MaxSendAttempts < 1 {
		options.MaxSendAttempts = 1
	}
	if options.Retry == nil {
		options.Retry = NewFixedRetryStrategy(0)
	}
	sender := &MessageSender{manager: manager, options: options}
	sender.link = NewManagedResource(
		func(ctx context.Context) (*SendingLink, error) {
			return manager.CreateSendingLink(ctx, cloudToDevicePath, options.LinkTimeout)
		},
		func(ctx context.Context, link *SendingLink) error {
			return link.Close(ctx)
		},
	).SetErrorHandler(func(err error) {
		manager.logger.Debug().Err(err).Msg("closing sending link")
	})
	return sender
}

// Open attaches the sending link within timeout.
func (sender *MessageSender) Open(ctx context.Context, timeout time.Duration) error {
	_, err := sender.resolveLink(ctx, timeout)
	return err
}

// Send delivers message to deviceID.
func (sender *MessageSender) Send(ctx context.Context, deviceID string, message *Message) error {
	return sender.SendToModule(ctx, deviceID, "", message)
}

// SendToModule delivers message to moduleID on deviceID. Communication
// failures reattach the link and retry up to MaxSendAttempts; any other
// error is returned at once.
func (sender *MessageSender) SendToModule(ctx context.Context, deviceID string, moduleID string, message *Message) error {
	if deviceID == "" {
		return NewError(InvalidArgumentError, "device id is required")
	}
	if message == nil {
		return NewError(InvalidArgumentError, "nil message")
	}

	var lastErr error
	for attempt := 1; attempt <= sender.options.MaxSendAttempts; attempt++ {
		lastErr = sender.sendOnce(ctx, deviceID, moduleID, message)
		if lastErr == nil {
			return nil
		}
		if sender.manager.translator.IsFatal(lastErr) || !IsRetryable(lastErr) {
			return lastErr
		}
		if errors.Is(lastErr, ErrCommunication) {
			_ = sender.link.Close(ctx)
		}
		if attempt == sender.options.MaxSendAttempts {
			break
		}

		delay := sender.options.Retry.NextDelay(attempt)
		sender.manager.logger.Debug().Err(lastErr).Int("attempt", attempt).Dur("delay", delay).
			Str("device", deviceID).Msg("send failed; retrying")
		select {
		case <-ctx.Done():
			return sender.manager.translator.TranslateError(ctx.Err())
		case <-sender.manager.clock.After(delay):
		}
	}
	return lastErr
}

func (sender *MessageSender) sendOnce(ctx context.Context, deviceID string, moduleID string, message *Message) error {
	link, err := sender.resolveLink(ctx, sender.options.LinkTimeout)
	if err != nil {
		return err
	}
	return link.Send(ctx, message.toAMQP(deviceID, moduleID))
}

func (sender *MessageSender) resolveLink(ctx context.Context, timeout time.Duration) (*SendingLink, error) {
	if link, ok := sender.link.TryGetOpened(); ok {
		return link, nil
	}
	linkCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		linkCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return sender.link.GetOrCreate(linkCtx)
}

// Close detaches the sending link. The ConnectionManager stays open.
func (sender *MessageSender) Close(ctx context.Context) error {
	return sender.link.Close(ctx)
}
