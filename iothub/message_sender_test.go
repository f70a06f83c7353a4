package iothub

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/stretchr/testify/require"
)

func TestMessageSenderSendsToDevice(t *testing.T) {
	h := newHarness(t)
	sender := NewMessageSender(h.manager, DefaultSenderOptions())
	defer sender.Close(context.Background())

	err := sender.Send(context.Background(), "device-1", &Message{Body: []byte("hello"), Ack: AckPositive})
	require.NoError(t, err)

	links := h.lastSession().sendersTo(cloudToDevicePath)
	require.Len(t, links, 1)
	sent := links[0].sender.sentMessages()
	require.Len(t, sent, 1)
	require.Equal(t, "/devices/device-1/messages/devicebound", *sent[0].Properties.To)
	require.Equal(t, "positive", sent[0].ApplicationProperties[applicationPropertyAck])
	require.Len(t, sent[0].DeliveryTag, DeliveryTagLength)

	require.NoError(t, sender.SendToModule(context.Background(), "device-1", "module-a", &Message{Body: []byte("again")}))
	require.Len(t, h.lastSession().sendersTo(cloudToDevicePath), 1, "the link is reused")
}

func TestMessageSenderValidatesArguments(t *testing.T) {
	h := newHarness(t)
	sender := NewMessageSender(h.manager, SenderOptions{})
	require.ErrorIs(t, sender.Send(context.Background(), "", &Message{}), ErrInvalidArgument)
	require.ErrorIs(t, sender.Send(context.Background(), "device-1", nil), ErrInvalidArgument)
}

func TestMessageSenderReattachesAfterCommunicationError(t *testing.T) {
	h := newHarness(t)
	var failures atomic.Int32
	failures.Store(1)
	sender := NewMessageSender(h.manager, SenderOptions{
		LinkTimeout:     time.Minute,
		MaxSendAttempts: 3,
		Retry:           NewFixedRetryStrategy(0),
	})
	defer sender.Close(context.Background())
	require.NoError(t, sender.Open(context.Background(), time.Minute))

	first := h.lastSession().sendersTo(cloudToDevicePath)[0].sender
	first.onSend = func(message *amqp.Message) error {
		if failures.Add(-1) >= 0 {
			return &amqp.LinkError{}
		}
		return nil
	}

	require.NoError(t, sender.Send(context.Background(), "device-1", &Message{Body: []byte("x")}))
	links := h.lastSession().sendersTo(cloudToDevicePath)
	require.Len(t, links, 2, "a fresh link is attached after the detach")
	require.True(t, links[0].sender.isClosed())
	require.Len(t, links[1].sender.sentMessages(), 1)
}

func TestMessageSenderStopsOnNonRetryableError(t *testing.T) {
	h := newHarness(t)
	sender := NewMessageSender(h.manager, SenderOptions{MaxSendAttempts: 5})
	defer sender.Close(context.Background())
	require.NoError(t, sender.Open(context.Background(), time.Minute))

	link := h.lastSession().sendersTo(cloudToDevicePath)[0].sender
	link.onSend = func(message *amqp.Message) error {
		return &amqp.Error{Condition: amqp.ErrCond(ConditionMessageSizeExceeded)}
	}

	err := sender.Send(context.Background(), "device-1", &Message{Body: make([]byte, 10)})
	require.ErrorIs(t, err, ErrMessageTooLarge)
	require.Len(t, link.sentMessages(), 1)
}

func TestMessageSenderGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.prepare = func(session *fakeSession) {
		session.senderErr[cloudToDevicePath] = &amqp.Error{Condition: amqp.ErrCond(ConditionServerBusy)}
	}
	sender := NewMessageSender(h.manager, SenderOptions{
		MaxSendAttempts: 3,
		Retry:           NewFixedRetryStrategy(time.Second),
	})

	result := make(chan error, 1)
	go func() {
		result <- sender.Send(context.Background(), "device-1", &Message{})
	}()
	for attempt := 0; attempt < 2; attempt++ {
		h.clock.WaitForTimers(2)
		h.clock.Advance(time.Second)
	}
	require.ErrorIs(t, <-result, ErrCommunication)
}

func TestRetryStrategies(t *testing.T) {
	fixed := NewFixedRetryStrategy(250 * time.Millisecond)
	require.Equal(t, 250*time.Millisecond, fixed.NextDelay(1))
	require.Equal(t, 250*time.Millisecond, fixed.NextDelay(9))
	require.Equal(t, time.Duration(0), NewFixedRetryStrategy(-time.Second).NextDelay(1))

	exponential := NewExponentialRetryStrategy(50*time.Millisecond, 400*time.Millisecond, 2)
	require.Equal(t, 50*time.Millisecond, exponential.NextDelay(1))
	require.Equal(t, 100*time.Millisecond, exponential.NextDelay(2))
	require.Equal(t, 200*time.Millisecond, exponential.NextDelay(3))
	require.Equal(t, 400*time.Millisecond, exponential.NextDelay(4))
	require.Equal(t, 400*time.Millisecond, exponential.NextDelay(10))
	require.Equal(t, 50*time.Millisecond, exponential.NextDelay(0))

	defaults := NewExponentialRetryStrategy(time.Second, 0, 0)
	require.Equal(t, 30*time.Second, defaults.MaxDelay)
	require.Equal(t, float64(2), defaults.Factor)

	var nilStrategy *ExponentialRetryStrategy
	require.Equal(t, time.Duration(0), nilStrategy.NextDelay(3))
}
