package iothub

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// closeTimeout bounds best-effort cleanup of half-open links, which runs
// after the caller's budget may already be spent.
const closeTimeout = 10 * time.Second

// linkFactory attaches links to an open session.
type linkFactory struct {
	translator *OutcomeTranslator
	metrics    Metrics
	logger     zerolog.Logger
	tags       *deliveryTagCounter
}

// attach opens a link of kind to path on the remaining budget. Nothing is
// sent to the service if the budget is already spent.
func (factory *linkFactory) attach(ctx context.Context, spend budget, session amqpSession, path string, kind LinkKind, prefetch uint32) (Link, error) {
	switch kind {
	case LinkSending:
		return factory.attachSender(ctx, spend, session, path)
	case LinkReceiving:
		return factory.attachReceiver(ctx, spend, session, path, prefetch)
	case LinkRequestResponse:
		return factory.attachRequestResponse(ctx, spend, session, path)
	}
	return nil, NewError(InvalidArgumentError, "unknown link kind")
}

func (factory *linkFactory) attachSender(ctx context.Context, spend budget, session amqpSession, path string) (*SendingLink, error) {
	name := linkName(LinkSending)
	properties := linkProperties(spend)
	attachCtx, cancel, err := spend.context(ctx, "sending link open")
	if err != nil {
		return nil, factory.failed(LinkSending, path, err)
	}
	defer cancel()

	settle := amqp.SenderSettleModeUnsettled
	receiverSettle := amqp.ReceiverSettleModeFirst
	sender, err := session.NewSender(attachCtx, path, &amqp.SenderOptions{
		Name:                        name,
		Properties:                  properties,
		SettlementMode:              &settle,
		RequestedReceiverSettleMode: &receiverSettle,
	})
	if err != nil {
		return nil, factory.failed(LinkSending, path, err)
	}

	factory.metrics.LinkAttached(LinkSending, true)
	return &SendingLink{
		name:       name,
		path:       path,
		sender:     sender,
		tags:       factory.tags,
		translator: factory.translator,
	}, nil
}

func (factory *linkFactory) attachReceiver(ctx context.Context, spend budget, session amqpSession, path string, prefetch uint32) (*ReceivingLink, error) {
	if prefetch == 0 {
		prefetch = 1
	}
	if prefetch > math.MaxInt32 {
		prefetch = math.MaxInt32
	}
	name := linkName(LinkReceiving)
	properties := linkProperties(spend)
	attachCtx, cancel, err := spend.context(ctx, "receiving link open")
	if err != nil {
		return nil, factory.failed(LinkReceiving, path, err)
	}
	defer cancel()

	// Second lets callers hold a delivery and settle it later by lock token.
	settle := amqp.ReceiverSettleModeSecond
	senderSettle := amqp.SenderSettleModeUnsettled
	receiver, err := session.NewReceiver(attachCtx, path, &amqp.ReceiverOptions{
		Name:                      name,
		Properties:                properties,
		Credit:                    int32(prefetch),
		SettlementMode:            &settle,
		RequestedSenderSettleMode: &senderSettle,
	})
	if err != nil {
		return nil, factory.failed(LinkReceiving, path, err)
	}

	factory.metrics.LinkAttached(LinkReceiving, true)
	return &ReceivingLink{
		name:       name,
		path:       path,
		prefetch:   prefetch,
		receiver:   receiver,
		translator: factory.translator,
	}, nil
}

func (factory *linkFactory) attachRequestResponse(ctx context.Context, spend budget, session amqpSession, path string) (*RequestResponseLink, error) {
	name := linkName(LinkRequestResponse)
	replyTo := strings.TrimPrefix(path, "$") + "-reply-" + uuid.NewString()
	properties := linkProperties(spend)
	attachCtx, cancel, err := spend.context(ctx, "request-response link open")
	if err != nil {
		return nil, factory.failed(LinkRequestResponse, path, err)
	}
	defer cancel()

	sender, err := session.NewSender(attachCtx, path, &amqp.SenderOptions{
		Name:          name + "-sender",
		Properties:    properties,
		SourceAddress: replyTo,
	})
	if err != nil {
		return nil, factory.failed(LinkRequestResponse, path, err)
	}

	receiver, err := session.NewReceiver(attachCtx, path, &amqp.ReceiverOptions{
		Name:          name + "-receiver",
		Properties:    properties,
		Credit:        1,
		TargetAddress: replyTo,
	})
	if err != nil {
		closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer closeCancel()
		if closeErr := sender.Close(closeCtx); closeErr != nil {
			factory.logger.Debug().Err(closeErr).Str("path", path).Msg("closing half-open request-response sender")
		}
		return nil, factory.failed(LinkRequestResponse, path, err)
	}

	factory.metrics.LinkAttached(LinkRequestResponse, true)
	return &RequestResponseLink{
		name:       name,
		path:       path,
		replyTo:    replyTo,
		sender:     sender,
		receiver:   receiver,
		translator: factory.translator,
	}, nil
}

func (factory *linkFactory) failed(kind LinkKind, path string, err error) error {
	factory.metrics.LinkAttached(kind, false)
	factory.logger.Warn().Err(err).Str("kind", kind.String()).Str("path", path).Msg("link attach failed")
	return factory.translator.TranslateError(err)
}

func linkName(kind LinkKind) string {
	return kind.String() + "-" + uuid.NewString()
}

// linkProperties carries the client version and, for bounded budgets, the
// time left for the attach in milliseconds.
func linkProperties(spend budget) map[string]any {
	properties := map[string]any{propertyClientVersion: UserAgent()}
	if spend.bounded() {
		milliseconds := spend.remaining().Milliseconds()
		if milliseconds > math.MaxUint32 {
			milliseconds = math.MaxUint32
		}
		properties[propertyTimeout] = uint32(milliseconds)
	}
	return properties
}
