package iothub

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/rs/zerolog"

	"github.com/Thejuampi/iothub-client-go/iothub/internal/clock"
)

// ConnectionManager owns one AMQP connection and session to an IoT hub
// and attaches links on it. The session is opened lazily, shared by every
// link, and replaced transparently after a transport fault. All link
// creation draws on a single time budget per call.
type ConnectionManager struct {
	hostName      string
	audience      string
	provider      TokenProvider
	transport     TransportConfig
	logger        zerolog.Logger
	metrics       Metrics
	clock         clock.Clock
	refreshPolicy RefreshPolicy
	classifier    FatalClassifier

	translator *OutcomeTranslator
	links      *linkFactory
	tags       deliveryTagCounter
	session    *ManagedResource[*connection]
	dialers    map[TransportProtocol]dialFunc
	openConn   connOpener
	closed     atomic.Bool
}

// connection is one live AMQP connection with its session, its $cbs link
// and the scheduler keeping its token fresh.
type connection struct {
	conn      amqpConn
	stream    *watchedConn
	session   amqpSession
	transport TransportProtocol
	cbs       *ManagedResource[*RequestResponseLink]
	refresher *tokenRefreshScheduler
	audience  string
	provider  TokenProvider
	broken    atomic.Bool
}

// NewConnectionManager returns a manager for hostName. Nothing is dialed
// until Open or the first link is requested.
func NewConnectionManager(hostName string, provider TokenProvider, options ...ConnectionOption) *ConnectionManager {
	manager := &ConnectionManager{
		hostName:      hostName,
		audience:      hostName,
		provider:      provider,
		transport:     DefaultTransportConfig(),
		logger:        zerolog.Nop(),
		metrics:       NoopMetrics(),
		clock:         clock.Real(),
		refreshPolicy: DefaultRefreshPolicy(),
		classifier:    DefaultFatalClassifier{},
		dialers: map[TransportProtocol]dialFunc{
			TransportAMQPS:         dialAMQPS,
			TransportAMQPWebSocket: dialWebSocket,
		},
		openConn: openAMQPConn,
	}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}

	manager.logger = manager.logger.With().Str("host", hostName).Logger()
	manager.translator = NewOutcomeTranslator(manager.classifier)
	manager.links = &linkFactory{
		translator: manager.translator,
		metrics:    manager.metrics,
		logger:     manager.logger,
		tags:       &manager.tags,
	}
	manager.session = NewManagedResource(manager.openSession, manager.closeSession).
		SetFaultProbe(func(current *connection) bool { return current.faulted() }).
		SetErrorHandler(func(err error) {
			manager.logger.Debug().Err(err).Msg("session close reported an error")
		})
	return manager
}

// HostName returns the hub host this manager connects to.
func (manager *ConnectionManager) HostName() string { return manager.hostName }

// Translator returns the translator used for every error this manager
// surfaces.
func (manager *ConnectionManager) Translator() *OutcomeTranslator { return manager.translator }

// SessionState reports the lifecycle state of the shared session.
func (manager *ConnectionManager) SessionState() ResourceState {
	return manager.session.State()
}

// Open establishes the session within timeout. It is optional; link
// creation opens the session on demand.
func (manager *ConnectionManager) Open(ctx context.Context, timeout time.Duration) error {
	spend := newBudget(ctx, manager.clock, timeout)
	_, err := manager.resolveSession(ctx, spend)
	return err
}

// CreateSendingLink attaches a sender to path. Session setup and the
// attach share one budget of timeout.
func (manager *ConnectionManager) CreateSendingLink(ctx context.Context, path string, timeout time.Duration) (*SendingLink, error) {
	spend := newBudget(ctx, manager.clock, timeout)
	current, err := manager.resolveSession(ctx, spend)
	if err != nil {
		return nil, err
	}
	link, err := manager.links.attachSender(ctx, spend, current.session, path)
	if err != nil {
		manager.noteLinkFailure(current, err)
		return nil, err
	}
	return link, nil
}

// CreateReceivingLink attaches a receiver to path granting prefetch
// credits. A zero prefetch grants one.
func (manager *ConnectionManager) CreateReceivingLink(ctx context.Context, path string, timeout time.Duration, prefetch uint32) (*ReceivingLink, error) {
	spend := newBudget(ctx, manager.clock, timeout)
	current, err := manager.resolveSession(ctx, spend)
	if err != nil {
		return nil, err
	}
	link, err := manager.links.attachReceiver(ctx, spend, current.session, path, prefetch)
	if err != nil {
		manager.noteLinkFailure(current, err)
		return nil, err
	}
	return link, nil
}

// CreateRequestResponseLink attaches a correlated sender and receiver pair
// to path.
func (manager *ConnectionManager) CreateRequestResponseLink(ctx context.Context, path string, timeout time.Duration) (*RequestResponseLink, error) {
	spend := newBudget(ctx, manager.clock, timeout)
	current, err := manager.resolveSession(ctx, spend)
	if err != nil {
		return nil, err
	}
	link, err := manager.links.attachRequestResponse(ctx, spend, current.session, path)
	if err != nil {
		manager.noteLinkFailure(current, err)
		return nil, err
	}
	return link, nil
}

// NextDeliveryTag returns a tag unique among all tags handed out by this
// manager.
func (manager *ConnectionManager) NextDeliveryTag() DeliveryTag {
	return manager.tags.nextTag()
}

// ConvertLockTokenToDeliveryTag parses a lock token back into the tag of
// the delivery it names.
func (manager *ConnectionManager) ConvertLockTokenToDeliveryTag(lockToken string) (DeliveryTag, error) {
	return ConvertLockTokenToDeliveryTag(lockToken)
}

// Close stops token refresh, closes the session and the connection, and
// refuses further links.
func (manager *ConnectionManager) Close(ctx context.Context) error {
	manager.closed.Store(true)
	return manager.session.Close(ctx)
}

// CloseAsync runs Close on its own goroutine.
func (manager *ConnectionManager) CloseAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- manager.Close(ctx)
	}()
	return done
}

func (manager *ConnectionManager) resolveSession(ctx context.Context, spend budget) (*connection, error) {
	if manager.closed.Load() {
		return nil, NewError(ResourceClosedError, "connection manager closed")
	}
	if current, ok := manager.session.TryGetOpened(); ok {
		return current, nil
	}
	sessionCtx, cancel, err := spend.context(ctx, "session open")
	if err != nil {
		return nil, err
	}
	defer cancel()

	current, err := manager.session.GetOrCreate(withBudget(sessionCtx, spend))
	if err != nil {
		return nil, manager.translator.TranslateError(err)
	}
	return current, nil
}

// noteLinkFailure marks the session broken when an attach failed because
// the session or connection underneath it is gone.
func (manager *ConnectionManager) noteLinkFailure(current *connection, err error) {
	var typed *Error
	if !errors.As(err, &typed) || typed.Code != CommunicationError {
		return
	}
	if isSessionFault(err) {
		current.broken.Store(true)
		manager.logger.Info().Err(err).Msg("session faulted; it will be replaced on next use")
	}
}

// openSession is the session factory: transport connect with WebSocket
// fallback, AMQP open, session begin, then the initial put-token. Every
// step draws on the budget attached to ctx.
func (manager *ConnectionManager) openSession(ctx context.Context) (*connection, error) {
	spend := budgetFromContext(ctx, manager.clock)

	stream, protocol, err := manager.dial(ctx, spend)
	if err != nil {
		return nil, err
	}
	watched := newWatchedConn(stream)

	openCtx, cancel, err := spend.context(ctx, "amqp open")
	if err != nil {
		_ = watched.Close()
		return nil, err
	}
	conn, err := manager.openConn(openCtx, watched, manager.hostName, manager.transport)
	cancel()
	if err != nil {
		_ = watched.Close()
		return nil, manager.translator.TranslateError(err)
	}

	beginCtx, cancel, err := spend.context(ctx, "session begin")
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	session, err := conn.NewSession(beginCtx)
	cancel()
	if err != nil {
		_ = conn.Close()
		return nil, manager.translator.TranslateError(err)
	}

	current := &connection{
		conn:      conn,
		stream:    watched,
		session:   session,
		transport: protocol,
		audience:  manager.audience,
		provider:  manager.provider,
	}
	current.cbs = NewManagedResource(
		func(ctx context.Context) (*RequestResponseLink, error) {
			return manager.links.attachRequestResponse(ctx, budgetFromContext(ctx, manager.clock), session, cbsAddress)
		},
		func(ctx context.Context, link *RequestResponseLink) error {
			return link.Close(ctx)
		},
	)

	authCtx, cancel, err := spend.context(ctx, "put-token")
	if err != nil {
		manager.teardown(ctx, current)
		return nil, err
	}
	credential, err := current.authenticate(withBudget(authCtx, spend))
	cancel()
	if err != nil {
		manager.teardown(ctx, current)
		if manager.translator.IsFatal(err) {
			return nil, err
		}
		return nil, manager.translator.TranslateError(err)
	}

	current.refresher = newTokenRefreshScheduler(manager.clock, manager.refreshPolicy, current.refreshToken,
		manager.logger.With().Str("transport", protocol.String()).Logger(), manager.metrics)
	current.refresher.start(credential)

	manager.metrics.SessionOpened(protocol)
	event := manager.logger.Info().Str("transport", protocol.String())
	if !credential.Infinite() {
		event = event.Time("token_expiry", credential.Expiry)
	}
	event.Msg("session opened")
	return current, nil
}

// dial connects with the configured protocol and, when allowed, falls back
// to WebSocket on a non-fatal failure with budget left.
func (manager *ConnectionManager) dial(ctx context.Context, spend budget) (net.Conn, TransportProtocol, error) {
	order := []TransportProtocol{manager.transport.Protocol}
	if manager.transport.Protocol == TransportAMQPS && manager.transport.WebSocketFallback {
		order = append(order, TransportAMQPWebSocket)
	}

	var lastErr error
	for index, protocol := range order {
		attempt := spend
		if index == 0 {
			attempt = spend.capped(manager.transport.ConnectTimeout)
		}
		dialCtx, cancel, err := attempt.context(ctx, protocol.String()+" connect")
		if err != nil {
			if lastErr != nil {
				return nil, protocol, lastErr
			}
			return nil, protocol, err
		}
		stream, err := manager.dialers[protocol](dialCtx, manager.hostName, manager.transport)
		cancel()
		if err == nil {
			return stream, protocol, nil
		}
		if manager.translator.IsFatal(err) {
			return nil, protocol, err
		}
		lastErr = manager.translator.TranslateError(err)
		if index+1 < len(order) {
			manager.logger.Warn().Err(err).Str("transport", protocol.String()).
				Str("fallback", order[index+1].String()).Msg("transport connect failed; falling back")
		}
	}
	return nil, order[len(order)-1], lastErr
}

// closeSession is the session closer. The scheduler stops first so no
// refresh races the teardown.
func (manager *ConnectionManager) closeSession(ctx context.Context, current *connection) error {
	err := manager.teardown(ctx, current)
	manager.metrics.SessionClosed()
	manager.logger.Info().Str("transport", current.transport.String()).Msg("session closed")
	return err
}

func (manager *ConnectionManager) teardown(ctx context.Context, current *connection) error {
	current.refresher.stop()
	if current.cbs != nil {
		_ = current.cbs.Close(ctx)
	}
	sessionErr := current.session.Close(ctx)
	connErr := current.conn.Close()
	if current.faulted() {
		// Closing a dead transport always errors; that is not news.
		return nil
	}
	return errors.Join(sessionErr, connErr)
}

// faulted reports whether the transport dropped or a link attach found
// the session gone.
func (current *connection) faulted() bool {
	if current.broken.Load() {
		return true
	}
	select {
	case <-current.stream.Done():
		return true
	default:
		return false
	}
}

// authenticate fetches a credential and puts it on the $cbs node.
func (current *connection) authenticate(ctx context.Context) (Credential, error) {
	credential, err := current.provider.Token(ctx, current.audience)
	if err != nil {
		return Credential{}, err
	}
	link, err := current.cbs.GetOrCreate(ctx)
	if err != nil {
		return Credential{}, err
	}
	if err := putToken(ctx, link, current.audience, credential); err != nil {
		// A fresh $cbs link is attached for the next attempt.
		_ = current.cbs.Close(ctx)
		return Credential{}, err
	}
	return credential, nil
}

// refreshToken is the scheduler's renewal action.
func (current *connection) refreshToken(ctx context.Context) (Credential, error) {
	return current.authenticate(ctx)
}

func isSessionFault(err error) bool {
	var sessionErr *amqp.SessionError
	var connErr *amqp.ConnError
	return errors.As(err, &sessionErr) || errors.As(err, &connErr) || errors.Is(err, net.ErrClosed)
}
