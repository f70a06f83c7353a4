package iothub

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/go-amqp"

	"github.com/Thejuampi/iothub-client-go/iothub/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSender struct {
	lock     sync.Mutex
	sent     []*amqp.Message
	onSend   func(message *amqp.Message) error
	closed   bool
	closeErr error
}

func (sender *fakeSender) Send(ctx context.Context, message *amqp.Message, options *amqp.SendOptions) error {
	sender.lock.Lock()
	sender.sent = append(sender.sent, message)
	onSend := sender.onSend
	sender.lock.Unlock()
	if onSend != nil {
		return onSend(message)
	}
	return nil
}

func (sender *fakeSender) Close(ctx context.Context) error {
	sender.lock.Lock()
	defer sender.lock.Unlock()
	sender.closed = true
	return sender.closeErr
}

func (sender *fakeSender) sentMessages() []*amqp.Message {
	sender.lock.Lock()
	defer sender.lock.Unlock()
	return append([]*amqp.Message(nil), sender.sent...)
}

func (sender *fakeSender) isClosed() bool {
	sender.lock.Lock()
	defer sender.lock.Unlock()
	return sender.closed
}

type fakeReceiver struct {
	messages   chan *amqp.Message
	lock       sync.Mutex
	receiveErr error
	accepted   []*amqp.Message
	rejected   []*amqp.Error
	released   []*amqp.Message
	closed     bool
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{messages: make(chan *amqp.Message, 16)}
}

func (receiver *fakeReceiver) Receive(ctx context.Context, options *amqp.ReceiveOptions) (*amqp.Message, error) {
	receiver.lock.Lock()
	receiveErr := receiver.receiveErr
	receiver.lock.Unlock()
	if receiveErr != nil {
		return nil, receiveErr
	}
	select {
	case message := <-receiver.messages:
		return message, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (receiver *fakeReceiver) AcceptMessage(ctx context.Context, message *amqp.Message) error {
	receiver.lock.Lock()
	defer receiver.lock.Unlock()
	receiver.accepted = append(receiver.accepted, message)
	return nil
}

func (receiver *fakeReceiver) RejectMessage(ctx context.Context, message *amqp.Message, rejectErr *amqp.Error) error {
	receiver.lock.Lock()
	defer receiver.lock.Unlock()
	receiver.rejected = append(receiver.rejected, rejectErr)
	return nil
}

func (receiver *fakeReceiver) ReleaseMessage(ctx context.Context, message *amqp.Message) error {
	receiver.lock.Lock()
	defer receiver.lock.Unlock()
	receiver.released = append(receiver.released, message)
	return nil
}

func (receiver *fakeReceiver) Close(ctx context.Context) error {
	receiver.lock.Lock()
	defer receiver.lock.Unlock()
	receiver.closed = true
	return nil
}

func (receiver *fakeReceiver) fail(err error) {
	receiver.lock.Lock()
	receiver.receiveErr = err
	receiver.lock.Unlock()
}

func (receiver *fakeReceiver) counts() (accepted int, rejected int, released int) {
	receiver.lock.Lock()
	defer receiver.lock.Unlock()
	return len(receiver.accepted), len(receiver.rejected), len(receiver.released)
}

type senderRecord struct {
	path    string
	options *amqp.SenderOptions
	sender  *fakeSender
}

type receiverRecord struct {
	path     string
	options  *amqp.ReceiverOptions
	receiver *fakeReceiver
}

// fakeSession answers $cbs put-token requests itself and records every
// other link it is asked to attach.
type fakeSession struct {
	lock         sync.Mutex
	senders      []senderRecord
	receivers    []receiverRecord
	senderErr    map[string]error
	receiverErr  map[string]error
	beforeAttach func(path string)
	cbsStatus    int
	tokens       []*amqp.Message
	cbsReplies   *fakeReceiver
	closed       bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		senderErr:   make(map[string]error),
		receiverErr: make(map[string]error),
		cbsStatus:   200,
		cbsReplies:  newFakeReceiver(),
	}
}

func (session *fakeSession) NewSender(ctx context.Context, target string, options *amqp.SenderOptions) (amqpSender, error) {
	session.lock.Lock()
	hook := session.beforeAttach
	attachErr := session.senderErr[target]
	session.lock.Unlock()
	if hook != nil {
		hook(target)
	}
	if attachErr != nil {
		return nil, attachErr
	}

	sender := &fakeSender{}
	if target == cbsAddress {
		sender.onSend = session.answerPutToken
	}
	session.lock.Lock()
	session.senders = append(session.senders, senderRecord{path: target, options: options, sender: sender})
	session.lock.Unlock()
	return sender, nil
}

func (session *fakeSession) NewReceiver(ctx context.Context, source string, options *amqp.ReceiverOptions) (amqpReceiver, error) {
	session.lock.Lock()
	hook := session.beforeAttach
	attachErr := session.receiverErr[source]
	session.lock.Unlock()
	if hook != nil {
		hook(source)
	}
	if attachErr != nil {
		return nil, attachErr
	}

	receiver := newFakeReceiver()
	if source == cbsAddress {
		receiver = session.cbsReplies
	}
	session.lock.Lock()
	session.receivers = append(session.receivers, receiverRecord{path: source, options: options, receiver: receiver})
	session.lock.Unlock()
	return receiver, nil
}

func (session *fakeSession) Close(ctx context.Context) error {
	session.lock.Lock()
	defer session.lock.Unlock()
	session.closed = true
	return nil
}

func (session *fakeSession) answerPutToken(request *amqp.Message) error {
	session.lock.Lock()
	session.tokens = append(session.tokens, request)
	status := session.cbsStatus
	session.lock.Unlock()

	session.cbsReplies.messages <- &amqp.Message{
		Properties: &amqp.MessageProperties{CorrelationID: request.Properties.MessageID},
		ApplicationProperties: map[string]any{
			cbsPropertyStatusCode:  int32(status),
			cbsPropertyDescription: strconv.Itoa(status),
		},
	}
	return nil
}

func (session *fakeSession) setCBSStatus(status int) {
	session.lock.Lock()
	session.cbsStatus = status
	session.lock.Unlock()
}

func (session *fakeSession) putTokens() []*amqp.Message {
	session.lock.Lock()
	defer session.lock.Unlock()
	return append([]*amqp.Message(nil), session.tokens...)
}

func (session *fakeSession) sendersTo(path string) []senderRecord {
	session.lock.Lock()
	defer session.lock.Unlock()
	var matched []senderRecord
	for _, record := range session.senders {
		if record.path == path {
			matched = append(matched, record)
		}
	}
	return matched
}

func (session *fakeSession) receiversFrom(path string) []receiverRecord {
	session.lock.Lock()
	defer session.lock.Unlock()
	var matched []receiverRecord
	for _, record := range session.receivers {
		if record.path == path {
			matched = append(matched, record)
		}
	}
	return matched
}

func (session *fakeSession) isClosed() bool {
	session.lock.Lock()
	defer session.lock.Unlock()
	return session.closed
}

type fakeConn struct {
	session    *fakeSession
	sessionErr error
	closed     atomic.Bool
}

func (conn *fakeConn) NewSession(ctx context.Context) (amqpSession, error) {
	if conn.sessionErr != nil {
		return nil, conn.sessionErr
	}
	return conn.session, nil
}

func (conn *fakeConn) Close() error {
	conn.closed.Store(true)
	return nil
}

// harness wires a ConnectionManager to in-memory transports on a fake
// clock. Every AMQP open yields a fresh fakeConn and fakeSession.
type harness struct {
	t       *testing.T
	clock   *clock.FakeClock
	manager *ConnectionManager

	lock       sync.Mutex
	conns      []*fakeConn
	streams    []*watchedConn
	dialErr    map[TransportProtocol]error
	dialed     []TransportProtocol
	onDial     func(protocol TransportProtocol)
	onOpen     func()
	prepare    func(session *fakeSession)
	tokenTTL   time.Duration
	tokenErr   error
	tokenCalls atomic.Int32
	openCalls  atomic.Int32
}

func newHarness(t *testing.T, options ...ConnectionOption) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    clock.Fake(epoch),
		dialErr:  make(map[TransportProtocol]error),
		tokenTTL: time.Hour,
	}
	provider := TokenProviderFunc(func(ctx context.Context, audience string) (Credential, error) {
		count := h.tokenCalls.Add(1)
		h.lock.Lock()
		tokenErr := h.tokenErr
		ttl := h.tokenTTL
		h.lock.Unlock()
		if tokenErr != nil {
			return Credential{}, tokenErr
		}
		if ttl == 0 {
			return Credential{Token: "static"}, nil
		}
		return Credential{Token: "token-" + strconv.Itoa(int(count)), Expiry: h.clock.Now().Add(ttl)}, nil
	})

	base := []ConnectionOption{
		withClock(h.clock),
		withDialer(TransportAMQPS, h.dial(TransportAMQPS)),
		withDialer(TransportAMQPWebSocket, h.dial(TransportAMQPWebSocket)),
		withConnOpener(h.open),
	}
	h.manager = NewConnectionManager("hub.example.net", provider, append(base, options...)...)
	t.Cleanup(func() {
		_ = h.manager.Close(context.Background())
	})
	return h
}

func (h *harness) dial(protocol TransportProtocol) dialFunc {
	return func(ctx context.Context, hostName string, config TransportConfig) (net.Conn, error) {
		h.lock.Lock()
		h.dialed = append(h.dialed, protocol)
		dialErr := h.dialErr[protocol]
		onDial := h.onDial
		h.lock.Unlock()
		if onDial != nil {
			onDial(protocol)
		}
		if dialErr != nil {
			return nil, dialErr
		}
		client, server := net.Pipe()
		h.t.Cleanup(func() { _ = server.Close() })
		return client, nil
	}
}

func (h *harness) open(ctx context.Context, stream net.Conn, hostName string, config TransportConfig) (amqpConn, error) {
	h.openCalls.Add(1)
	session := newFakeSession()
	h.lock.Lock()
	prepare := h.prepare
	onOpen := h.onOpen
	h.lock.Unlock()
	if prepare != nil {
		prepare(session)
	}
	if onOpen != nil {
		onOpen()
	}
	conn := &fakeConn{session: session}
	h.lock.Lock()
	h.conns = append(h.conns, conn)
	if watched, ok := stream.(*watchedConn); ok {
		h.streams = append(h.streams, watched)
	}
	h.lock.Unlock()
	return conn, nil
}

func (h *harness) lastConn() *fakeConn {
	h.lock.Lock()
	defer h.lock.Unlock()
	if len(h.conns) == 0 {
		h.t.Fatalf("no connection opened")
	}
	return h.conns[len(h.conns)-1]
}

func (h *harness) lastSession() *fakeSession {
	return h.lastConn().session
}

func (h *harness) lastStream() *watchedConn {
	h.lock.Lock()
	defer h.lock.Unlock()
	if len(h.streams) == 0 {
		h.t.Fatalf("no stream dialed")
	}
	return h.streams[len(h.streams)-1]
}

func (h *harness) dialedProtocols() []TransportProtocol {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]TransportProtocol(nil), h.dialed...)
}

func (h *harness) failDial(protocol TransportProtocol, err error) {
	h.lock.Lock()
	h.dialErr[protocol] = err
	h.lock.Unlock()
}

func (h *harness) setTokenErr(err error) {
	h.lock.Lock()
	h.tokenErr = err
	h.lock.Unlock()
}

// eventually polls condition until it holds or a second passes.
func eventually(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never held: %s", message)
}
