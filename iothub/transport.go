package iothub

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/gorilla/websocket"
)

// Service endpoints.
const (
	AMQPSPort            = "5671"
	WebSocketPort        = "443"
	WebSocketPath        = "/$iothub/websocket"
	WebSocketSubprotocol = "AMQPWSB10"
)

// TransportProtocol selects how the AMQP connection reaches the service.
type TransportProtocol int

// Transport protocols.
const (
	TransportAMQPS TransportProtocol = iota
	TransportAMQPWebSocket
)

func (protocol TransportProtocol) String() string {
	switch protocol {
	case TransportAMQPS:
		return "amqps"
	case TransportAMQPWebSocket:
		return "amqps-ws"
	}
	return "unknown"
}

// TransportConfig configures connection establishment. It is passed to a
// ConnectionManager at construction; nothing here is process wide.
type TransportConfig struct {
	// Protocol is tried first.
	Protocol TransportProtocol
	// WebSocketFallback retries over WebSocket when an AMQPS connect fails
	// with time left in the budget.
	WebSocketFallback bool
	// ConnectTimeout caps the primary connect attempt. Zero means the whole
	// remaining budget.
	ConnectTimeout time.Duration
	// TLSConfig is cloned per connection. Nil uses defaults.
	TLSConfig *tls.Config
	// InsecureSkipVerify disables server certificate validation.
	InsecureSkipVerify bool
	// Proxy is used for WebSocket connections. Nil uses the environment.
	Proxy func(*http.Request) (*url.URL, error)
	// IdleTimeout is advertised on the AMQP connection.
	IdleTimeout time.Duration
}

// DefaultTransportConfig returns AMQPS with WebSocket fallback.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Protocol:          TransportAMQPS,
		WebSocketFallback: true,
		ConnectTimeout:    30 * time.Second,
		IdleTimeout:       time.Minute,
	}
}

func (config TransportConfig) tlsConfig(hostName string) *tls.Config {
	var tlsConfig *tls.Config
	if config.TLSConfig != nil {
		tlsConfig = config.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = hostName
	}
	if config.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}
	return tlsConfig
}

// dialFunc opens the raw byte stream the AMQP connection runs over.
type dialFunc func(ctx context.Context, hostName string, config TransportConfig) (net.Conn, error)

func dialAMQPS(ctx context.Context, hostName string, config TransportConfig) (net.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    config.tlsConfig(hostName),
	}
	return dialer.DialContext(ctx, "tcp", net.JoinHostPort(hostName, AMQPSPort))
}

func dialWebSocket(ctx context.Context, hostName string, config TransportConfig) (net.Conn, error) {
	proxy := config.Proxy
	if proxy == nil {
		proxy = http.ProxyFromEnvironment
	}
	dialer := &websocket.Dialer{
		Proxy:           proxy,
		TLSClientConfig: config.tlsConfig(hostName),
		Subprotocols:    []string{WebSocketSubprotocol},
	}
	target := url.URL{Scheme: "wss", Host: net.JoinHostPort(hostName, WebSocketPort), Path: WebSocketPath}
	socket, response, err := dialer.DialContext(ctx, target.String(), nil)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newWebSocketConn(socket), nil
}

// webSocketConn carries the AMQP byte stream in binary WebSocket messages.
type webSocketConn struct {
	socket    *websocket.Conn
	readLock  sync.Mutex
	reader    io.Reader
	writeLock sync.Mutex
}

func newWebSocketConn(socket *websocket.Conn) *webSocketConn {
	return &webSocketConn{socket: socket}
}

func (conn *webSocketConn) Read(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}
	conn.readLock.Lock()
	defer conn.readLock.Unlock()

	for {
		if conn.reader == nil {
			messageType, reader, err := conn.socket.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			conn.reader = reader
		}
		count, err := conn.reader.Read(buffer)
		if errors.Is(err, io.EOF) {
			conn.reader = nil
			if count == 0 {
				continue
			}
			err = nil
		}
		return count, err
	}
}

func (conn *webSocketConn) Write(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}
	conn.writeLock.Lock()
	defer conn.writeLock.Unlock()
	if err := conn.socket.WriteMessage(websocket.BinaryMessage, buffer); err != nil {
		return 0, err
	}
	return len(buffer), nil
}

func (conn *webSocketConn) Close() error {
	conn.writeLock.Lock()
	_ = conn.socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	conn.writeLock.Unlock()
	return conn.socket.Close()
}

func (conn *webSocketConn) LocalAddr() net.Addr  { return conn.socket.LocalAddr() }
func (conn *webSocketConn) RemoteAddr() net.Addr { return conn.socket.RemoteAddr() }

func (conn *webSocketConn) SetDeadline(deadline time.Time) error {
	if err := conn.socket.SetReadDeadline(deadline); err != nil {
		return err
	}
	return conn.socket.SetWriteDeadline(deadline)
}

func (conn *webSocketConn) SetReadDeadline(deadline time.Time) error {
	return conn.socket.SetReadDeadline(deadline)
}

func (conn *webSocketConn) SetWriteDeadline(deadline time.Time) error {
	return conn.socket.SetWriteDeadline(deadline)
}

// watchedConn records the first read or write failure of the underlying
// stream. The AMQP connection reads continuously, so a dropped transport
// shows up here without polling.
type watchedConn struct {
	net.Conn
	once sync.Once
	done chan struct{}
	lock sync.Mutex
	err  error
}

func newWatchedConn(conn net.Conn) *watchedConn {
	return &watchedConn{Conn: conn, done: make(chan struct{})}
}

func (conn *watchedConn) Read(buffer []byte) (int, error) {
	count, err := conn.Conn.Read(buffer)
	if err != nil && !isTimeout(err) {
		conn.fail(err)
	}
	return count, err
}

func (conn *watchedConn) Write(buffer []byte) (int, error) {
	count, err := conn.Conn.Write(buffer)
	if err != nil && !isTimeout(err) {
		conn.fail(err)
	}
	return count, err
}

func (conn *watchedConn) Close() error {
	conn.fail(net.ErrClosed)
	return conn.Conn.Close()
}

func (conn *watchedConn) fail(err error) {
	conn.once.Do(func() {
		conn.lock.Lock()
		conn.err = err
		conn.lock.Unlock()
		close(conn.done)
	})
}

// Done is closed once the stream has failed or been closed.
func (conn *watchedConn) Done() <-chan struct{} {
	return conn.done
}

// Err returns the failure that closed Done.
func (conn *watchedConn) Err() error {
	conn.lock.Lock()
	defer conn.lock.Unlock()
	return conn.err
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// amqpConn is the subset of *amqp.Conn the manager uses.
type amqpConn interface {
	NewSession(ctx context.Context) (amqpSession, error)
	Close() error
}

// amqpSession is the subset of *amqp.Session the manager uses.
type amqpSession interface {
	NewSender(ctx context.Context, target string, options *amqp.SenderOptions) (amqpSender, error)
	NewReceiver(ctx context.Context, source string, options *amqp.ReceiverOptions) (amqpReceiver, error)
	Close(ctx context.Context) error
}

type amqpSender interface {
	Send(ctx context.Context, message *amqp.Message, options *amqp.SendOptions) error
	Close(ctx context.Context) error
}

type amqpReceiver interface {
	Receive(ctx context.Context, options *amqp.ReceiveOptions) (*amqp.Message, error)
	AcceptMessage(ctx context.Context, message *amqp.Message) error
	RejectMessage(ctx context.Context, message *amqp.Message, rejectErr *amqp.Error) error
	ReleaseMessage(ctx context.Context, message *amqp.Message) error
	Close(ctx context.Context) error
}

// connOpener performs the AMQP open handshake over an established stream.
type connOpener func(ctx context.Context, conn net.Conn, hostName string, config TransportConfig) (amqpConn, error)

func openAMQPConn(ctx context.Context, conn net.Conn, hostName string, config TransportConfig) (amqpConn, error) {
	client, err := amqp.NewConn(ctx, conn, &amqp.ConnOptions{
		HostName:    hostName,
		IdleTimeout: config.IdleTimeout,
		SASLType:    amqp.SASLTypeAnonymous(),
		Properties: map[string]any{
			propertyClientVersion: UserAgent(),
		},
	})
	if err != nil {
		return nil, err
	}
	return &goAMQPConn{conn: client}, nil
}

type goAMQPConn struct {
	conn *amqp.Conn
}

func (adapter *goAMQPConn) NewSession(ctx context.Context) (amqpSession, error) {
	session, err := adapter.conn.NewSession(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &goAMQPSession{session: session}, nil
}

func (adapter *goAMQPConn) Close() error {
	return adapter.conn.Close()
}

type goAMQPSession struct {
	session *amqp.Session
}

func (adapter *goAMQPSession) NewSender(ctx context.Context, target string, options *amqp.SenderOptions) (amqpSender, error) {
	sender, err := adapter.session.NewSender(ctx, target, options)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (adapter *goAMQPSession) NewReceiver(ctx context.Context, source string, options *amqp.ReceiverOptions) (amqpReceiver, error) {
	receiver, err := adapter.session.NewReceiver(ctx, source, options)
	if err != nil {
		return nil, err
	}
	return receiver, nil
}

func (adapter *goAMQPSession) Close(ctx context.Context) error {
	return adapter.session.Close(ctx)
}
