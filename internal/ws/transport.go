package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dgnsrekt/logtail/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// Queued frames per connection once open.
	sendBufferSize = 256

	defaultHandshakeTimeout = 10 * time.Second
)

// Dialer opens transport sockets.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Socket, error)
}

// Socket is one open transport connection. ReadMessage is called from a
// single goroutine; WriteMessage and Ping from another. Close may be called
// concurrently with both.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	Close() error
}

// DialerOption configures a WebsocketDialer.
type DialerOption func(*WebsocketDialer)

// WithHandshakeTimeout bounds the websocket opening handshake.
func WithHandshakeTimeout(d time.Duration) DialerOption {
	return func(wd *WebsocketDialer) { wd.dialer.HandshakeTimeout = d }
}

// WithHeader adds request headers sent with the handshake.
func WithHeader(h http.Header) DialerOption {
	return func(wd *WebsocketDialer) { wd.header = h }
}

// WebsocketDialer dials gorilla websocket connections framed for a codec.
type WebsocketDialer struct {
	dialer  *websocket.Dialer
	header  http.Header
	msgType int
}

// NewDialer creates a Dialer that requests codec's subprotocol and sends text
// or binary frames to match it.
func NewDialer(codec protocol.Codec, opts ...DialerOption) *WebsocketDialer {
	msgType := websocket.TextMessage
	if codec.Binary() {
		msgType = websocket.BinaryMessage
	}

	wd := &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			Subprotocols:     []string{codec.Subprotocol()},
		},
		msgType: msgType,
	}
	for _, opt := range opts {
		opt(wd)
	}
	return wd
}

// Dial opens a websocket to endpoint.
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Socket, error) {
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, d.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	return &wsSocket{conn: conn, msgType: d.msgType}, nil
}

type wsSocket struct {
	conn    *websocket.Conn
	msgType int
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(s.msgType, data)
}

func (s *wsSocket) Ping() error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close sends a normal closure frame and closes the connection.
// WriteControl is safe to call concurrently with WriteMessage.
func (s *wsSocket) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return s.conn.Close()
}

// isClosure reports whether a read error means the peer closed the
// connection rather than a transport failure.
func isClosure(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
