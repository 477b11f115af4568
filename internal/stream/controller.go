// Package stream wires a websocket connection to the log store for one
// tailing session.
package stream

import (
	"go.uber.org/zap"

	"github.com/dgnsrekt/logtail/internal/protocol"
	"github.com/dgnsrekt/logtail/internal/store"
	"github.com/dgnsrekt/logtail/internal/ws"
)

// Connection is the part of ws.Manager the controller drives.
type Connection interface {
	Connect(endpoint string) error
	Send(req protocol.StartRequest) error
	Subscribe(fn ws.Subscriber) *ws.Subscription
}

// Option configures a Controller.
type Option func(*Controller)

// WithErrorHandler receives errors raised after Start returns: malformed
// frames from the connection and rejected appends from the store.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Controller) { c.onError = fn }
}

// Controller starts a session: connect, forward entries into the store and
// request the stream from a position.
type Controller struct {
	conn    Connection
	store   *store.Store
	host    string
	secure  bool
	logger  *zap.Logger
	onError func(error)
}

// Endpoint builds the stream URL for host. secure selects wss.
func Endpoint(host string, secure bool) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return scheme + "://" + host + protocol.StreamPath
}

// NewController creates a Controller for the stream served at host.
func NewController(conn Connection, st *store.Store, host string, secure bool, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		conn:   conn,
		store:  st,
		host:   host,
		secure: secure,
		logger: logger,
	}
	c.onError = c.logError
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start connects and requests entries from initialPosition onward.
// Errors from Connect and Send are returned as is.
func (c *Controller) Start(initialPosition int64) error {
	endpoint := Endpoint(c.host, c.secure)
	c.logger.Info("starting stream",
		zap.String("endpoint", endpoint),
		zap.Int64("from", initialPosition),
	)

	if err := c.conn.Connect(endpoint); err != nil {
		return err
	}

	c.conn.Subscribe(c.forward)

	return c.conn.Send(protocol.StartRequest{FromPosition: initialPosition})
}

// Stop does nothing: it neither disconnects nor clears the
// store. Callers that need teardown disconnect the connection directly.
func (c *Controller) Stop() {}

func (c *Controller) forward(entry protocol.LogEntry, err error) {
	if err != nil {
		c.onError(err)
		return
	}
	if err := c.store.Append(entry); err != nil {
		c.onError(err)
	}
}

func (c *Controller) logError(err error) {
	c.logger.Error("stream error", zap.Error(err))
}
