// Package ws manages the client side of the log stream websocket.
package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/logtail/internal/protocol"
)

// Subscriber receives decoded incoming messages. A frame that fails to
// decode is delivered as a zero entry with a non-nil error.
type Subscriber func(entry protocol.LogEntry, err error)

// Subscription is a registered Subscriber.
type Subscription struct {
	id uint64
	m  *Manager
}

// Unsubscribe stops further deliveries. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.m.unsubscribe(s.id)
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver replaces the default zap-backed Observer. Observer methods
// are called with the manager lock held and must not call back into it.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// Manager owns one websocket connection at a time. Messages sent while the
// connection is still opening are buffered and flushed in order on open.
type Manager struct {
	dialer   Dialer
	codec    protocol.Codec
	observer Observer
	logger   *zap.Logger

	mu      sync.Mutex
	state   State
	sess    *session
	buffer  [][]byte
	lastErr error

	subMu  sync.RWMutex
	subs   []subscriber
	nextID uint64
}

type subscriber struct {
	id uint64
	fn Subscriber
}

// session is the lifetime of one Connect call. Signals from a session that
// is no longer current are ignored.
type session struct {
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	socket   Socket
	send     chan []byte
	readDone chan struct{}
}

// NewManager creates a disconnected Manager.
func NewManager(dialer Dialer, codec protocol.Codec, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		dialer:   dialer,
		codec:    codec,
		logger:   logger,
		observer: NewLogObserver(logger),
		state:    StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect starts opening a connection to endpoint and returns immediately.
// The outcome is observed as a transition to StateOpen or StateErrored.
func (m *Manager) Connect(endpoint string) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:       uuid.New().String(),
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan []byte, sendBufferSize),
		readDone: make(chan struct{}),
	}
	m.sess = sess
	m.buffer = make([][]byte, 0)
	m.lastErr = nil
	m.setState(StateConnecting)
	m.mu.Unlock()

	m.logger.Debug("websocket connecting",
		zap.String("endpoint", endpoint),
		zap.String("session", sess.id),
	)

	go m.run(sess, endpoint)
	return nil
}

// Send encodes req and transmits it, or buffers it while connecting.
func (m *Manager) Send(req protocol.StartRequest) error {
	frame, err := m.codec.EncodeStart(req)
	if err != nil {
		return fmt.Errorf("encode start request: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateDisconnected:
		return ErrNotConnected
	case StateConnecting:
		m.buffer = append(m.buffer, frame)
		return nil
	case StateOpen:
		select {
		case m.sess.send <- frame:
			return nil
		default:
			return ErrSendBufferFull
		}
	default:
		return fmt.Errorf("%w: connection %s", ErrTransportClosed, m.state)
	}
}

// Disconnect detaches from the current connection, closes the transport and
// drops any buffered messages.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	sess := m.sess
	socket := sess.socket
	m.sess = nil
	m.buffer = nil
	m.setState(StateDisconnected)
	m.mu.Unlock()

	sess.cancel()
	if socket != nil {
		if err := socket.Close(); err != nil {
			m.logger.Debug("websocket close error",
				zap.String("session", sess.id),
				zap.Error(err),
			)
		}
	}
	return nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error recorded by the last close or error signal.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Subscribe registers fn for incoming messages. Deliveries happen on the
// connection's read goroutine, in the order frames arrive.
func (m *Manager) Subscribe(fn Subscriber) *Subscription {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.nextID++
	m.subs = append(m.subs, subscriber{id: m.nextID, fn: fn})
	return &Subscription{id: m.nextID, m: m}
}

func (m *Manager) unsubscribe(id uint64) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for i, sub := range m.subs {
		if sub.id == id {
			m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
			return
		}
	}
}

func (m *Manager) publish(entry protocol.LogEntry, err error) {
	m.subMu.RLock()
	subs := make([]subscriber, len(m.subs))
	copy(subs, m.subs)
	m.subMu.RUnlock()

	for _, sub := range subs {
		sub.fn(entry, err)
	}
}

// run dials and then serves the session until its transport ends.
func (m *Manager) run(sess *session, endpoint string) {
	socket, err := m.dialer.Dial(sess.ctx, endpoint)
	if err != nil {
		m.fail(sess, fmt.Errorf("dial %s: %w", endpoint, err))
		return
	}
	if !m.open(sess, socket) {
		return
	}

	go m.writePump(sess)
	m.readPump(sess)
}

// open flushes the buffer in FIFO order and then publishes StateOpen.
// Frames are written without the lock held. Sends made during the flush
// stay Connecting and join the buffer, so they go out after every frame
// buffered before them.
func (m *Manager) open(sess *session, socket Socket) bool {
	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		_ = socket.Close()
		return false
	}
	sess.socket = socket
	m.mu.Unlock()

	flushed := 0
	for {
		m.mu.Lock()
		if m.sess != sess {
			m.mu.Unlock()
			return false
		}
		batch := m.buffer
		m.buffer = nil
		if len(batch) == 0 {
			m.setState(StateOpen)
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()

		for _, frame := range batch {
			if err := socket.WriteMessage(frame); err != nil {
				m.fail(sess, fmt.Errorf("flush buffered message: %w", err))
				return false
			}
		}
		flushed += len(batch)
	}

	m.logger.Debug("flushed buffered messages",
		zap.String("session", sess.id),
		zap.Int("count", flushed),
	)
	return true
}

func (m *Manager) readPump(sess *session) {
	defer close(sess.readDone)

	for {
		data, err := sess.socket.ReadMessage()
		if err != nil {
			if isClosure(err) {
				m.closed(sess, err)
			} else {
				m.fail(sess, fmt.Errorf("read: %w", err))
			}
			return
		}
		if !m.current(sess) {
			return
		}

		entry, err := m.codec.DecodeIncoming(data)
		if err != nil {
			m.logger.Warn("failed to decode incoming frame",
				zap.String("session", sess.id),
				zap.String("codec", m.codec.Name()),
				zap.Error(err),
			)
		}
		m.publish(entry, err)
	}
}

func (m *Manager) writePump(sess *session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-sess.readDone:
			return
		case frame := <-sess.send:
			if err := sess.socket.WriteMessage(frame); err != nil {
				m.fail(sess, fmt.Errorf("write: %w", err))
				return
			}
		case <-ticker.C:
			if err := sess.socket.Ping(); err != nil {
				m.fail(sess, fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func (m *Manager) current(sess *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess == sess
}

// closed records a close signal. It does not reconnect.
func (m *Manager) closed(sess *session, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != sess || !m.live() {
		return
	}
	m.lastErr = err
	m.setState(StateClosed)
}

// fail records an error signal. It does not disconnect or reconnect.
func (m *Manager) fail(sess *session, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != sess || !m.live() {
		return
	}
	m.recordFailure(err)
}

// recordFailure must be called with m.mu held.
func (m *Manager) recordFailure(err error) {
	m.lastErr = err
	m.observer.TransportError(err)
	m.setState(StateErrored)
}

func (m *Manager) live() bool {
	return m.state == StateConnecting || m.state == StateOpen
}

// setState must be called with m.mu held.
func (m *Manager) setState(to State) {
	from := m.state
	m.state = to
	if from != to {
		m.observer.StateChanged(from, to)
	}
}
