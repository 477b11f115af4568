package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/logtail/internal/protocol"
	"github.com/dgnsrekt/logtail/internal/source"
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

	defaultPollInterval = 200 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
	// Selected in the client's order of preference.
	Subprotocols: []string{
		protocol.SubprotocolJSON,
		protocol.SubprotocolProtobuf,
	},
}

// streamSession delivers log entries to one websocket client.
type streamSession struct {
	id      string
	conn    *websocket.Conn
	codec   protocol.Codec
	msgType int
	log     *source.Log
	limiter *rate.Limiter
	poll    time.Duration
	timeout time.Duration
	logger  *zap.Logger

	// starts carries the latest requested position to the write loop.
	starts chan int64
}

// HandleStream upgrades the request and streams entries from the position
// named in each start request the client sends. A new start request
// restarts delivery from its position.
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	codec, ok := protocol.CodecForSubprotocol(conn.Subprotocol())
	if !ok {
		codec = protocol.NewJSONCodec()
	}
	msgType := websocket.TextMessage
	if codec.Binary() {
		msgType = websocket.BinaryMessage
	}

	sess := &streamSession{
		id:      uuid.New().String(),
		conn:    conn,
		codec:   codec,
		msgType: msgType,
		log:     s.log,
		poll:    defaultPollInterval,
		timeout: s.writeTimeout,
		logger:  s.logger,
		starts:  make(chan int64, 1),
	}
	if s.config != nil {
		if s.config.MaxRate > 0 {
			sess.limiter = rate.NewLimiter(rate.Limit(s.config.MaxRate), 1)
		}
		if s.config.PollIntervalMs > 0 {
			sess.poll = s.config.PollInterval()
		}
	}

	s.sessions.Add(1)
	defer s.sessions.Add(-1)

	s.logger.Info("stream session opened",
		zap.String("session", sess.id),
		zap.String("codec", codec.Name()),
		zap.String("remote", r.RemoteAddr),
	)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.writePump(ctx)
		// A failed write ends the session; stop waiting on the reader.
		cancel()
	}()

	sess.readPump(ctx)
	cancel()
	<-done
	conn.Close()

	s.logger.Info("stream session closed", zap.String("session", sess.id))
}

// readPump decodes start requests until the client goes away. Malformed
// requests are logged and skipped.
func (s *streamSession) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Unblock ReadMessage when the server shuts down.
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				s.logger.Debug("websocket read error",
					zap.String("session", s.id),
					zap.Error(err),
				)
			}
			return
		}

		req, err := s.codec.DecodeStart(frame)
		if err != nil {
			s.logger.Warn("ignoring malformed start request",
				zap.String("session", s.id),
				zap.Error(err),
			)
			continue
		}
		if req.FromPosition < 0 {
			req.FromPosition = 0
		}

		s.logger.Debug("start request",
			zap.String("session", s.id),
			zap.Int64("from", req.FromPosition),
		)

		// Keep only the newest request.
		select {
		case <-s.starts:
		default:
		}
		s.starts <- req.FromPosition
	}
}

// writePump is the only writer on the connection. It sends pings and, once
// a start request has arrived, every entry from the requested position on.
func (s *streamSession) writePump(ctx context.Context) {
	pinger := time.NewTicker(pingPeriod)
	poller := time.NewTicker(s.poll)
	defer func() {
		pinger.Stop()
		poller.Stop()
		s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}()

	var (
		next   int64
		active bool
	)

	for {
		updated := s.log.Updated()

		if active {
			var err error
			next, err = s.deliver(ctx, next)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("websocket write error",
						zap.String("session", s.id),
						zap.Error(err),
					)
				}
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case pos := <-s.starts:
			next, active = pos, true
		case <-updated:
		case <-poller.C:
		case <-pinger.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// deliver writes entries from next until the log is exhausted and returns
// the position to continue from. A pending start request takes over
// immediately.
func (s *streamSession) deliver(ctx context.Context, next int64) (int64, error) {
	for {
		select {
		case <-ctx.Done():
			return next, ctx.Err()
		case pos := <-s.starts:
			next = pos
		default:
		}

		fields, ok := s.log.At(next)
		if !ok {
			return next, nil
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return next, err
			}
		}

		frame, err := s.codec.EncodeEntry(protocol.LogEntry{Position: next, Payload: fields})
		if err != nil {
			s.logger.Warn("skipping unencodable entry",
				zap.String("session", s.id),
				zap.Int64("position", next),
				zap.Error(err),
			)
			next++
			continue
		}

		s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
		if err := s.conn.WriteMessage(s.msgType, frame); err != nil {
			return next, err
		}
		next++
	}
}
