package ws

import "go.uber.org/zap"

// Observer receives connection diagnostics. It is the single hook through
// which state transitions and transport errors are reported.
type Observer interface {
	StateChanged(from, to State)
	TransportError(err error)
}

// LogObserver reports diagnostics to a zap logger.
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver creates an Observer that logs through logger.
func NewLogObserver(logger *zap.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) StateChanged(from, to State) {
	switch to {
	case StateOpen:
		o.logger.Info("websocket opened", zap.Stringer("from", from))
	case StateClosed:
		o.logger.Info("websocket closed", zap.Stringer("from", from))
	default:
		o.logger.Debug("websocket state changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
}

func (o *LogObserver) TransportError(err error) {
	o.logger.Error("websocket error", zap.Error(err))
}
