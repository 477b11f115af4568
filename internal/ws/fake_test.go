package ws

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

const testTimeout = 2 * time.Second

// fakeSocket is an in-memory Socket driven by the test.
type fakeSocket struct {
	frames    chan []byte
	readErr   chan error
	written   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		frames:  make(chan []byte, 16),
		readErr: make(chan error, 1),
		written: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.readErr:
		return nil, err
	case <-s.closed:
		return nil, net.ErrClosed
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	s.written <- append([]byte(nil), data...)
	return nil
}

func (s *fakeSocket) Ping() error { return nil }

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// slowSocket blocks every write until release is closed.
type slowSocket struct {
	*fakeSocket
	writing chan struct{}
	release chan struct{}
}

func newSlowSocket() *slowSocket {
	return &slowSocket{
		fakeSocket: newFakeSocket(),
		writing:    make(chan struct{}, 16),
		release:    make(chan struct{}),
	}
}

func (s *slowSocket) WriteMessage(data []byte) error {
	s.writing <- struct{}{}
	select {
	case <-s.release:
	case <-s.closed:
		return net.ErrClosed
	}
	return s.fakeSocket.WriteMessage(data)
}

// fakeDialer hands out socket once gate is closed.
type fakeDialer struct {
	gate   chan struct{}
	socket Socket
	err    error

	mu        sync.Mutex
	endpoints []string
	returned  chan struct{}
}

func newFakeDialer(socket Socket) *fakeDialer {
	return &fakeDialer{
		gate:     make(chan struct{}),
		socket:   socket,
		returned: make(chan struct{}, 4),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Socket, error) {
	d.mu.Lock()
	d.endpoints = append(d.endpoints, endpoint)
	d.mu.Unlock()
	defer func() { d.returned <- struct{}{} }()

	select {
	case <-d.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.socket, nil
}

func (d *fakeDialer) release() { close(d.gate) }

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.endpoints)
}

// recordingObserver captures state transitions for assertions.
type recordingObserver struct {
	states chan State
	errs   chan error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		states: make(chan State, 32),
		errs:   make(chan error, 32),
	}
}

func (o *recordingObserver) StateChanged(_, to State) { o.states <- to }
func (o *recordingObserver) TransportError(err error) { o.errs <- err }

func (o *recordingObserver) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case got := <-o.states:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func readWritten(t *testing.T, s *fakeSocket) string {
	t.Helper()
	select {
	case f := <-s.written:
		return string(f)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for written frame")
		return ""
	}
}

func testLogger(t *testing.T) *zap.Logger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("create logger: %v", err)
	}
	return logger
}
