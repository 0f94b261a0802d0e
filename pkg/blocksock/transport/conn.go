package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// conn is the part of a connection a driver library has to provide.
type conn interface {
	read(ctx context.Context) (string, error)
	write(ctx context.Context, text string) error
	close(code int, reason string) error
	closeNow() error
}

// driver adapts one WebSocket library.
type driver interface {
	name() string
	dial(ctx context.Context, rawURL string) (conn, error)

	// closeInfo extracts the peer's close code and reason from a read error,
	// if the error was caused by a close frame.
	closeInfo(err error) (code int, reason string, ok bool)
}

type socketState int

const (
	stateConnecting socketState = iota
	stateOpen
	stateClosing
	stateClosed
)

var errClosedWhileConnecting = errors.New("websocket was closed before the connection was established")

// socket implements Socket on top of a driver. All events are emitted from
// the goroutine started by run, which keeps them ordered.
type socket struct {
	id           string
	url          string
	driver       driver
	listener     Listener
	logger       *zap.Logger
	dialTimeout  time.Duration
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state socketState
	conn  conn
}

func newSocket(d driver, rawURL string, listener Listener, logger *zap.Logger, dialTimeout, writeTimeout time.Duration) *socket {
	if listener == nil {
		listener = NopListener
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	return &socket{
		id:           id,
		url:          rawURL,
		driver:       d,
		listener:     listener,
		logger:       logger.With(zap.String("socket", id), zap.String("driver", d.name())),
		dialTimeout:  dialTimeout,
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (s *socket) ID() string {
	return s.id
}

func (s *socket) URL() string {
	return s.url
}

func (s *socket) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	state := s.state
	c := s.conn
	s.mu.Unlock()

	switch state {
	case stateConnecting:
		return ErrNotOpen
	case stateClosing, stateClosed:
		s.logger.Debug("Dropping send on closed socket")
		return nil
	}

	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}

	return c.write(ctx, text)
}

func (s *socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateConnecting:
		s.state = stateClosing
		s.cancel()
	case stateOpen:
		s.state = stateClosing
		c := s.conn
		go func() {
			if err := c.close(CloseNormal, ""); err != nil {
				s.logger.Debug("Close handshake failed", zap.Error(err))
				c.closeNow()
			}
		}()
	}

	return nil
}

func (s *socket) emit(ev Event) {
	ev.Socket = s
	s.listener(ev)
}

func (s *socket) emitFailure(err error) {
	s.emit(Event{Type: EventError, Err: err})
	s.emit(Event{Type: EventClose, Code: CloseAbnormal, WasClean: false})
}

func (s *socket) run() {
	defer s.cancel()

	s.logger.Debug("Connecting", zap.String("url", s.url))

	dialCtx, dialCancel := context.WithTimeout(s.ctx, s.dialTimeout)
	c, err := s.driver.dial(dialCtx, s.url)
	dialCancel()

	s.mu.Lock()
	if err != nil {
		closing := s.state == stateClosing
		s.state = stateClosed
		s.mu.Unlock()

		if closing {
			err = errClosedWhileConnecting
		}
		s.logger.Debug("Connection failed", zap.Error(err))
		s.emitFailure(err)
		return
	}

	if s.state == stateClosing {
		s.state = stateClosed
		s.mu.Unlock()

		c.closeNow()
		s.emitFailure(errClosedWhileConnecting)
		return
	}

	s.conn = c
	s.state = stateOpen
	s.mu.Unlock()

	s.logger.Debug("Connected")
	s.emit(Event{Type: EventOpen})

	for {
		text, err := c.read(s.ctx)
		if err != nil {
			s.finish(c, err)
			return
		}
		s.emit(Event{Type: EventMessage, Data: text})
	}
}

func (s *socket) finish(c conn, err error) {
	s.mu.Lock()
	local := s.state == stateClosing
	s.state = stateClosed
	s.mu.Unlock()

	c.closeNow()

	code, reason, ok := s.driver.closeInfo(err)
	switch {
	case ok:
		s.logger.Debug("Closed", zap.Int("code", code), zap.String("reason", reason), zap.Bool("local", local))
		s.emit(Event{Type: EventClose, Code: code, Reason: reason, WasClean: true})
	case local:
		s.logger.Debug("Closed locally", zap.NamedError("readError", err))
		s.emit(Event{Type: EventClose, Code: CloseNormal, WasClean: true})
	default:
		s.logger.Debug("Connection lost", zap.Error(err))
		s.emitFailure(err)
	}
}
