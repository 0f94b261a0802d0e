// Package transporttest provides an in-memory Dialer for testing code that
// drives sockets. Tests decide when events happen by calling the Emit
// methods on the returned sockets.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tsarna/blocksock/pkg/blocksock/transport"
)

// Dialer records every Open call and hands out Sockets.
type Dialer struct {
	// Err, when set, is returned by Open instead of a socket.
	Err error

	mu      sync.Mutex
	sockets []*Socket
}

func NewDialer() *Dialer {
	return &Dialer{}
}

func (d *Dialer) Open(rawURL string, listener transport.Listener) (transport.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Err != nil {
		return nil, d.Err
	}

	s := &Socket{
		id:       fmt.Sprintf("fake-%d", len(d.sockets)+1),
		url:      rawURL,
		listener: listener,
	}
	d.sockets = append(d.sockets, s)
	return s, nil
}

// Opened returns how many sockets Open has created.
func (d *Dialer) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

// Socket returns the i-th socket created, starting at 0.
func (d *Dialer) Socket(i int) *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[i]
}

// Last returns the most recently created socket, or nil.
func (d *Dialer) Last() *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// Socket is a fake socket. Send and Close are recorded; nothing is
// delivered to the listener unless a test calls one of the Emit methods.
type Socket struct {
	id       string
	url      string
	listener transport.Listener

	// SendErr, when set, is returned by Send.
	SendErr error

	mu     sync.Mutex
	sent   []string
	closes int
}

func (s *Socket) ID() string {
	return s.id
}

func (s *Socket) URL() string {
	return s.url
}

func (s *Socket) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// Sent returns the texts passed to Send.
func (s *Socket) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

// Closes returns how many times Close was called.
func (s *Socket) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Emit delivers ev to the listener, filling in the socket.
func (s *Socket) Emit(ev transport.Event) {
	ev.Socket = s
	s.listener(ev)
}

func (s *Socket) EmitOpen() {
	s.Emit(transport.Event{Type: transport.EventOpen})
}

func (s *Socket) EmitMessage(data string) {
	s.Emit(transport.Event{Type: transport.EventMessage, Data: data})
}

func (s *Socket) EmitError(err error) {
	s.Emit(transport.Event{Type: transport.EventError, Err: err})
}

func (s *Socket) EmitClose(code int, reason string) {
	s.Emit(transport.Event{Type: transport.EventClose, Code: code, Reason: reason, WasClean: code != transport.CloseAbnormal})
}
