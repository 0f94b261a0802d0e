// Package transport provides the full-duplex text socket the block
// extensions drive.
//
// A Socket mirrors the browser WebSocket object: opening one never blocks,
// and everything that happens afterwards (the connection opening, messages,
// errors and the final close) is reported to a Listener as an Event.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrInvalidURL is returned synchronously by Dialer.Open when the URL
	// cannot name a WebSocket endpoint.
	ErrInvalidURL = errors.New("invalid websocket URL")

	// ErrNotOpen is returned by Socket.Send while the connection is still
	// being established.
	ErrNotOpen = errors.New("websocket is not open yet")
)

// EventType names one of the four observable socket events.
type EventType string

const (
	EventOpen    EventType = "open"
	EventError   EventType = "error"
	EventMessage EventType = "message"
	EventClose   EventType = "close"
)

// EventTypes lists the event types in the order they are usually observed.
var EventTypes = []EventType{EventOpen, EventError, EventMessage, EventClose}

// Close codes used when the peer did not supply one.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

// Event is delivered to a Listener for everything that happens on a socket.
type Event struct {
	Type   EventType
	Socket Socket

	// Data holds the payload of a message event, coerced to a string.
	Data string

	// Code, Reason and WasClean describe a close event.
	Code     int
	Reason   string
	WasClean bool

	// Err carries the cause of an error event.
	Err error
}

// Listener receives socket events. Events for a single socket are delivered
// sequentially, in order, and a socket always finishes with exactly one
// close event.
type Listener func(Event)

// Socket is a live or pending connection.
type Socket interface {
	// ID is unique per opened socket.
	ID() string
	URL() string

	// Send transmits text as a single text frame.
	Send(ctx context.Context, text string) error

	// Close requests a normal closure without waiting for it to complete.
	// Closing an already closed socket does nothing.
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	// Open starts connecting to rawURL and returns immediately. Only URL
	// problems are reported as an error; connection failures arrive as an
	// error event followed by a close event.
	Open(rawURL string, listener Listener) (Socket, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(rawURL string, listener Listener) (Socket, error)

func (f DialerFunc) Open(rawURL string, listener Listener) (Socket, error) {
	return f(rawURL, listener)
}

// ValidateURL checks that rawURL is absolute and uses one of the schemes a
// WebSocket can be opened on. http and https are accepted and treated as ws
// and wss.
func ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q in %q", ErrInvalidURL, u.Scheme, rawURL)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURL, rawURL)
	}

	if u.Fragment != "" {
		return nil, fmt.Errorf("%w: fragments are not allowed in %q", ErrInvalidURL, rawURL)
	}

	return u, nil
}

// NopListener discards all events.
func NopListener(Event) {}
