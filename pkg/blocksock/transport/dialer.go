package transport

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Driver names accepted by DialerBuilder.WithDriver.
const (
	DriverCoder   = "coder"
	DriverGorilla = "gorilla"
)

// Drivers lists the supported driver names.
func Drivers() []string {
	return []string{DriverCoder, DriverGorilla}
}

// DialerBuilder provides a fluent interface for building Dialers.
type DialerBuilder struct {
	driver       string
	logger       *zap.Logger
	dialTimeout  time.Duration
	writeTimeout time.Duration
	closeTimeout time.Duration
	readLimit    int64
}

// NewDialer creates a dialer builder using the coder driver.
func NewDialer() *DialerBuilder {
	return &DialerBuilder{
		driver:       DriverCoder,
		logger:       zap.NewNop(),
		dialTimeout:  30 * time.Second,
		writeTimeout: 10 * time.Second,
		closeTimeout: 5 * time.Second,
	}
}

// WithDriver selects the WebSocket library, DriverCoder or DriverGorilla.
func (b *DialerBuilder) WithDriver(name string) *DialerBuilder {
	b.driver = name
	return b
}

// WithLogger sets the logger for sockets opened by the dialer.
func (b *DialerBuilder) WithLogger(logger *zap.Logger) *DialerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout bounds how long a socket may stay in the connecting state.
func (b *DialerBuilder) WithDialTimeout(timeout time.Duration) *DialerBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithWriteTimeout bounds a single Send.
func (b *DialerBuilder) WithWriteTimeout(timeout time.Duration) *DialerBuilder {
	if timeout > 0 {
		b.writeTimeout = timeout
	}
	return b
}

// WithCloseTimeout bounds how long a local close waits for the peer's close frame.
// Only the gorilla driver uses it; coder has its own handshake timeout.
func (b *DialerBuilder) WithCloseTimeout(timeout time.Duration) *DialerBuilder {
	if timeout > 0 {
		b.closeTimeout = timeout
	}
	return b
}

// WithReadLimit sets the maximum message size in bytes.
func (b *DialerBuilder) WithReadLimit(limit int64) *DialerBuilder {
	if limit > 0 {
		b.readLimit = limit
	}
	return b
}

// IsValid checks that the configuration names a known driver.
func (b *DialerBuilder) IsValid() error {
	switch b.driver {
	case DriverCoder, DriverGorilla:
		return nil
	default:
		return fmt.Errorf("unknown transport driver %q, expected one of %v", b.driver, Drivers())
	}
}

// Build creates the Dialer.
func (b *DialerBuilder) Build() (Dialer, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	var d driver
	switch b.driver {
	case DriverGorilla:
		d = gorillaDriver{closeTimeout: b.closeTimeout, readLimit: b.readLimit}
	default:
		d = coderDriver{readLimit: b.readLimit}
	}

	return &dialer{
		driver:       d,
		logger:       b.logger,
		dialTimeout:  b.dialTimeout,
		writeTimeout: b.writeTimeout,
	}, nil
}

type dialer struct {
	driver       driver
	logger       *zap.Logger
	dialTimeout  time.Duration
	writeTimeout time.Duration
}

func (d *dialer) Open(rawURL string, listener Listener) (Socket, error) {
	if _, err := ValidateURL(rawURL); err != nil {
		return nil, err
	}

	s := newSocket(d.driver, rawURL, listener, d.logger, d.dialTimeout, d.writeTimeout)
	go s.run()

	return s, nil
}
