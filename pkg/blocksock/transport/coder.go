package transport

import (
	"context"
	"errors"

	"github.com/coder/websocket"
)

// coderDriver opens connections with github.com/coder/websocket.
type coderDriver struct {
	readLimit int64
}

func (d coderDriver) name() string {
	return DriverCoder
}

func (d coderDriver) dial(ctx context.Context, rawURL string) (conn, error) {
	c, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}

	if d.readLimit != 0 {
		c.SetReadLimit(d.readLimit)
	}

	return coderConn{c}, nil
}

func (d coderDriver) closeInfo(err error) (int, string, bool) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return int(ce.Code), ce.Reason, true
	}
	return 0, "", false
}

type coderConn struct {
	*websocket.Conn
}

// read returns text frames verbatim and binary frames coerced to a string.
func (c coderConn) read(ctx context.Context) (string, error) {
	_, data, err := c.Conn.Read(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c coderConn) write(ctx context.Context, text string) error {
	return c.Conn.Write(ctx, websocket.MessageText, []byte(text))
}

func (c coderConn) close(code int, reason string) error {
	return c.Conn.Close(websocket.StatusCode(code), reason)
}

func (c coderConn) closeNow() error {
	return c.Conn.CloseNow()
}
