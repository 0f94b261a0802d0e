package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// gorillaDriver opens connections with github.com/gorilla/websocket.
type gorillaDriver struct {
	closeTimeout time.Duration
	readLimit    int64
}

func (d gorillaDriver) name() string {
	return DriverGorilla
}

func (d gorillaDriver) dial(ctx context.Context, rawURL string) (conn, error) {
	dialer := websocket.Dialer{
		Proxy: http.ProxyFromEnvironment,
	}

	c, _, err := dialer.DialContext(ctx, toWebSocketScheme(rawURL), nil)
	if err != nil {
		return nil, err
	}

	if d.readLimit > 0 {
		c.SetReadLimit(d.readLimit)
	}

	return &gorillaConn{Conn: c, closeTimeout: d.closeTimeout}, nil
}

func (d gorillaDriver) closeInfo(err error) (int, string, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

// gorillaConn serialises writes, which gorilla requires of its callers.
type gorillaConn struct {
	*websocket.Conn
	closeTimeout time.Duration
	writeMu      sync.Mutex
}

// read ignores ctx: a blocked read is released by closing the connection.
func (c *gorillaConn) read(ctx context.Context) (string, error) {
	_, data, err := c.Conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *gorillaConn) write(ctx context.Context, text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.Conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	return c.Conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// close sends a close frame and gives the peer closeTimeout to answer it
// before the connection is torn down.
func (c *gorillaConn) close(code int, reason string) error {
	err := c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(c.closeTimeout))
	if err != nil {
		return err
	}

	time.AfterFunc(c.closeTimeout, func() {
		c.Conn.Close()
	})

	return nil
}

func (c *gorillaConn) closeNow() error {
	return c.Conn.Close()
}

func toWebSocketScheme(rawURL string) string {
	switch {
	case strings.HasPrefix(rawURL, "http://"):
		return "ws://" + strings.TrimPrefix(rawURL, "http://")
	case strings.HasPrefix(rawURL, "https://"):
		return "wss://" + strings.TrimPrefix(rawURL, "https://")
	default:
		return rawURL
	}
}
