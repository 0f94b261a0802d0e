package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newEchoServer echoes every frame back, answers "binary" with a binary
// frame and closes with 1001 when it receives "bye".
func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()

		for {
			typ, data, err := c.Read(r.Context())
			if err != nil {
				return
			}

			switch string(data) {
			case "bye":
				c.Close(websocket.StatusGoingAway, "server says bye")
				return
			case "binary":
				typ = websocket.MessageBinary
				data = []byte("bin")
			}

			if err := c.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return srv
}

type recorder struct {
	events chan Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 16)}
}

func (r *recorder) listen(ev Event) {
	r.events <- ev
}

func (r *recorder) next(t *testing.T, want EventType) Event {
	t.Helper()

	select {
	case ev := <-r.events:
		require.Equal(t, want, ev.Type, "unexpected event %+v", ev)
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s event", want)
		return Event{}
	}
}

func (r *recorder) assertQuiet(t *testing.T) {
	t.Helper()

	select {
	case ev := <-r.events:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func buildDialer(t *testing.T, driverName string) Dialer {
	t.Helper()

	d, err := NewDialer().
		WithDriver(driverName).
		WithLogger(zap.NewNop()).
		WithDialTimeout(5 * time.Second).
		WithCloseTimeout(time.Second).
		Build()
	require.NoError(t, err)
	return d
}

func TestDrivers(t *testing.T) {
	for _, driverName := range Drivers() {
		t.Run(driverName, func(t *testing.T) {
			t.Run("echo then local close", func(t *testing.T) {
				srv := newEchoServer(t)
				rec := newRecorder()

				s, err := buildDialer(t, driverName).Open(srv.URL, rec.listen)
				require.NoError(t, err)
				assert.NotEmpty(t, s.ID())
				assert.Equal(t, srv.URL, s.URL())

				open := rec.next(t, EventOpen)
				assert.Same(t, s, open.Socket)

				require.NoError(t, s.Send(context.Background(), "hello"))
				msg := rec.next(t, EventMessage)
				assert.Equal(t, "hello", msg.Data)

				require.NoError(t, s.Send(context.Background(), "binary"))
				msg = rec.next(t, EventMessage)
				assert.Equal(t, "bin", msg.Data)

				require.NoError(t, s.Close())
				closed := rec.next(t, EventClose)
				assert.True(t, closed.WasClean)
				assert.Equal(t, CloseNormal, closed.Code)
				rec.assertQuiet(t)

				// Closing twice and sending after close are silent.
				assert.NoError(t, s.Close())
				assert.NoError(t, s.Send(context.Background(), "dropped"))
			})

			t.Run("remote close carries code and reason", func(t *testing.T) {
				srv := newEchoServer(t)
				rec := newRecorder()

				s, err := buildDialer(t, driverName).Open(srv.URL, rec.listen)
				require.NoError(t, err)
				rec.next(t, EventOpen)

				require.NoError(t, s.Send(context.Background(), "bye"))
				closed := rec.next(t, EventClose)
				assert.Equal(t, int(websocket.StatusGoingAway), closed.Code)
				assert.Equal(t, "server says bye", closed.Reason)
				assert.True(t, closed.WasClean)
				rec.assertQuiet(t)
			})

			t.Run("refused connection reports error then close", func(t *testing.T) {
				srv := httptest.NewServer(http.NotFoundHandler())
				url := srv.URL
				srv.Close()

				rec := newRecorder()
				_, err := buildDialer(t, driverName).Open(url, rec.listen)
				require.NoError(t, err)

				failure := rec.next(t, EventError)
				assert.Error(t, failure.Err)
				closed := rec.next(t, EventClose)
				assert.Equal(t, CloseAbnormal, closed.Code)
				assert.False(t, closed.WasClean)
				rec.assertQuiet(t)
			})
		})
	}
}

func TestOpenRejectsInvalidURLs(t *testing.T) {
	d := buildDialer(t, DriverCoder)

	for _, raw := range []string{"", "not a url", "ftp://example.com", "ws://", "ws://example.com/#frag", "://bad"} {
		t.Run(raw, func(t *testing.T) {
			s, err := d.Open(raw, nil)
			assert.Nil(t, s)
			assert.ErrorIs(t, err, ErrInvalidURL)
		})
	}
}

func TestValidateURLAcceptsHTTPSchemes(t *testing.T) {
	for _, raw := range []string{"ws://example.com", "wss://example.com/path?q=1", "http://localhost:8080", "https://example.com"} {
		_, err := ValidateURL(raw)
		assert.NoError(t, err, raw)
	}
}

func TestSocketStates(t *testing.T) {
	t.Run("send while connecting", func(t *testing.T) {
		s := newSocket(coderDriver{}, "ws://example.com", nil, zap.NewNop(), time.Second, time.Second)
		assert.ErrorIs(t, s.Send(context.Background(), "early"), ErrNotOpen)
	})

	t.Run("close while connecting", func(t *testing.T) {
		srv := newEchoServer(t)
		rec := newRecorder()

		s := newSocket(coderDriver{}, srv.URL, rec.listen, zap.NewNop(), time.Second, time.Second)
		require.NoError(t, s.Close())
		go s.run()

		failure := rec.next(t, EventError)
		assert.ErrorIs(t, failure.Err, errClosedWhileConnecting)
		closed := rec.next(t, EventClose)
		assert.Equal(t, CloseAbnormal, closed.Code)
		rec.assertQuiet(t)

		assert.NoError(t, s.Send(context.Background(), "late"))
	})
}

func TestDialerBuilder(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		b := NewDialer()
		assert.Equal(t, DriverCoder, b.driver)
		assert.Equal(t, 30*time.Second, b.dialTimeout)
		assert.Equal(t, 10*time.Second, b.writeTimeout)
		assert.NotNil(t, b.logger)
	})

	t.Run("non-positive values are ignored", func(t *testing.T) {
		b := NewDialer().WithDialTimeout(0).WithWriteTimeout(-time.Second).WithCloseTimeout(0).WithReadLimit(-1).WithLogger(nil)
		assert.Equal(t, 30*time.Second, b.dialTimeout)
		assert.Equal(t, 10*time.Second, b.writeTimeout)
		assert.Equal(t, 5*time.Second, b.closeTimeout)
		assert.Zero(t, b.readLimit)
		assert.NotNil(t, b.logger)
	})

	t.Run("fluent interface returns same builder", func(t *testing.T) {
		b := NewDialer()
		assert.Same(t, b, b.WithDriver(DriverGorilla))
		assert.Same(t, b, b.WithLogger(zap.NewNop()))
		assert.Same(t, b, b.WithDialTimeout(time.Second))
		assert.Same(t, b, b.WithWriteTimeout(time.Second))
		assert.Same(t, b, b.WithCloseTimeout(time.Second))
		assert.Same(t, b, b.WithReadLimit(1024))
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := NewDialer().WithDriver("carrier-pigeon").Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown transport driver")
	})
}

func TestToWebSocketScheme(t *testing.T) {
	assert.Equal(t, "ws://h/p", toWebSocketScheme("http://h/p"))
	assert.Equal(t, "wss://h", toWebSocketScheme("https://h"))
	assert.Equal(t, "ws://h", toWebSocketScheme("ws://h"))
}
