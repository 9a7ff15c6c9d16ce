package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unidel2035/agentbus/internal/transporttest"
	"github.com/unidel2035/agentbus/messaging"
)

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

// acceptingServer hands every accepted transport to the returned channel
func acceptingServer(t *testing.T, opts ...Option) (*httptest.Server, <-chan *Transport) {
	t.Helper()
	accepted := make(chan *Transport, 1)
	upgrader := &websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transport, err := Accept(w, r, upgrader, opts...)
		if err != nil {
			return
		}
		accepted <- transport
	}))
	t.Cleanup(server.Close)
	return server, accepted
}

func TestTransportCarriesBusTraffic(t *testing.T) {
	transporttest.Run(t, func(t *testing.T, agentID string) (messaging.Transport, messaging.Transport) {
		server, accepted := acceptingServer(t)

		client, err := Dial(context.Background(), wsURL(server, "/"), nil)
		require.NoError(t, err)

		select {
		case busSide := <-accepted:
			return busSide, client
		case <-time.After(2 * time.Second):
			t.Fatal("server did not accept")
			return nil, nil
		}
	})
}

func TestTransport(t *testing.T) {
	t.Run("binary frames round trip", func(t *testing.T) {
		server, accepted := acceptingServer(t, WithBinaryFrames(true))
		client, err := Dial(context.Background(), wsURL(server, "/"), nil, WithBinaryFrames(true))
		require.NoError(t, err)
		defer client.Close()
		busSide := <-accepted
		defer busSide.Close()

		require.NoError(t, busSide.Send(context.Background(), []byte{0xa1, 0x00}))
		assert.Equal(t, []byte{0xa1, 0x00}, <-client.Frames())
	})

	t.Run("remote close ends the frame stream", func(t *testing.T) {
		server, accepted := acceptingServer(t)
		client, err := Dial(context.Background(), wsURL(server, "/"), nil)
		require.NoError(t, err)
		busSide := <-accepted

		require.NoError(t, client.Close())
		require.NoError(t, client.Close())

		select {
		case _, ok := <-busSide.Frames():
			assert.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("frames still open")
		}
		assert.ErrorIs(t, client.Send(context.Background(), []byte("x")), ErrClosed)
		busSide.Close()
	})

	t.Run("keepalive pings are answered", func(t *testing.T) {
		server, accepted := acceptingServer(t, WithKeepalive(10*time.Millisecond, 200*time.Millisecond))
		client, err := Dial(context.Background(), wsURL(server, "/"), nil)
		require.NoError(t, err)
		defer client.Close()
		busSide := <-accepted
		defer busSide.Close()

		// the read deadline would have fired without pongs
		time.Sleep(400 * time.Millisecond)
		require.NoError(t, client.Send(context.Background(), []byte("still here")))
		assert.Equal(t, []byte("still here"), <-busSide.Frames())
	})
}

func TestHandler(t *testing.T) {
	newHub := func(t *testing.T, opts ...HandlerOption) (*messaging.Bus, *httptest.Server) {
		bus, err := messaging.NewBus()
		require.NoError(t, err)
		t.Cleanup(func() { bus.Shutdown(context.Background()) })

		server := httptest.NewServer(NewHandler(bus, opts...))
		t.Cleanup(server.Close)
		return bus, server
	}

	t.Run("registers the agent named in the query", func(t *testing.T) {
		bus, server := newHub(t)

		client, err := Dial(context.Background(), wsURL(server, "/?agent=worker"), nil)
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return bus.IsConnected("worker") }, time.Second, 5*time.Millisecond)

		msg, err := bus.SendNotification(context.Background(), "planner", "worker", "hi")
		require.NoError(t, err)
		env := transporttest.ReadEnvelope(t, client)
		assert.Equal(t, msg.ID, env.ID)

		require.NoError(t, client.Close())
		assert.Eventually(t, func() bool { return !bus.IsConnected("worker") }, time.Second, 5*time.Millisecond)
	})

	t.Run("rejects requests without an agent id", func(t *testing.T) {
		_, server := newHub(t)

		_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, "/"), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("enforces allowed origins", func(t *testing.T) {
		_, server := newHub(t, WithAllowedOrigins("agents.example.com"))

		header := http.Header{"Origin": []string{"https://evil.example.com"}}
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, "/?agent=worker"), header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		header = http.Header{"Origin": []string{"https://agents.example.com"}}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/?agent=worker"), header)
		require.NoError(t, err)
		conn.Close()
	})

	t.Run("custom resolver", func(t *testing.T) {
		bus, server := newHub(t, WithAgentResolver(func(r *http.Request) (string, error) {
			return r.Header.Get("X-Agent"), nil
		}))

		client, err := Dial(context.Background(), wsURL(server, "/"), http.Header{"X-Agent": []string{"reviewer"}})
		require.NoError(t, err)
		defer client.Close()

		assert.Eventually(t, func() bool { return bus.IsConnected("reviewer") }, time.Second, 5*time.Millisecond)
	})
}
