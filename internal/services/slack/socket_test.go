package slack

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSocketTestServer serves apps.connections.open pointing back at its
// own /ws endpoint, where handler drives the WebSocket side of the test.
func newSocketTestServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/apps.connections.open", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer xapp-test" {
			t.Errorf("connections.open used the wrong token: %q", got)
		}
		wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
		fmt.Fprintf(w, `{"ok": true, "url": %q}`, wsURL)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		handler(conn)
	})
	return server
}

func TestSocketAcknowledgesAndDispatchesEnvelopes(t *testing.T) {
	acks := make(chan map[string]interface{}, 4)
	events := make(chan EventEnvelope, 4)

	server := newSocketTestServer(t, func(conn *websocket.Conn) {
		defer func() { _ = conn.Close() }()
		require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "hello", "num_connections": 1}))
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"envelope_id": "env-1",
			"type":        "events_api",
			"payload":     map[string]interface{}{"event": map[string]interface{}{"type": "app_mention"}},
		}))

		var ack map[string]interface{}
		if err := conn.ReadJSON(&ack); err == nil {
			acks <- ack
		}
		// Hold the connection open until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	api := NewAPIClient("xoxb-test", testLogger(t))
	api.baseURL = server.URL
	client := NewSocketClient("xapp-test", api, func(envelope EventEnvelope) {
		events <- envelope
	}, testLogger(t))

	client.Start(context.Background())
	defer client.Stop(context.Background())

	select {
	case envelope := <-events:
		assert.Equal(t, "env-1", envelope.EnvelopeID)
		assert.Equal(t, "events_api", envelope.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the event to be dispatched")
	}

	select {
	case ack := <-acks:
		assert.Equal(t, "env-1", ack["envelope_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the ack")
	}
}

func TestSocketStops(t *testing.T) {
	connected := make(chan struct{}, 1)
	server := newSocketTestServer(t, func(conn *websocket.Conn) {
		defer func() { _ = conn.Close() }()
		connected <- struct{}{}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	api := NewAPIClient("xoxb-test", testLogger(t))
	api.baseURL = server.URL
	client := NewSocketClient("xapp-test", api, func(EventEnvelope) {}, testLogger(t))

	client.Start(context.Background())
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the connection")
	}

	done := make(chan struct{})
	go func() {
		client.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestSocketIgnoresFramesWithoutEnvelopeID(t *testing.T) {
	events := make(chan EventEnvelope, 4)
	server := newSocketTestServer(t, func(conn *websocket.Conn) {
		defer func() { _ = conn.Close() }()
		require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "hello"}))
		require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "disconnect", "reason": "refresh_requested"}))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	api := NewAPIClient("xoxb-test", testLogger(t))
	api.baseURL = server.URL
	client := NewSocketClient("xapp-test", api, func(envelope EventEnvelope) {
		events <- envelope
	}, testLogger(t))

	client.Start(context.Background())
	defer client.Stop(context.Background())

	select {
	case envelope := <-events:
		t.Fatalf("expected no dispatch, got envelope %q", envelope.Type)
	case <-time.After(300 * time.Millisecond):
	}
}
