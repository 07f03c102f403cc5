package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// testRelay upgrades one websocket connection and hands it to the handler.
func testRelay(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestTransportSubscribePublishReceive(t *testing.T) {
	received := make(chan []json.RawMessage, 2)
	url := testRelay(t, func(conn *websocket.Conn) {
		// consume REQ and EVENT frames from the client
		for i := 0; i < 2; i++ {
			var frame []json.RawMessage
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			received <- frame
		}
		// reply: a notice, a frame the client cannot parse, then an OK
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["NOTICE","hello"]`)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["AUTH","challenge"]`)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["OK","abcd",true,""]`)))
		// hold the socket open until the client hangs up
		conn.ReadMessage()
	})

	transport := NewTransport(url)
	require.NoError(t, transport.Connect(context.Background()))
	defer transport.Close()

	require.NoError(t, transport.Subscribe("sub-1", Filter{Kinds: []int{23195}}))
	require.NoError(t, transport.Publish(nostr.Event{ID: "abcd", Kind: 23194}))

	var label string
	frame := <-received
	require.NoError(t, json.Unmarshal(frame[0], &label))
	require.Equal(t, "REQ", label)
	frame = <-received
	require.NoError(t, json.Unmarshal(frame[0], &label))
	require.Equal(t, "EVENT", label)

	// the unparseable frame is skipped, not surfaced and not fatal
	requireMessage(t, transport, Notice{Text: "hello"})
	requireMessage(t, transport, OK{EventID: "abcd", Accepted: true})
}

func TestTransportRemoteClose(t *testing.T) {
	url := testRelay(t, func(conn *websocket.Conn) {
		// drop the connection right away
	})

	transport := NewTransport(url)
	require.NoError(t, transport.Connect(context.Background()))
	defer transport.Close()

	select {
	case _, ok := <-transport.Messages():
		require.False(t, ok, "stream should close without yielding messages")
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close")
	}
	require.Error(t, transport.Err())
}

func TestTransportConnectRefused(t *testing.T) {
	transport := NewTransport("ws://127.0.0.1:1")
	require.Error(t, transport.Connect(context.Background()))
}

func TestTransportWriteBeforeConnect(t *testing.T) {
	transport := NewTransport("ws://127.0.0.1:1")
	require.Error(t, transport.Subscribe("sub-1", Filter{}))
	require.Error(t, transport.Publish(nostr.Event{}))
}

func requireMessage(t *testing.T, transport *Transport, want Message) {
	t.Helper()
	select {
	case msg, ok := <-transport.Messages():
		require.True(t, ok, "stream closed: %v", transport.Err())
		require.Equal(t, want, msg)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %v", want)
	}
}
