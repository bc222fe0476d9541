package coordinator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/powersync/tabsync/pkg/logging"
)

// dialPair wires up a real server-side Channel against a client-side
// websocket connection over an httptest.Server, so request/reply
// correlation and ping/pong exercise the actual gorilla/websocket wire
// format rather than an in-process fake.
func dialPair(t *testing.T, onRequest RequestHandler, onNotify NotifyHandler) (*Channel, *websocket.Conn) {
	t.Helper()

	logger := logging.NewLogger()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	var serverCh *Channel
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverCh = NewChannel(conn, logger, onRequest, onNotify, nil)
		close(ready)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	<-ready
	return serverCh, clientConn
}

func TestChannelRequestReply(t *testing.T) {
	onRequest := func(kind Kind, payload json.RawMessage) (any, error) {
		require.Equal(t, KindPing, kind)
		return nil, nil
	}
	_, clientConn := dialPair(t, onRequest, nil)

	// The tab side issues the ping through its own Channel; the server
	// Channel's onRequest answers it.
	peer := NewChannel(clientConn, logging.NewLogger(), nil, nil, nil)
	err := peer.Ping(time.Second)
	require.NoError(t, err)
}

func TestChannelRequestReplyError(t *testing.T) {
	onRequest := func(kind Kind, payload json.RawMessage) (any, error) {
		return nil, &ErrProtocol{Reason: "refused"}
	}
	_, clientConn := dialPair(t, onRequest, nil)

	peer := NewChannel(clientConn, logging.NewLogger(), nil, nil, nil)
	_, err := peer.Request(KindStartSynchronization, nil, time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "refused")
}

func TestChannelRequestTimesOutWithNoHandler(t *testing.T) {
	serverCh, clientConn := dialPair(t, nil, nil)
	_ = clientConn

	_, err := serverCh.Request(KindPing, nil, 50*time.Millisecond)
	require.Error(t, err)
}

func TestChannelDisconnectUnblocksPendingRequest(t *testing.T) {
	serverCh, clientConn := dialPair(t, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := serverCh.Request(KindPing, nil, 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	clientConn.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("expected pending request to unblock on disconnect")
	}
}

func TestChannelNotify(t *testing.T) {
	received := make(chan Kind, 1)
	onNotify := func(kind Kind, payload json.RawMessage) {
		received <- kind
	}
	_, clientConn := dialPair(t, nil, onNotify)

	// The tab side notifies through its own Channel; the server Channel's
	// onNotify observes the inbound notification.
	peer := NewChannel(clientConn, logging.NewLogger(), nil, nil, nil)
	require.NoError(t, peer.Notify(KindLogEvent, &LogEventPayload{Text: "hello"}))

	select {
	case kind := <-received:
		require.Equal(t, KindLogEvent, kind)
	case <-time.After(time.Second):
		t.Fatal("expected notification to be observed")
	}
}
