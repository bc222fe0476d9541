package coordinator

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/powersync/tabsync/pkg/logging"
)

func dialConnectedClient(
	t *testing.T,
	onStart func(*ConnectedClient, string) error,
	onAbort func(*ConnectedClient),
	onClosed func(*ConnectedClient),
) (*ConnectedClient, *websocket.Conn) {
	t.Helper()

	logger := logging.NewLogger()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	var cc *ConnectedClient
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		cc = NewConnectedClient("test-client", conn, logger, nil, onStart, onAbort, onClosed)
		close(ready)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	<-ready
	return cc, clientConn
}

func TestConnectedClientRejectsUnexpectedRequestKind(t *testing.T) {
	cc, clientConn := dialConnectedClient(t,
		func(*ConnectedClient, string) error { return nil },
		func(*ConnectedClient) {},
		nil,
	)
	_ = cc

	require.NoError(t, clientConn.WriteJSON(&Message{
		Kind:          KindRequestDatabase,
		CorrelationID: "abc",
	}))

	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	var reply Message
	require.NoError(t, clientConn.ReadJSON(&reply))
	require.True(t, reply.IsReply)
	require.NotEmpty(t, reply.Error)
}

func TestConnectedClientOnCloseFiresOnce(t *testing.T) {
	var closedCount int32
	onClosed := func(*ConnectedClient) { atomic.AddInt32(&closedCount, 1) }

	cc, clientConn := dialConnectedClient(t,
		func(*ConnectedClient, string) error { return nil },
		func(*ConnectedClient) {},
		onClosed,
	)

	cc.Close()
	cc.markClosed()
	cc.markClosed()
	_ = clientConn

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&closedCount) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConnectedClientStartSynchronizationInvokesCallback(t *testing.T) {
	received := make(chan string, 1)
	onStart := func(cc *ConnectedClient, databaseName string) error {
		received <- databaseName
		return nil
	}

	_, clientConn := dialConnectedClient(t, onStart, func(*ConnectedClient) {}, nil)

	payload, err := marshalPayload(&StartSynchronizationPayload{DatabaseName: "mydb"})
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteJSON(&Message{
		Kind:          KindStartSynchronization,
		CorrelationID: "1",
		Payload:       payload,
	}))

	select {
	case db := <-received:
		require.Equal(t, "mydb", db)
	case <-time.After(time.Second):
		t.Fatal("expected onStart to be invoked")
	}
}
