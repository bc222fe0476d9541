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

func TestWorkerRootEndToEndStartAndAbort(t *testing.T) {
	root := newTestRoot()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		root.Accept(conn)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	tabConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer tabConn.Close()

	// The tab side speaks through its own Channel: it sends
	// startSynchronization/abortSynchronization to the worker over the
	// websocket and answers the worker's ping and requestDatabase requests.
	tab := NewChannel(tabConn, logging.NewLogger(), func(kind Kind, payload json.RawMessage) (any, error) {
		switch kind {
		case KindPing:
			return nil, nil
		case KindRequestDatabase:
			return &RequestDatabasePayload{DatabasePort: "0", DatabaseName: "test-db", LockName: "tabsync:test-db"}, nil
		default:
			return nil, &ErrProtocol{Reason: "unexpected request kind: " + kind}
		}
	}, nil, nil)

	_, err = tab.Request(KindStartSynchronization, &StartSynchronizationPayload{DatabaseName: "enddb"}, time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return root.RunnerCount() == 1
	}, time.Second, 5*time.Millisecond)

	runner := root.referenceSyncTask("enddb")
	require.Eventually(t, func() bool {
		return runner.snapshot().host != nil
	}, time.Second, 5*time.Millisecond, "the only connected tab should become host")

	_, err = tab.Request(KindAbortSynchronization, nil, time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := runner.snapshot()
		return s.connectionCount == 0
	}, time.Second, 5*time.Millisecond)
}
