package coordinator

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/powersync/tabsync/pkg/logging"
)

// ConnectedClient binds one Channel to the worker root (spec.md §4.2). It
// restricts the set of requests it will accept from the peer to exactly
// startSynchronization and abortSynchronization, forwards process-wide log
// records to the tab over logEvent notifications, and is safe to mark
// closed more than once.
type ConnectedClient struct {
	id      string
	channel *Channel
	logger  logging.Logger

	onStart func(cc *ConnectedClient, databaseName string) error
	onAbort func(cc *ConnectedClient)

	unsubscribeLog func()

	closeOnce sync.Once
	onClosed  func(*ConnectedClient)
}

// NewConnectedClient upgrades conn into a ConnectedClient. onStart is
// invoked synchronously from the Channel's read pump when the tab sends
// startSynchronization; its error becomes a failed reply. onAbort is
// invoked when the tab sends abortSynchronization. onClosed fires exactly
// once when the underlying Channel disconnects. Each callback receives
// the ConnectedClient itself rather than the caller closing over a
// variable that may not be assigned yet when the Channel's read pump
// starts (NewChannel launches it before this constructor returns).
func NewConnectedClient(
	id string,
	conn *websocket.Conn,
	logger logging.Logger,
	sink *logging.Sink,
	onStart func(cc *ConnectedClient, databaseName string) error,
	onAbort func(cc *ConnectedClient),
	onClosed func(*ConnectedClient),
) *ConnectedClient {
	cc := &ConnectedClient{
		id:       id,
		logger:   logger,
		onStart:  onStart,
		onAbort:  onAbort,
		onClosed: onClosed,
	}

	cc.channel = NewChannel(conn, logger, cc.handleRequest, nil, cc.markClosed)

	if sink != nil {
		records, unsubscribe := sink.Subscribe(256)
		cc.unsubscribeLog = unsubscribe
		go cc.forwardLog(records)
	}

	return cc
}

// ID identifies the client for logging and diagnostics.
func (cc *ConnectedClient) ID() string { return cc.id }

// Channel returns the underlying request/notify/ping transport, used by
// the sync runner once this client becomes host.
func (cc *ConnectedClient) Channel() *Channel { return cc.channel }

func (cc *ConnectedClient) handleRequest(kind Kind, payload json.RawMessage) (any, error) {
	switch kind {
	case KindStartSynchronization:
		var p StartSynchronizationPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &ErrProtocol{Reason: "malformed startSynchronization payload"}
		}
		return nil, cc.onStart(cc, p.DatabaseName)
	case KindAbortSynchronization:
		cc.onAbort(cc)
		return nil, nil
	default:
		return nil, &ErrProtocol{Reason: "unexpected request kind: " + string(kind)}
	}
}

func (cc *ConnectedClient) forwardLog(records <-chan logging.Record) {
	for rec := range records {
		if err := cc.channel.Notify(KindLogEvent, &LogEventPayload{Text: rec.Line()}); err != nil {
			return
		}
	}
}

// markClosed runs the ConnectedClient's teardown exactly once, regardless
// of whether it is triggered by the Channel disconnecting or by an
// explicit Close call from the worker root.
func (cc *ConnectedClient) markClosed() {
	cc.closeOnce.Do(func() {
		if cc.unsubscribeLog != nil {
			cc.unsubscribeLog()
		}
		if cc.onClosed != nil {
			cc.onClosed(cc)
		}
	})
}

// Close disconnects the underlying channel, idempotently triggering markClosed.
func (cc *ConnectedClient) Close() {
	cc.channel.Close()
}

// Ping is exposed for the sync runner's host-liveness election.
func (cc *ConnectedClient) Ping(timeout time.Duration) error {
	return cc.channel.Ping(timeout)
}
