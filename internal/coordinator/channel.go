package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/powersync/tabsync/pkg/logging"
)

// Channel wraps one *websocket.Conn, the Go realization of one tab's
// MessagePort (spec.md §3, §10). It demultiplexes inbound frames between
// replies to pending requests and incoming requests/notifications, and
// serializes all outbound frames through a single writer goroutine.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// ErrDisconnected is returned by Request/Notify/Ping once the Channel has
// closed, and by a pending request whose Channel closes before a reply
// arrives.
var ErrDisconnected = errors.New("coordinator: channel disconnected")

// ErrProtocol is returned when a peer sends a frame that violates the
// Channel's wire protocol (unroutable reply, unknown request kind).
type ErrProtocol struct{ Reason string }

func (e *ErrProtocol) Error() string { return "coordinator: protocol error: " + e.Reason }

// RequestHandler answers an inbound request with a reply payload, or an
// error which is sent back as a failed reply.
type RequestHandler func(kind Kind, payload json.RawMessage) (any, error)

// NotifyHandler observes an inbound notification.
type NotifyHandler func(kind Kind, payload json.RawMessage)

type pendingRequest struct {
	reply chan *Message
}

// Channel is safe for concurrent use by multiple goroutines.
type Channel struct {
	conn   *websocket.Conn
	logger logging.Logger

	onRequest RequestHandler
	onNotify  NotifyHandler

	outbox chan *Message

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
	closeCh chan struct{}
	closeOnce sync.Once

	onClose func()
}

// NewChannel wraps conn and immediately starts its read and write pumps.
// onRequest answers requests from the peer; onNotify observes
// notifications from the peer. onClose fires exactly once, when the first
// of the channel's pumps exits and tears the channel down.
func NewChannel(conn *websocket.Conn, logger logging.Logger, onRequest RequestHandler, onNotify NotifyHandler, onClose func()) *Channel {
	c := &Channel{
		conn:      conn,
		logger:    logger,
		onRequest: onRequest,
		onNotify:  onNotify,
		outbox:    make(chan *Message, 64),
		pending:   make(map[string]*pendingRequest),
		closeCh:   make(chan struct{}),
		onClose:   onClose,
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	return c
}

// Request sends kind/payload to the peer and blocks until a reply
// arrives, ctx-equivalent timeout elapses, or the channel disconnects.
func (c *Channel) Request(kind Kind, payload any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("coordinator: marshal %s payload: %w", kind, err)
	}

	id := uuid.New().String()
	pr := &pendingRequest{reply: make(chan *Message, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	c.pending[id] = pr
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := &Message{Kind: kind, CorrelationID: id, Payload: raw}
	select {
	case c.outbox <- msg:
	case <-c.closeCh:
		return nil, ErrDisconnected
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-pr.reply:
		if reply == nil {
			return nil, ErrDisconnected
		}
		if reply.Error != "" {
			return nil, errors.New(reply.Error)
		}
		return reply.Payload, nil
	case <-timer.C:
		return nil, fmt.Errorf("coordinator: request %s timed out after %s", kind, timeout)
	case <-c.closeCh:
		return nil, ErrDisconnected
	}
}

// Notify sends a fire-and-forget message with no reply expected.
func (c *Channel) Notify(kind Kind, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("coordinator: marshal %s payload: %w", kind, err)
	}

	select {
	case c.outbox <- &Message{Kind: kind, Payload: raw}:
		return nil
	case <-c.closeCh:
		return ErrDisconnected
	}
}

// Ping issues a ping request and is used unmodified by the sync runner's
// host election (spec.md §4.3.3).
func (c *Channel) Ping(timeout time.Duration) error {
	_, err := c.Request(KindPing, nil, timeout)
	return err
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.conn.Close()
	})
	return nil
}

func (c *Channel) readPump() {
	defer c.teardown()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.WithError(err).Warn("coordinator: discarding malformed frame")
			continue
		}

		c.dispatch(&msg)
	}
}

func (c *Channel) dispatch(msg *Message) {
	if msg.IsReply {
		// Hold the lock across the send itself: teardown() swaps out
		// c.pending under the same lock and only then closes every old
		// entry's reply channel, so this send either completes before the
		// swap or finds the entry already gone, never a channel that
		// closes mid-send.
		c.mu.Lock()
		pr, ok := c.pending[msg.CorrelationID]
		if ok {
			pr.reply <- msg
		}
		c.mu.Unlock()
		if !ok {
			c.logger.WithField("correlationId", msg.CorrelationID).Warn("coordinator: reply to unknown request")
		}
		return
	}

	if msg.CorrelationID == "" {
		if c.onNotify != nil {
			c.onNotify(msg.Kind, msg.Payload)
		}
		return
	}

	if c.onRequest == nil {
		c.sendErrorReply(msg.CorrelationID, (&ErrProtocol{Reason: "no request handler installed"}).Error())
		return
	}

	result, err := c.onRequest(msg.Kind, msg.Payload)
	if err != nil {
		c.sendErrorReply(msg.CorrelationID, err.Error())
		return
	}

	raw, err := marshalPayload(result)
	if err != nil {
		c.sendErrorReply(msg.CorrelationID, err.Error())
		return
	}

	select {
	case c.outbox <- &Message{Kind: msg.Kind, CorrelationID: msg.CorrelationID, Payload: raw, IsReply: true}:
	case <-c.closeCh:
	}
}

func (c *Channel) sendErrorReply(correlationID, reason string) {
	select {
	case c.outbox <- &Message{CorrelationID: correlationID, IsReply: true, Error: reason}:
	case <-c.closeCh:
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.teardown()
	}()

	for {
		select {
		case msg, ok := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			raw, err := json.Marshal(msg)
			if err != nil {
				c.logger.WithError(err).Error("coordinator: marshal outbound frame")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *Channel) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, pr := range pending {
		close(pr.reply)
	}

	c.Close()

	if c.onClose != nil {
		c.onClose()
	}
}
