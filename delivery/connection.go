package delivery

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.nexum.io/notifier/errors"
	xlog "go.nexum.io/notifier/log"
	"go.nexum.io/notifier/wire"
)

// WebSocketsServiceConfig adjusts per-connection delivery behavior.
type WebSocketsServiceConfig struct {
	// How often the server pings an idle connection. A peer that misses
	// two consecutive pings is considered unresponsive.
	PingInterval time.Duration

	// Delay before an unacknowledged frame is retransmitted.
	RetryInterval time.Duration

	// How many times a frame is retransmitted before the connection is
	// considered unresponsive.
	RetryMaxCount int

	// Capacity of the per-connection broadcast buffer. A connection that
	// falls this far behind is closed and must reconnect.
	ConnectionBufferSize int
}

// socket is the subset of *websocket.Conn the connection engine drives.
type socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Inbound events surfaced by the read task.
type inboundEvent struct {
	kind    int
	payload []byte
	err     error
}

// wsConnection owns one WebSocket and all delivery bookkeeping for it:
// heartbeats, at-least-once sends with application-level acknowledgement,
// and retransmits. A connection failure closes this socket only.
type wsConnection struct {
	cfg     WebSocketsServiceConfig
	userID  uuid.UUID
	sock    socket
	sub     *subscription
	log     xlog.Logger
	metrics *Metrics

	inbound chan inboundEvent
	done    chan struct{}

	unconfirmed []*unconfirmedMessage

	pingTime    time.Time
	pingMessage uint32
	pingsSent   int
}

func newWSConnection(cfg WebSocketsServiceConfig, userID uuid.UUID, addr string, sock socket,
	sub *subscription, metrics *Metrics, ll xlog.Logger) *wsConnection {
	return &wsConnection{
		cfg:     cfg,
		userID:  userID,
		sock:    sock,
		sub:     sub,
		log:     ll.Sub(xlog.Fields{"component": "websocket", "user_id": userID.String(), "address": addr}),
		metrics: metrics,
		inbound: make(chan inboundEvent),
		done:    make(chan struct{}),
	}
}

// Surface frames and read failures to the main loop. Pongs arrive through
// the handler installed on the transport; pings are answered by the
// transport itself and never surface.
func (c *wsConnection) readLoop() {
	c.sock.SetPongHandler(func(appData string) error {
		select {
		case c.inbound <- inboundEvent{kind: websocket.PongMessage, payload: []byte(appData)}:
		case <-c.done:
		}
		return nil
	})
	for {
		kind, payload, err := c.sock.ReadMessage()
		select {
		case c.inbound <- inboundEvent{kind: kind, payload: payload, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Main loop: a biased select over the heartbeat timer, incoming frames,
// the user's broadcast channel and the retransmit deadline of the oldest
// in-flight frame.
func (c *wsConnection) run() {
	go c.readLoop()
	c.pingTime = time.Now().Add(c.cfg.PingInterval)

	err := c.loop()
	if err != nil {
		c.log.WithField("reason", err.Error()).Info("closing connection")
	}

	close(c.done)
	if err := c.sock.Close(); err != nil {
		c.log.WithField("error", err.Error()).Debug("failed to close websocket")
	}
	c.sub.unsubscribe()
}

func (c *wsConnection) loop() error {
	for {
		pingTimer := time.NewTimer(time.Until(c.pingTime))

		var retryCh <-chan time.Time
		var retryTimer *time.Timer
		if len(c.unconfirmed) > 0 {
			retryTimer = time.NewTimer(time.Until(c.unconfirmed[0].retryAt))
			retryCh = retryTimer.C
		}

		var err error
		select {
		case <-pingTimer.C:
			err = c.processPing()

		case ev := <-c.inbound:
			err = c.processIncoming(ev)

		case env, ok := <-c.sub.ch:
			err = c.processMessage(env, ok)

		case <-retryCh:
			queued := c.unconfirmed[0]
			c.unconfirmed = c.unconfirmed[1:]
			err = c.processUnconfirmed(queued)
		}

		pingTimer.Stop()
		if retryTimer != nil {
			retryTimer.Stop()
		}
		if err != nil {
			return err
		}
	}
}

// Heartbeat: two unanswered pings close the connection. Each heartbeat
// round uses a fresh nonce so stale pongs never count.
func (c *wsConnection) processPing() error {
	if c.pingsSent > 1 {
		return errors.New("user unresponsive: missed two pings")
	}

	if c.pingsSent == 0 {
		c.pingMessage++
	}

	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, c.pingMessage)
	if err := c.sock.WriteMessage(websocket.PingMessage, payload); err != nil {
		return errors.Wrap(err, "failed to send ping")
	}
	c.log.WithField("ping_message", c.pingMessage).Debug("ping sent")

	c.pingsSent++
	c.pingTime = time.Now().Add(c.cfg.PingInterval)
	return nil
}

func (c *wsConnection) processIncoming(ev inboundEvent) error {
	if ev.err != nil {
		return errors.Wrap(ev.err, "failed to read incoming message")
	}
	switch ev.kind {
	case websocket.BinaryMessage:
		return c.processConfirmation(ev.payload)
	case websocket.PongMessage:
		return c.processPong(ev.payload)
	case websocket.TextMessage:
		return errors.New("received text message")
	default:
		return errors.New("received unsupported message")
	}
}

// Application-level acknowledgement: remove the matching in-flight entry
// and run its delivered callback. Unknown ids, such as a repeated
// acknowledgement of a frame already confirmed, are ignored.
func (c *wsConnection) processConfirmation(payload []byte) error {
	confirmation := new(wire.WebSocketConfirmation)
	if err := confirmation.Unmarshal(payload); err != nil {
		return errors.Wrap(err, "failed to decode confirmation")
	}
	messageID, err := uuid.Parse(confirmation.MessageID)
	if err != nil {
		return errors.Wrap(err, "failed to decode confirmation: invalid message_id")
	}

	idx := -1
	for i, queued := range c.unconfirmed {
		if queued.env.messageID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.log.WithField("message_id", confirmation.MessageID).Debug("confirmation was not expected")
		return nil
	}

	// The user is responsive, so the next ping can be deferred.
	c.pingTime = time.Now().Add(c.cfg.PingInterval)
	c.pingsSent = 0

	queued := c.unconfirmed[idx]
	c.unconfirmed = append(c.unconfirmed[:idx], c.unconfirmed[idx+1:]...)
	c.metrics.ConfirmationsReceived.Inc()
	c.log.WithField("message_id", confirmation.MessageID).Debug("message confirmed")

	queued.env.confirm(c.userID)
	return nil
}

func (c *wsConnection) processPong(payload []byte) error {
	if len(payload) != 4 {
		return errors.Errorf("pong payload length invalid: len %d expected 4", len(payload))
	}
	pongMessage := binary.BigEndian.Uint32(payload)

	// Pong was delayed or no ping was sent; not an error.
	if c.pingsSent == 0 {
		c.log.Debug("pong was not expected")
		return nil
	}

	// Pong was delayed and a new ping had already been sent; also not an
	// error.
	if pongMessage != c.pingMessage {
		c.log.WithFields(xlog.Fields{
			"pong_message": pongMessage,
			"ping_message": c.pingMessage,
		}).Debug("pong does not match expected message")
		return nil
	}

	c.pingTime = time.Now().Add(c.cfg.PingInterval)
	c.pingsSent = 0
	return nil
}

// First transmission of a broadcast envelope.
func (c *wsConnection) processMessage(env *envelope, ok bool) error {
	if !ok {
		if c.sub.lagged() {
			return errors.New("connection lagged behind its broadcast buffer")
		}
		return errors.New("connection forcefully closed")
	}

	c.log.WithField("message_id", env.messageID.String()).Debug("sending message")
	if err := c.sock.WriteMessage(websocket.BinaryMessage, env.payload); err != nil {
		return errors.Wrap(err, "sending message failed")
	}
	c.metrics.FramesSent.Inc()

	c.unconfirmed = append(c.unconfirmed, &unconfirmedMessage{
		retryAt:          time.Now().Add(c.cfg.RetryInterval),
		retriesRemaining: c.cfg.RetryMaxCount,
		env:              env,
	})
	return nil
}

// Retransmission of the oldest unacknowledged frame.
func (c *wsConnection) processUnconfirmed(queued *unconfirmedMessage) error {
	messageID := queued.env.messageID.String()
	if queued.retriesRemaining == 0 {
		return errors.Errorf("user unresponsive: message %s not confirmed in time", messageID)
	}

	queued.retryAt = time.Now().Add(c.cfg.RetryInterval)
	queued.retriesRemaining--

	c.log.WithFields(xlog.Fields{
		"message_id":        messageID,
		"retries_remaining": queued.retriesRemaining,
	}).Debug("resending message")
	if err := c.sock.WriteMessage(websocket.BinaryMessage, queued.env.payload); err != nil {
		return errors.Wrap(err, "failed to resend message")
	}
	c.metrics.FramesSent.Inc()

	c.unconfirmed = append(c.unconfirmed, queued)
	return nil
}
