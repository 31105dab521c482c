package amqp

import (
	"context"
	"time"

	driver "github.com/rabbitmq/amqp091-go"
	"go.nexum.io/notifier/errors"
	xlog "go.nexum.io/notifier/log"
)

// Delivery instances represent a message received from the broker server.
type Delivery = driver.Delivery

// ErrDrop can be returned by a delivery handler to reject the message
// without requeueing it; use for poison messages that can never be
// processed. Any other non-nil error requeues the message for a later
// attempt.
var ErrDrop = errors.New("drop delivery")

// DeliveryHandler processes a single message. A nil return acknowledges
// the message; ErrDrop rejects it permanently; anything else requeues it.
type DeliveryHandler func(ctx context.Context, d Delivery) error

// ConsumerStatus describes whether the consumer is actively receiving
// messages or recovering from a failure.
type ConsumerStatus int

const (
	// StatusConsuming is reported when the consumer (re)establishes its
	// subscription.
	StatusConsuming ConsumerStatus = iota

	// StatusRecovering is reported when the subscription is lost and the
	// consumer starts restoring it.
	StatusRecovering
)

// String returns a textual representation of a status value.
func (s ConsumerStatus) String() string {
	if s == StatusConsuming {
		return "consuming"
	}
	return "recovering"
}

// StatusCallback receives consumer status transitions. Invoked from the
// consumer's state task; implementations must not block.
type StatusCallback func(status ConsumerStatus)

// ConsumeOptions describe the topology a consumer declares and consumes
// from. All declarations are made with server confirmation and explicit
// acknowledgements.
type ConsumeOptions struct {
	// Exchange to declare.
	Exchange Exchange

	// Queue to declare and consume from. An empty name generates a random
	// per-instance one.
	Queue Queue

	// Bindings between the exchange and the queue. An empty Queue field is
	// filled in with the declared queue name.
	Bindings []Binding

	// When set, the broker ensures this is the sole consumer of the queue.
	Exclusive bool
}

// Consumer receives messages from a queue and keeps its subscription alive
// across connection loss, channel loss and broker-side consumer
// cancellation, redeclaring the full topology on every recovery.
type Consumer struct {
	conn    *Connection // cloned connection handle, released on close
	opts    ConsumeOptions
	handler DeliveryHandler
	status  StatusCallback
	log     xlog.Logger

	queueName string
	tag       string

	// Current channel session; rebuilt on every recovery.
	ch       *driver.Channel
	cancelCh chan string
	chClose  chan *driver.Error

	acks chan ackRequest

	ctx  context.Context
	halt context.CancelFunc
	done chan struct{}
}

// Acknowledgement decision for a processed delivery.
type ackRequest struct {
	d   Delivery
	err error
}

// NewConsumer declares the requested topology, starts consumption and
// returns a handler that keeps the subscription alive until closed. The
// status callback is optional.
func NewConsumer(conn *Connection, opts ConsumeOptions, handler DeliveryHandler, status StatusCallback, ll xlog.Logger) (*Consumer, error) {
	if ll == nil {
		ll = xlog.Discard()
	}
	if status == nil {
		status = func(ConsumerStatus) {}
	}
	ctx, halt := context.WithCancel(context.Background())
	c := &Consumer{
		conn:    conn.Clone(),
		opts:    opts,
		handler: handler,
		status:  status,
		log:     ll.Sub(xlog.Fields{"component": "amqp-consumer", "exchange": opts.Exchange.Name}),
		acks:    make(chan ackRequest),
		ctx:     ctx,
		halt:    halt,
		done:    make(chan struct{}),
	}

	cur, _ := c.conn.state.conn.get()
	if cur == nil {
		c.release()
		halt()
		return nil, errors.New(errNotConnected)
	}
	ch, err := cur.Channel()
	if err != nil {
		c.release()
		halt()
		return nil, errors.Wrap(err, "failed to open channel")
	}
	c.setChannel(ch)
	if err = c.restore(); err != nil {
		_ = ch.Close()
		c.release()
		halt()
		return nil, err
	}

	go c.ackLoop()
	go c.run()
	return c, nil
}

// Close cancels the subscription, closes the channel and releases the
// connection handle. Both broker operations are best-effort.
func (c *Consumer) Close() error {
	c.log.Debug("closing consumer")
	c.halt()
	<-c.done
	c.release()
	return nil
}

func (c *Consumer) release() {
	if err := c.conn.Close(); err != nil {
		c.log.WithField("error", err.Error()).Debug("connection handle released")
	}
}

// Install a fresh channel session. A new cancellation listener is created
// here so stale signals from a dead channel are discarded.
func (c *Consumer) setChannel(ch *driver.Channel) {
	c.ch = ch
	c.cancelCh = make(chan string, 1)
	ch.NotifyCancel(c.cancelCh)
	c.chClose = make(chan *driver.Error, 1)
	ch.NotifyClose(c.chClose)
}

// Declare the topology and start consumption on the current channel.
func (c *Consumer) restore() error {
	c.log.Info("recreating exchange")
	if err := declareExchange(c.ch, c.opts.Exchange); err != nil {
		return errors.Wrap(err, "failed to declare exchange")
	}

	c.log.Info("recreating queue")
	name, err := declareQueue(c.ch, c.opts.Queue)
	if err != nil {
		return errors.Wrap(err, "failed to declare queue")
	}
	c.queueName = name
	if c.tag == "" {
		c.tag = getName(name)
	}

	c.log.Info("binding queue")
	for _, b := range c.opts.Bindings {
		if b.Queue == "" {
			b.Queue = c.queueName
		}
		if err := declareBinding(c.ch, b); err != nil {
			return errors.Wrap(err, "failed to bind queue")
		}
	}

	c.log.Info("consuming")
	deliveries, err := c.ch.Consume(c.queueName, c.tag, false, c.opts.Exclusive, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "failed to consume")
	}
	go c.dispatch(deliveries)
	return nil
}

// Run the delivery handler for every received message on its own task.
// The loop ends when the channel session dies.
func (c *Consumer) dispatch(deliveries <-chan driver.Delivery) {
	for d := range deliveries {
		go func(d Delivery) {
			err := c.handler(c.ctx, d)
			select {
			case c.acks <- ackRequest{d: d, err: err}:
			case <-c.ctx.Done():
			}
		}(d)
	}
}

// Serialize acknowledgement traffic through a single task.
func (c *Consumer) ackLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case req := <-c.acks:
			var err error
			switch {
			case req.err == nil:
				err = req.d.Ack(false)
			case errors.Is(req.err, ErrDrop):
				c.log.WithField("error", req.err.Error()).Warning("dropping delivery")
				err = req.d.Nack(false, false)
			default:
				c.log.WithField("error", req.err.Error()).Warning("requeueing delivery")
				err = req.d.Nack(false, true)
			}
			if err != nil {
				c.log.WithField("error", err.Error()).Warning("failed to settle delivery")
			}
		}
	}
}

// Consumer recovery states.
type consumerState int

const (
	consOk consumerState = iota
	consWaitingForConnection
	consRecreatingChannel
	consRestoringConsumer
	consClosed
)

// State machine task. Exits only on external close.
func (c *Consumer) run() {
	defer close(c.done)
	c.log.Info("state machine started")

	state := consOk
	for state != consClosed {
		select {
		case <-c.ctx.Done():
			state = consClosed
			continue
		default:
		}

		switch state {
		case consOk:
			c.log.Debug("state: ok")
			state = c.okState()
		case consWaitingForConnection:
			c.log.Debug("state: waiting for connection")
			state = c.waitingForConnectionState()
		case consRecreatingChannel:
			c.log.Debug("state: recreating channel")
			state = c.recreatingChannelState()
		case consRestoringConsumer:
			c.log.Debug("state: restoring consumer")
			state = c.restoringConsumerState()
		}
	}

	c.log.Debug("cancelling consumer")
	if err := c.ch.Cancel(c.tag, false); err != nil {
		c.log.WithField("error", err.Error()).Warning("cancelling consumer failed")
	}
	c.log.Debug("closing channel")
	if err := c.ch.Close(); err != nil {
		c.log.WithField("error", err.Error()).Warning("closing channel failed")
	}
	c.log.Info("state machine finished")
}

// Report the healthy status and wait for a failure edge.
func (c *Consumer) okState() consumerState {
	c.status(StatusConsuming)

	_, connCh := c.conn.state.conn.get()
	next := consClosed
	select {
	case <-c.ctx.Done():
		return consClosed
	case <-connCh:
		c.log.Info("connection changed")
		next = consWaitingForConnection
	case tag := <-c.cancelCh:
		c.log.WithField("tag", tag).Warning("consumer got cancelled")
		next = consRestoringConsumer
	case <-c.chClose:
		c.log.Warning("channel broken")
		next = consRecreatingChannel
	}

	c.status(StatusRecovering)
	return next
}

// Block until the watched connection becomes available again.
func (c *Consumer) waitingForConnectionState() consumerState {
	for {
		cur, connCh := c.conn.state.conn.get()
		if cur != nil {
			return consRecreatingChannel
		}
		select {
		case <-c.ctx.Done():
			return consClosed
		case <-connCh:
		}
	}
}

// Close the dead channel and open a fresh one, racing against another
// connection change.
func (c *Consumer) recreatingChannelState() consumerState {
	if err := c.ch.Close(); err != nil {
		c.log.WithField("error", err.Error()).Debug("failed to close channel")
	}

	attempt := 0
	for {
		cur, connCh := c.conn.state.conn.get()
		if cur == nil {
			return consWaitingForConnection
		}

		attempt++
		c.log.WithField("attempt", attempt).Info("recreating channel")
		ch, err := cur.Channel()
		if err == nil {
			c.setChannel(ch)
			return consRestoringConsumer
		}
		c.log.WithFields(xlog.Fields{
			"attempt": attempt,
			"error":   err.Error(),
		}).Warning("failed to recreate channel")

		select {
		case <-c.ctx.Done():
			return consClosed
		case <-connCh:
			c.log.Info("connection changed")
			return consWaitingForConnection
		case <-time.After(c.conn.state.retryInterval):
		}
	}
}

// Redeclare the topology and restart consumption.
func (c *Consumer) restoringConsumerState() consumerState {
	_, connCh := c.conn.state.conn.get()

	err := c.restore()

	select {
	case <-connCh:
		c.log.Info("connection changed")
		return consWaitingForConnection
	default:
	}
	if err != nil {
		c.log.WithField("error", err.Error()).Warning("failed to restore consumer")
		return consRecreatingChannel
	}
	return consOk
}
