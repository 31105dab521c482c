package amqp

import (
	"context"
	"sync"
	"time"

	driver "github.com/rabbitmq/amqp091-go"
	"go.nexum.io/notifier/errors"
	xlog "go.nexum.io/notifier/log"
)

// Message sent to the server.
type Message = driver.Publishing

// A message accepted for publishing together with its routing key.
type outgoing struct {
	routingKey string
	msg        Message
}

// Entry on the unconfirmed deque; `seq` is the local sequence number
// matching the delivery tag the broker will confirm with.
type unconfirmedMsg struct {
	seq uint64
	out outgoing
}

// Broker confirmation for a published message. With `multiple` set the
// confirmation covers every message with a sequence number up to `tag`.
type confirmSignal struct {
	tag      uint64
	ack      bool
	multiple bool
}

// Producer publishes messages to a single exchange with publisher-confirm
// accounting. Messages are accepted on an in-memory queue and the Send call
// never blocks; anything not positively acknowledged by the broker when a
// channel or connection fails is replayed once the producer recovers.
// Delivery is at-least-once.
type Producer struct {
	conn     *Connection // cloned connection handle, released on close
	exchange Exchange
	log      xlog.Logger
	queue    *sendQueue
	flow     *watch[bool]

	// Current channel session; rebuilt on every recovery.
	ch       *driver.Channel
	confirms chan driver.Confirmation
	chClose  chan *driver.Error

	unconfirmed []unconfirmedMsg

	ctx  context.Context
	halt context.CancelFunc
	done chan struct{}
}

// NewProducer attaches a new producer to the provided connection. The
// exchange is declared immediately and redeclared as part of every
// recovery.
func NewProducer(conn *Connection, exchange Exchange, ll xlog.Logger) (*Producer, error) {
	if ll == nil {
		ll = xlog.Discard()
	}
	ctx, halt := context.WithCancel(context.Background())
	p := &Producer{
		conn:     conn.Clone(),
		exchange: exchange,
		log:      ll.Sub(xlog.Fields{"component": "amqp-producer", "exchange": exchange.Name}),
		queue:    newSendQueue(),
		flow:     newWatch(true),
		ctx:      ctx,
		halt:     halt,
		done:     make(chan struct{}),
	}

	cur, _ := p.conn.state.conn.get()
	if cur == nil {
		p.release()
		halt()
		return nil, errors.New(errNotConnected)
	}
	ch, err := cur.Channel()
	if err != nil {
		p.release()
		halt()
		return nil, errors.Wrap(err, "failed to open channel")
	}
	if err = ch.Confirm(false); err != nil {
		_ = ch.Close()
		p.release()
		halt()
		return nil, errors.Wrap(err, "failed to enable publisher confirms")
	}
	if err = declareExchange(ch, exchange); err != nil {
		_ = ch.Close()
		p.release()
		halt()
		return nil, errors.Wrap(err, "failed to declare exchange")
	}
	p.setChannel(ch)

	go p.run()
	return p, nil
}

// Send schedules a message for publishing. The call never blocks; delivery
// happens asynchronously and survives broker failures.
func (p *Producer) Send(routingKey string, msg Message) {
	p.queue.push(outgoing{routingKey: routingKey, msg: msg})
}

// Close stops the producer and releases its connection handle. Messages
// still queued or unconfirmed at this point are dropped.
func (p *Producer) Close() error {
	p.log.Debug("closing producer")
	p.halt()
	<-p.done
	p.release()
	return nil
}

// Release the cloned connection handle; other handles remaining is the
// expected case.
func (p *Producer) release() {
	if err := p.conn.Close(); err != nil {
		p.log.WithField("error", err.Error()).Debug("connection handle released")
	}
}

// Install a fresh channel session and its listeners.
func (p *Producer) setChannel(ch *driver.Channel) {
	p.ch = ch
	p.confirms = make(chan driver.Confirmation, 128)
	ch.NotifyPublish(p.confirms)
	p.chClose = make(chan *driver.Error, 1)
	ch.NotifyClose(p.chClose)
	flowCh := make(chan bool, 1)
	ch.NotifyFlow(flowCh)
	go func() {
		for active := range flowCh {
			p.flow.set(active)
		}
	}()
}

// Producer recovery states.
type producerState int

const (
	prodOk producerState = iota
	prodWaitingForConnection
	prodPendingConfirmations
	prodRecreatingChannel
	prodRestoringProducer
	prodClosed
)

// State machine task. Exits only on external close.
func (p *Producer) run() {
	defer close(p.done)
	p.log.Info("state machine started")

	state := prodOk
	for state != prodClosed {
		select {
		case <-p.ctx.Done():
			state = prodClosed
			continue
		default:
		}

		switch state {
		case prodOk:
			p.log.Debug("state: ok")
			state = p.okState()
		case prodWaitingForConnection:
			p.log.Debug("state: waiting for connection")
			state = p.waitingForConnectionState()
		case prodPendingConfirmations:
			p.log.Debug("state: processing pending confirmations")
			state = p.pendingConfirmationsState()
		case prodRecreatingChannel:
			p.log.Debug("state: recreating channel")
			state = p.recreatingChannelState()
		case prodRestoringProducer:
			p.log.Debug("state: restoring producer")
			state = p.restoringProducerState()
		}
	}

	p.log.Debug("closing channel")
	if err := p.ch.Close(); err != nil {
		p.log.WithField("error", err.Error()).Warning("failed to close channel")
	}
	p.log.Info("state machine finished")
}

// Drain the send queue while the connection is present, not blocked and
// flow is active; account every publish on the unconfirmed deque.
func (p *Producer) okState() producerState {
	flow, flowCh := p.flow.get()
	blocked, blockedCh := p.conn.state.blocked.get()
	_, connCh := p.conn.state.conn.get()

	// Local sequence numbers match the delivery tags of the fresh channel.
	var seq uint64

	for {
		msgReady := p.queue.ready()
		if blocked || !flow {
			msgReady = nil
		}

		select {
		case <-p.ctx.Done():
			return prodClosed

		case <-connCh:
			p.log.Info("connection changed")
			return prodWaitingForConnection

		case <-p.chClose:
			p.log.Warning("channel broken")
			return prodPendingConfirmations

		case <-flowCh:
			flow, flowCh = p.flow.get()
			p.log.WithField("flow", flow).Debug("flow changed")

		case <-blockedCh:
			blocked, blockedCh = p.conn.state.blocked.get()
			p.log.WithField("blocked", blocked).Debug("blocked changed")

		case c, ok := <-p.confirms:
			if !ok {
				// Listener died with the channel; the close notification
				// drives the transition.
				p.confirms = nil
				continue
			}
			p.processConfirm(confirmSignal{tag: c.DeliveryTag, ack: c.Ack})

		case <-msgReady:
			out, ok := p.queue.pop()
			if !ok {
				continue
			}
			seq++
			err := p.ch.PublishWithContext(p.ctx, p.exchange.Name, out.routingKey, false, false, out.msg)
			if err != nil {
				p.log.WithFields(xlog.Fields{
					"seq":   seq,
					"error": err.Error(),
				}).Warning("publish failed")
				// Put the message back at the head of the queue so it is sent
				// after recovery, ahead of messages accepted later.
				p.queue.pushFront(out)
				return prodPendingConfirmations
			}
			p.unconfirmed = append(p.unconfirmed, unconfirmedMsg{seq: seq, out: out})
			p.log.WithField("seq", seq).Debug("message published")
		}
	}
}

// Block until the watched connection becomes available again.
func (p *Producer) waitingForConnectionState() producerState {
	for {
		cur, connCh := p.conn.state.conn.get()
		if cur != nil {
			return prodPendingConfirmations
		}
		select {
		case <-p.ctx.Done():
			return prodClosed
		case <-connCh:
		}
	}
}

// The channel is gone so no further confirms will arrive: apply whatever
// is already queued, then schedule every still-unconfirmed message for
// another send, ahead of anything the send queue still holds.
func (p *Producer) pendingConfirmationsState() producerState {
	p.log.Info("processing remaining confirmations")
drain:
	for {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				break drain
			}
			p.processConfirm(confirmSignal{tag: c.DeliveryTag, ack: c.Ack})
		default:
			break drain
		}
	}

	p.log.WithField("count", len(p.unconfirmed)).Info("scheduling unconfirmed messages to be resent")
	replay := make([]outgoing, len(p.unconfirmed))
	for i, u := range p.unconfirmed {
		replay[i] = u.out
	}
	p.queue.pushFront(replay...)
	p.unconfirmed = nil

	return prodRecreatingChannel
}

// Close the dead channel and open a fresh one, racing against another
// connection change.
func (p *Producer) recreatingChannelState() producerState {
	if err := p.ch.Close(); err != nil {
		p.log.WithField("error", err.Error()).Debug("failed to close channel")
	}

	attempt := 0
	for {
		cur, connCh := p.conn.state.conn.get()
		if cur == nil {
			return prodWaitingForConnection
		}

		attempt++
		p.log.WithField("attempt", attempt).Info("recreating channel")
		ch, err := cur.Channel()
		if err == nil {
			p.setChannel(ch)
			// Makes sure the new channel's flow isn't inactive from the start.
			p.flow.set(true)
			return prodRestoringProducer
		}
		p.log.WithFields(xlog.Fields{
			"attempt": attempt,
			"error":   err.Error(),
		}).Warning("failed to recreate channel")

		select {
		case <-p.ctx.Done():
			return prodClosed
		case <-connCh:
			p.log.Info("connection changed")
			return prodWaitingForConnection
		case <-time.After(p.conn.state.retryInterval):
		}
	}
}

// Redeclare the exchange and re-enable publisher confirms on the fresh
// channel.
func (p *Producer) restoringProducerState() producerState {
	_, connCh := p.conn.state.conn.get()

	p.log.Info("recreating exchange")
	err := declareExchange(p.ch, p.exchange)
	if err == nil {
		p.log.Info("enabling publisher confirms")
		err = p.ch.Confirm(false)
	}

	select {
	case <-connCh:
		p.log.Info("connection changed")
		return prodWaitingForConnection
	default:
	}
	if err != nil {
		p.log.WithField("error", err.Error()).Warning("failed to restore producer")
		return prodRecreatingChannel
	}
	return prodOk
}

// Remove confirmed entries from the unconfirmed deque. Acked messages are
// settled; nacked messages are re-enqueued for another send. Entries are
// ordered by sequence number so multiple-confirmations pop from the front.
func (p *Producer) processConfirm(c confirmSignal) {
	onRemove := func(u unconfirmedMsg) {
		if !c.ack {
			p.queue.push(u.out)
			p.log.WithField("seq", u.seq).Debug("nacked message scheduled to be resent")
		}
	}

	if c.multiple {
		for len(p.unconfirmed) > 0 && p.unconfirmed[0].seq <= c.tag {
			u := p.unconfirmed[0]
			p.unconfirmed = p.unconfirmed[1:]
			onRemove(u)
		}
		return
	}

	for i, u := range p.unconfirmed {
		if u.seq == c.tag {
			p.unconfirmed = append(p.unconfirmed[:i], p.unconfirmed[i+1:]...)
			onRemove(u)
			return
		}
	}
	p.log.WithField("seq", c.tag).Debug("message already confirmed")
}

// Unbounded in-memory FIFO feeding the producer state machine. Pushes
// never block; the ready channel is signalled while items are available.
type sendQueue struct {
	mu     sync.Mutex
	items  []outgoing
	notify chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{notify: make(chan struct{}, 1)}
}

func (q *sendQueue) push(out outgoing) {
	q.mu.Lock()
	q.items = append(q.items, out)
	q.mu.Unlock()
	q.signal()
}

// pushFront puts messages back at the head of the queue, keeping their order.
func (q *sendQueue) pushFront(outs ...outgoing) {
	if len(outs) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(append(make([]outgoing, 0, len(outs)+len(q.items)), outs...), q.items...)
	q.mu.Unlock()
	q.signal()
}

func (q *sendQueue) pop() (outgoing, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return outgoing{}, false
	}
	out := q.items[0]
	q.items = q.items[1:]
	remaining := len(q.items)
	q.mu.Unlock()
	if remaining > 0 {
		q.signal()
	}
	return out, true
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ready returns the channel signalled while the queue holds items.
func (q *sendQueue) ready() <-chan struct{} {
	q.mu.Lock()
	if len(q.items) > 0 {
		q.mu.Unlock()
		q.signal()
	} else {
		q.mu.Unlock()
	}
	return q.notify
}

func (q *sendQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
