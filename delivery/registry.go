package delivery

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	xlog "go.nexum.io/notifier/log"
	"go.nexum.io/notifier/wire"
)

// WebSocketsService fans notification events out to every live socket of
// their recipients.
type WebSocketsService interface {
	// HandleClient subscribes a freshly upgraded socket to its user's
	// broadcast channel and runs its connection engine. Blocks until the
	// connection closes.
	HandleClient(userID uuid.UUID, addr string, sock socket)

	// CloseConnections terminates every live socket of the user.
	// In-flight frames not yet acknowledged are lost; the core redelivers
	// through the undelivered state.
	CloseConnections(userID uuid.UUID)

	// Send fans one notification event out to the provided users, or to
	// every connected user when the list is empty. Users without live
	// sockets are a no-op.
	Send(userIDs []uuid.UUID, notification *wire.Notification)

	// UpdateNetworkStatus announces pipeline health to every connected
	// client as an out-of-band frame. Not retried beyond the generic
	// per-connection retry; the next status flip supersedes it.
	UpdateNetworkStatus(ok bool)

	// Close terminates every live socket.
	Close()
}

// ConfirmationsSender publishes user confirmations back toward the core.
type ConfirmationsSender interface {
	Send(confirmation wire.Confirmation)
}

type webSocketsService struct {
	cfg           WebSocketsServiceConfig
	confirmations ConfirmationsSender
	log           xlog.Logger
	metrics       *Metrics

	mu          sync.RWMutex
	connections map[uuid.UUID]*broadcaster
}

// NewWebSocketsService returns the per-user socket registry.
func NewWebSocketsService(cfg WebSocketsServiceConfig, confirmations ConfirmationsSender,
	metrics *Metrics, ll xlog.Logger) WebSocketsService {
	if ll == nil {
		ll = xlog.Discard()
	}
	return &webSocketsService{
		cfg:           cfg,
		confirmations: confirmations,
		log:           ll.Sub(xlog.Fields{"component": "websockets-service"}),
		metrics:       metrics,
		connections:   map[uuid.UUID]*broadcaster{},
	}
}

func (s *webSocketsService) HandleClient(userID uuid.UUID, addr string, sock socket) {
	s.mu.Lock()
	b, ok := s.connections[userID]
	if !ok {
		b = newBroadcaster()
		s.connections[userID] = b
	}
	sub := b.subscribe(s.cfg.ConnectionBufferSize)
	s.mu.Unlock()

	s.log.WithFields(xlog.Fields{
		"user_id": userID.String(),
		"address": addr,
	}).Info("client connected")
	conn := newWSConnection(s.cfg, userID, addr, sock, sub, s.metrics, s.log)
	conn.run()
}

func (s *webSocketsService) CloseConnections(userID uuid.UUID) {
	s.mu.Lock()
	b := s.connections[userID]
	delete(s.connections, userID)
	s.mu.Unlock()

	count := 0
	if b != nil {
		count = b.close()
	}
	s.log.WithFields(xlog.Fields{
		"user_id": userID.String(),
		"count":   count,
	}).Info("closed user connections")
}

func (s *webSocketsService) Close() {
	s.mu.Lock()
	connections := s.connections
	s.connections = map[uuid.UUID]*broadcaster{}
	s.mu.Unlock()

	count := 0
	for _, b := range connections {
		count += b.close()
	}
	s.log.WithField("count", count).Info("closed all connections")
}

func (s *webSocketsService) Send(userIDs []uuid.UUID, notification *wire.Notification) {
	env := s.createEnvelope(notification)
	if len(userIDs) == 0 {
		s.sendBroadcast(env)
		return
	}
	s.sendMulticast(userIDs, env)
}

func (s *webSocketsService) UpdateNetworkStatus(ok bool) {
	status := wire.NetworkError
	if ok {
		status = wire.NetworkOk
	}
	messageID := uuid.New()
	frame := wire.WebSocketNotification{
		MessageID:     messageID.String(),
		NetworkStatus: status,
	}
	s.log.WithField("ok", ok).Info("announcing network status")
	s.sendBroadcast(&envelope{
		messageID: messageID,
		payload:   frame.Marshal(),
	})
}

// Build one envelope shared by reference across every recipient. Only NEW
// notifications carry a delivered callback; it reports the confirmation
// toward the core once per user regardless of retransmits.
func (s *webSocketsService) createEnvelope(notification *wire.Notification) *envelope {
	messageID := uuid.New()
	body := *notification
	body.UserIDs = nil
	frame := wire.WebSocketNotification{
		MessageID:     messageID.String(),
		NetworkStatus: wire.NetworkOk,
		Notification:  &body,
	}
	env := &envelope{
		messageID: messageID,
		payload:   frame.Marshal(),
	}
	if notification.Status == wire.StatusNew {
		id := notification.ID
		env.delivered = func(userID uuid.UUID) {
			s.confirmations.Send(wire.Confirmation{
				ID:     id,
				UserID: userID.String(),
			})
		}
	}
	return env
}

func (s *webSocketsService) sendMulticast(userIDs []uuid.UUID, env *envelope) {
	s.mu.RLock()
	var idle []uuid.UUID
	for _, userID := range userIDs {
		b, ok := s.connections[userID]
		if !ok {
			continue
		}
		if b.send(env) == 0 {
			idle = append(idle, userID)
			continue
		}
		s.log.WithFields(xlog.Fields{
			"message_id": env.messageID.String(),
			"user_id":    userID.String(),
		}).Debug("queued message to be sent")
	}
	s.mu.RUnlock()
	s.dropIdle(idle)
}

func (s *webSocketsService) sendBroadcast(env *envelope) {
	s.mu.RLock()
	var idle []uuid.UUID
	for userID, b := range s.connections {
		if b.send(env) == 0 {
			idle = append(idle, userID)
			continue
		}
		s.log.WithFields(xlog.Fields{
			"message_id": env.messageID.String(),
			"user_id":    userID.String(),
		}).Debug("queued message to be sent")
	}
	s.mu.RUnlock()
	s.dropIdle(idle)
}

// Entries whose last socket disconnected are removed lazily on the next
// send that observes them empty.
func (s *webSocketsService) dropIdle(idle []uuid.UUID) {
	if len(idle) == 0 {
		return
	}
	s.mu.Lock()
	for _, userID := range idle {
		if b, ok := s.connections[userID]; ok && b.subscriberCount() == 0 {
			delete(s.connections, userID)
		}
	}
	s.mu.Unlock()
}

// broadcaster is the per-user fan-out point: one sender, any number of
// socket subscriptions.
type broadcaster struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: map[*subscription]struct{}{}}
}

// subscribe adds a receiver with the provided buffer capacity.
func (b *broadcaster) subscribe(capacity int) *subscription {
	sub := &subscription{
		ch:     make(chan *envelope, capacity),
		parent: b,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// send queues the envelope on every subscription and returns the number
// of live subscriptions. A subscription whose buffer is full cannot catch
// up anymore and is closed with a lag marker.
func (b *broadcaster) send(env *envelope) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- env:
		default:
			sub.lag.Store(true)
			sub.closeLocked()
		}
	}
	return len(b.subs)
}

// close terminates every subscription and returns how many were live.
func (b *broadcaster) close() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := len(b.subs)
	for sub := range b.subs {
		sub.closeLocked()
	}
	return count
}

func (b *broadcaster) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// subscription is one socket's receiver half of its user's broadcast
// channel.
type subscription struct {
	ch     chan *envelope
	parent *broadcaster
	lag    atomic.Bool
	once   sync.Once
}

// lagged reports whether the subscription was closed due to buffer
// overflow.
func (s *subscription) lagged() bool {
	return s.lag.Load()
}

// unsubscribe detaches the socket from its broadcaster.
func (s *subscription) unsubscribe() {
	s.parent.mu.Lock()
	delete(s.parent.subs, s)
	s.parent.mu.Unlock()
}

// Close the channel once; must be invoked with the parent lock held.
func (s *subscription) closeLocked() {
	delete(s.parent.subs, s)
	s.once.Do(func() { close(s.ch) })
}
