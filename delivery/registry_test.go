package delivery

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xlog "go.nexum.io/notifier/log"
	"go.nexum.io/notifier/wire"
)

// Confirmations sender fake recording every published confirmation.
type fakeConfirmations struct {
	mu   sync.Mutex
	sent []wire.Confirmation
}

func (f *fakeConfirmations) Send(confirmation wire.Confirmation) {
	f.mu.Lock()
	f.sent = append(f.sent, confirmation)
	f.mu.Unlock()
}

func (f *fakeConfirmations) snapshot() []wire.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Confirmation{}, f.sent...)
}

func newTestRegistry() (*webSocketsService, *fakeConfirmations) {
	confirmations := new(fakeConfirmations)
	svc := NewWebSocketsService(quietConfig(), confirmations, testMetrics(), xlog.Discard())
	return svc.(*webSocketsService), confirmations
}

// Attach a bare subscription for a user, bypassing the socket engine.
func attach(s *webSocketsService, userID uuid.UUID) *subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.connections[userID]
	if !ok {
		b = newBroadcaster()
		s.connections[userID] = b
	}
	return b.subscribe(s.cfg.ConnectionBufferSize)
}

func receive(t *testing.T, sub *subscription) *envelope {
	t.Helper()
	select {
	case env, ok := <-sub.ch:
		require.True(t, ok)
		return env
	case <-time.After(time.Second):
		t.Fatal("no envelope received in time")
		return nil
	}
}

func assertEmpty(t *testing.T, sub *subscription) {
	t.Helper()
	select {
	case env := <-sub.ch:
		t.Fatalf("unexpected envelope: %v", env.messageID)
	case <-time.After(50 * time.Millisecond):
	}
}

func sampleNotification(status wire.Status) *wire.Notification {
	seen := false
	return &wire.Notification{
		ID:        "65f1c0ffee0000000000c0de",
		Status:    status,
		Timestamp: time.Now().UTC(),
		Seen:      &seen,
	}
}

func TestRegistrySend(t *testing.T) {
	t.Run("Unicast", func(t *testing.T) {
		svc, _ := newTestRegistry()
		user1, user2 := uuid.New(), uuid.New()
		sub1 := attach(svc, user1)
		sub2 := attach(svc, user2)

		svc.Send([]uuid.UUID{user1}, sampleNotification(wire.StatusUpdated))

		receive(t, sub1)
		assertEmpty(t, sub2)
	})

	t.Run("Multicast", func(t *testing.T) {
		svc, _ := newTestRegistry()
		user1, user2, user3 := uuid.New(), uuid.New(), uuid.New()
		sub1 := attach(svc, user1)
		sub2 := attach(svc, user2)
		sub3 := attach(svc, user3)

		svc.Send([]uuid.UUID{user1, user3}, sampleNotification(wire.StatusUpdated))

		env1 := receive(t, sub1)
		env3 := receive(t, sub3)
		assertEmpty(t, sub2)

		// One envelope shared by reference across recipients.
		assert.Same(t, env1, env3)
	})

	t.Run("Broadcast", func(t *testing.T) {
		svc, _ := newTestRegistry()
		subs := []*subscription{
			attach(svc, uuid.New()),
			attach(svc, uuid.New()),
			attach(svc, uuid.New()),
		}

		svc.Send(nil, sampleNotification(wire.StatusNew))

		for _, sub := range subs {
			receive(t, sub)
		}
	})

	t.Run("MissingUserIsNoOp", func(t *testing.T) {
		svc, _ := newTestRegistry()
		svc.Send([]uuid.UUID{uuid.New()}, sampleNotification(wire.StatusNew))
	})

	t.Run("AllSocketsOfUser", func(t *testing.T) {
		svc, _ := newTestRegistry()
		user := uuid.New()
		sub1 := attach(svc, user)
		sub2 := attach(svc, user)

		svc.Send([]uuid.UUID{user}, sampleNotification(wire.StatusNew))

		receive(t, sub1)
		receive(t, sub2)
	})
}

func TestRegistryEnvelope(t *testing.T) {
	t.Run("NewCarriesDeliveredCallback", func(t *testing.T) {
		svc, confirmations := newTestRegistry()
		user := uuid.New()
		sub := attach(svc, user)

		notification := sampleNotification(wire.StatusNew)
		svc.Send([]uuid.UUID{user}, notification)
		env := receive(t, sub)
		require.NotNil(t, env.delivered)

		env.confirm(user)
		env.confirm(user) // retransmitted ack is suppressed

		sent := confirmations.snapshot()
		require.Len(t, sent, 1)
		assert.Equal(t, notification.ID, sent[0].ID)
		assert.Equal(t, user.String(), sent[0].UserID)
	})

	t.Run("CallbackPerUser", func(t *testing.T) {
		svc, confirmations := newTestRegistry()
		user1, user2 := uuid.New(), uuid.New()
		sub1 := attach(svc, user1)
		attach(svc, user2)

		svc.Send([]uuid.UUID{user1, user2}, sampleNotification(wire.StatusNew))
		env := receive(t, sub1)

		env.confirm(user1)
		env.confirm(user2)
		assert.Len(t, confirmations.snapshot(), 2)
	})

	t.Run("UpdateHasNoCallback", func(t *testing.T) {
		svc, _ := newTestRegistry()
		user := uuid.New()
		sub := attach(svc, user)

		svc.Send([]uuid.UUID{user}, sampleNotification(wire.StatusUpdated))
		env := receive(t, sub)
		assert.Nil(t, env.delivered)
	})

	t.Run("PayloadDecodes", func(t *testing.T) {
		svc, _ := newTestRegistry()
		user := uuid.New()
		sub := attach(svc, user)

		notification := sampleNotification(wire.StatusNew)
		svc.Send([]uuid.UUID{user}, notification)
		env := receive(t, sub)

		frame := new(wire.WebSocketNotification)
		require.Nil(t, frame.Unmarshal(env.payload))
		assert.Equal(t, env.messageID.String(), frame.MessageID)
		assert.Equal(t, wire.NetworkOk, frame.NetworkStatus)
		require.NotNil(t, frame.Notification)
		assert.Equal(t, notification.ID, frame.Notification.ID)
	})
}

func TestRegistryNetworkStatus(t *testing.T) {
	svc, _ := newTestRegistry()
	sub := attach(svc, uuid.New())

	svc.UpdateNetworkStatus(false)
	env := receive(t, sub)

	frame := new(wire.WebSocketNotification)
	require.Nil(t, frame.Unmarshal(env.payload))
	assert.Equal(t, wire.NetworkError, frame.NetworkStatus)
	assert.Nil(t, frame.Notification)
	assert.Nil(t, env.delivered)
}

func TestRegistryCloseConnections(t *testing.T) {
	svc, _ := newTestRegistry()
	user := uuid.New()
	sub := attach(svc, user)

	svc.CloseConnections(user)

	_, ok := <-sub.ch
	assert.False(t, ok)
	svc.mu.RLock()
	_, present := svc.connections[user]
	svc.mu.RUnlock()
	assert.False(t, present)
}

func TestRegistryDropsIdleEntries(t *testing.T) {
	svc, _ := newTestRegistry()
	user := uuid.New()
	sub := attach(svc, user)
	sub.unsubscribe()

	// The empty entry survives until the next send observes it.
	svc.Send([]uuid.UUID{user}, sampleNotification(wire.StatusUpdated))

	svc.mu.RLock()
	_, present := svc.connections[user]
	svc.mu.RUnlock()
	assert.False(t, present)
}
