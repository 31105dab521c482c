package delivery

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// envelope is a single in-memory message fanned out to every live socket
// of its recipients. The payload is the fully encoded WebSocket frame;
// sockets share the envelope by reference.
type envelope struct {
	messageID uuid.UUID
	payload   []byte

	// Invoked when a user acknowledges the message. Nil when no
	// confirmation is expected (updates, deletes, network status).
	delivered func(userID uuid.UUID)

	// Guards the delivered callback so retransmitted acknowledgements
	// fire it at most once per user.
	notified sync.Map
}

// confirm runs the delivered callback exactly once per user.
func (e *envelope) confirm(userID uuid.UUID) {
	if e.delivered == nil {
		return
	}
	if _, dup := e.notified.LoadOrStore(userID, struct{}{}); !dup {
		e.delivered(userID)
	}
}

// unconfirmedMessage is one in-flight frame awaiting application-level
// acknowledgement on a single socket. Entries live on a FIFO ordered by
// insertion; front-to-back matches oldest-to-newest in flight.
type unconfirmedMessage struct {
	retryAt          time.Time
	retriesRemaining int
	env              *envelope
}
