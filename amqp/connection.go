package amqp

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	driver "github.com/rabbitmq/amqp091-go"
	"go.nexum.io/notifier/errors"
	xlog "go.nexum.io/notifier/log"
)

const (
	// When restoring broker-side state after a failure.
	defaultRetryInterval = 3 * time.Second
)

// Common errors.
var (
	errHandlesRemain = "other connection handles still exist"
	errNotConnected  = "not connected to a server"
)

// Option adjusts the settings of a component on creation.
type Option func(*connState) error

// WithName sets the entity identifier used on logs and generated names.
func WithName(name string) Option {
	return func(s *connState) error {
		s.name = name
		return nil
	}
}

// WithTLS enables AMQPS connections using the provided credentials.
func WithTLS(conf *tls.Config) Option {
	return func(s *connState) error {
		s.tlsConf = conf
		return nil
	}
}

// WithLogger sets the handler used for operational logs.
func WithLogger(ll xlog.Logger) Option {
	return func(s *connState) error {
		s.log = ll
		return nil
	}
}

// WithRetryInterval adjusts the delay between recovery attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(s *connState) error {
		s.retryInterval = d
		return nil
	}
}

// Connection is a cloneable handle to a single long-lived broker
// connection. All producers and consumers attached to the connection share
// it; each opens its own channel. The underlying connection reconnects on
// its own after network failures and only shuts down when the last handle
// is closed.
type Connection struct {
	state  *connState
	mu     sync.Mutex
	closed bool
}

// Shared state behind every handle of the same connection.
type connState struct {
	name          string                      // entity identifier
	addr          string                      // broker endpoint
	tlsConf       *tls.Config                 // TLS settings when using AMQPS
	retryInterval time.Duration               // delay between recovery attempts
	log           xlog.Logger                 // internal logger
	conn          *watch[*driver.Connection]  // broker connection; nil during recovery
	blocked       *watch[bool]                // server-side flow control signal
	refs          int                         // live handle count
	mu            sync.Mutex                  // guards refs
	ctx           context.Context             // cancelled on final close
	halt          context.CancelFunc
	done          chan struct{}               // closed when the state task exits
}

// Dial opens a broker connection and starts the background task that keeps
// it alive. The returned handle must eventually be released with Close.
func Dial(addr string, options ...Option) (*Connection, error) {
	ctx, halt := context.WithCancel(context.Background())
	s := &connState{
		addr:          addr,
		retryInterval: defaultRetryInterval,
		log:           xlog.Discard(),
		conn:          newWatch[*driver.Connection](nil),
		blocked:       newWatch(false),
		refs:          1,
		ctx:           ctx,
		halt:          halt,
		done:          make(chan struct{}),
	}
	for _, opt := range options {
		if err := opt(s); err != nil {
			halt()
			return nil, err
		}
	}
	if s.name == "" {
		s.name = getName("connection")
	}
	s.log = s.log.Sub(xlog.Fields{"component": "amqp-connection", "name": s.name})

	conn, err := s.dial()
	if err != nil {
		halt()
		return nil, errors.Wrap(err, "failed to connect")
	}
	s.log.Info("connected")

	// Publish the handle before the state task starts so producers and
	// consumers created right after Dial observe a live connection.
	s.conn.set(conn)

	go s.run(conn)
	return &Connection{state: s}, nil
}

// Clone returns a new handle to the same underlying connection.
func (c *Connection) Clone() *Connection {
	c.state.mu.Lock()
	c.state.refs++
	c.state.mu.Unlock()
	return &Connection{state: c.state}
}

// Close releases this handle. While other handles exist the connection
// keeps running (and reconnecting) and an error is returned; closing the
// last handle stops the recovery task and closes the network connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("handle is already closed")
	}
	c.closed = true
	c.mu.Unlock()

	c.state.mu.Lock()
	c.state.refs--
	remaining := c.state.refs
	c.state.mu.Unlock()
	if remaining > 0 {
		return errors.New(errHandlesRemain)
	}

	c.state.halt()
	<-c.state.done
	return nil
}

// Blocked reports the latest server-side flow control state together with
// a channel closed on the next change.
func (c *Connection) Blocked() (bool, <-chan struct{}) {
	return c.state.blocked.get()
}

// Open the network connection.
func (s *connState) dial() (*driver.Connection, error) {
	if s.tlsConf != nil {
		return driver.DialTLS(s.addr, s.tlsConf)
	}
	return driver.Dial(s.addr)
}

// Connection recovery states.
type connectionState int

const (
	connOk connectionState = iota
	connClosing
	connRestoring
	connRestoringCallback
)

// Keep the connection alive until the last handle is closed. Each state
// observes the close signal with priority over its own work.
func (s *connState) run(conn *driver.Connection) {
	defer close(s.done)

	closeCh := conn.NotifyClose(make(chan *driver.Error, 1))
	blockedCh := conn.NotifyBlocked(make(chan driver.Blocking, 4))

	state := connOk
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown(conn)
			return
		default:
		}

		switch state {
		case connOk:
			select {
			case <-s.ctx.Done():
				s.shutdown(conn)
				return
			case b, ok := <-blockedCh:
				if !ok {
					// Listener dies with the connection; the close
					// notification drives recovery.
					blockedCh = nil
					continue
				}
				s.blocked.set(b.Active)
				s.log.WithField("blocked", b.Active).Debug("flow control changed")
			case <-closeCh:
				s.log.Warning("connection broken")
				state = connClosing
			}

		case connClosing:
			s.conn.set(nil)
			if err := conn.Close(); err != nil {
				s.log.WithField("error", err.Error()).Debug("failed to close broken connection")
			}
			state = connRestoring

		case connRestoring:
			restored, err := retry(s.ctx, s.retryInterval, retryHooks{
				onAttempt: func(attempt int) {
					s.log.WithField("attempt", attempt).Info("recreating connection")
				},
				onError: func(attempt int, err error) {
					s.log.WithFields(xlog.Fields{
						"attempt": attempt,
						"error":   err.Error(),
					}).Warning("failed to recreate connection")
				},
			}, s.dial)
			if err != nil {
				// Closed while recovering; there is no connection to release.
				return
			}
			conn = restored
			s.log.Info("connection recreated")

			// Makes sure the new connection isn't blocked from the start.
			s.blocked.set(false)
			state = connRestoringCallback

		case connRestoringCallback:
			closeCh = conn.NotifyClose(make(chan *driver.Error, 1))
			blockedCh = conn.NotifyBlocked(make(chan driver.Blocking, 4))

			// The connection may break again while listeners are being
			// restored; publishing the handle is delayed until it is fully
			// ready for use.
			select {
			case <-closeCh:
				s.log.Warning("connection broken")
				state = connClosing
			default:
				s.conn.set(conn)
				state = connOk
			}
		}
	}
}

// Final close on external cancellation.
func (s *connState) shutdown(conn *driver.Connection) {
	s.log.Debug("closing connection")
	s.conn.set(nil)
	if err := conn.Close(); err != nil {
		s.log.WithField("error", err.Error()).Warning("failed to close connection")
	} else {
		s.log.Info("connection closed")
	}
}
