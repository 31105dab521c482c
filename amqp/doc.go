/*
Package amqp provides a self-healing client for an "Advanced Message Queue
Protocol" broker.

The package is built around three cooperating components:

  - Connection: a single long-lived broker connection shared (through
    cloneable handles) by any number of producers and consumers. The
    connection monitors network failures and reconnects on its own,
    broadcasting availability and server-side flow control ("blocked")
    signals to its users.

  - Producer: publishes messages with publisher-confirm accounting. Messages
    are accepted on an in-memory queue and never block the caller; anything
    the broker has not positively acknowledged when a channel or connection
    is lost is replayed automatically, preserving the order in which
    messages were accepted.

  - Consumer: declares its exchange/queue/binding topology, consumes with
    explicit acknowledgements and restores the full topology after a
    connection loss, channel loss or broker-side consumer cancellation.

Broker failures are never surfaced to application code. Each component runs
an internal state machine that retries forever; the only way out of a
recovery loop is closing the component.

Messages are delivered at-least-once end to end. Callers that require
exactly-once semantics must deduplicate downstream.
*/
package amqp
