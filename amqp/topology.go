package amqp

import (
	driver "github.com/rabbitmq/amqp091-go"
)

// Exchange is an AMQP entity where messages are sent. Exchanges take a
// message and route it into zero or more queues. The routing algorithm used
// depends on the exchange type and rules called bindings.
type Exchange struct {
	// Unique name for the exchange. Names can consist of a non-empty sequence
	// of letters, digits, hyphen, underscore, period, or colon.
	Name string `json:"name" yaml:"name"`

	// Exchange type, must be supported by the server. Usual values are
	// "direct", "fanout", "topic" and "headers".
	Kind string `json:"kind" yaml:"kind"`

	// Durable and Non-Auto-Deleted exchanges will survive server restarts and
	// remain declared when there are no remaining bindings.
	Durable bool `json:"durable" yaml:"durable"`

	// Non-Durable and Auto-Deleted exchanges will be deleted when there are
	// no remaining bindings and not restored on server restart.
	AutoDelete bool `json:"auto_delete" yaml:"auto_delete"`

	// Additional arguments.
	Arguments map[string]interface{} `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Queue stores messages that are consumed by applications.
type Queue struct {
	// Unique name for the queue, may be empty in which case a random and
	// unique name will be generated. This can be useful when creating
	// temporary per-instance queues.
	Name string `json:"name" yaml:"name"`

	// Whether the queue should be restored on server restarts.
	Durable bool `json:"durable" yaml:"durable"`

	// Whether to automatically delete the queue when the last consumer
	// is closed.
	AutoDelete bool `json:"auto_delete" yaml:"auto_delete"`

	// Exclusive queues are only accessible by the connection that declares
	// them and will be deleted when the connection closes.
	Exclusive bool `json:"exclusive" yaml:"exclusive"`

	// Additional arguments.
	Arguments map[string]interface{} `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Binding declarations connect an exchange to a queue so that messages
// published to it will be routed to the queue when the publishing routing
// key matches the binding parameters.
type Binding struct {
	// Name of the exchange to bind.
	Exchange string `json:"exchange" yaml:"exchange"`

	// Name of the queue to bind. May be left empty when the queue name is
	// generated; the consumer fills it in after declaring the queue.
	Queue string `json:"queue" yaml:"queue"`

	// Routing keys to bind with. An empty list binds with the empty key.
	RoutingKeys []string `json:"routing_keys" yaml:"routing_keys"`

	// Additional arguments.
	Arguments map[string]interface{} `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Register an exchange declaration with the provided channel.
func declareExchange(ch *driver.Channel, ex Exchange) error {
	return ch.ExchangeDeclare(
		ex.Name,
		ex.Kind,
		ex.Durable,
		ex.AutoDelete,
		false, // internal
		false, // no-wait
		driver.Table(ex.Arguments))
}

// Register a queue declaration with the provided channel and return the
// queue name; a random name is generated when the declaration leaves it
// empty.
func declareQueue(ch *driver.Channel, q Queue) (string, error) {
	if q.Name == "" {
		q.Name = getName("gen")
	}
	_, err := ch.QueueDeclare(
		q.Name,
		q.Durable,
		q.AutoDelete,
		q.Exclusive,
		false, // no-wait
		driver.Table(q.Arguments))
	return q.Name, err
}

// Register a binding declaration with the provided channel.
func declareBinding(ch *driver.Channel, b Binding) error {
	if len(b.RoutingKeys) == 0 {
		return ch.QueueBind(b.Queue, "", b.Exchange, false, driver.Table(b.Arguments))
	}
	for _, rk := range b.RoutingKeys {
		if err := ch.QueueBind(b.Queue, rk, b.Exchange, false, driver.Table(b.Arguments)); err != nil {
			return err
		}
	}
	return nil
}
