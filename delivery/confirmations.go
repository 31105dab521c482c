package delivery

import (
	driver "github.com/rabbitmq/amqp091-go"
	"go.nexum.io/notifier/amqp"
	"go.nexum.io/notifier/errors"
	xlog "go.nexum.io/notifier/log"
	"go.nexum.io/notifier/wire"
)

// ConfirmationsServiceConfig adjusts the broker entities used when
// reporting confirmations to the core.
type ConfirmationsServiceConfig struct {
	// Exchange the core consumes confirmations from.
	Exchange string
}

// RabbitmqConfirmationsService publishes user confirmations back toward
// the core. Sends never block and survive broker failures; messages are
// durable so confirmations outlive broker restarts.
type RabbitmqConfirmationsService struct {
	producer *amqp.Producer
}

// NewConfirmationsService attaches a confirmations publisher to the
// provided broker connection.
func NewConfirmationsService(cfg ConfirmationsServiceConfig, conn *amqp.Connection,
	ll xlog.Logger) (*RabbitmqConfirmationsService, error) {
	producer, err := amqp.NewProducer(conn, amqp.Exchange{
		Name:    cfg.Exchange,
		Kind:    "direct",
		Durable: true,
	}, ll)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create confirmations producer")
	}
	return &RabbitmqConfirmationsService{producer: producer}, nil
}

// Close stops the underlying producer.
func (s *RabbitmqConfirmationsService) Close() error {
	return s.producer.Close()
}

// Send publishes one confirmation with persistent delivery.
func (s *RabbitmqConfirmationsService) Send(confirmation wire.Confirmation) {
	s.producer.Send("", amqp.Message{
		ContentType:  "application/x-protobuf",
		DeliveryMode: driver.Persistent,
		Body:         confirmation.Marshal(),
	})
}
