package core

import (
	"time"

	"github.com/google/uuid"
	driver "github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.nexum.io/notifier/amqp"
	"go.nexum.io/notifier/errors"
	xlog "go.nexum.io/notifier/log"
	"go.nexum.io/notifier/wire"
)

// FanoutService publishes notification state changes for the delivery
// fleet. Calls never block and never fail; the underlying producer
// replays anything the broker has not confirmed.
type FanoutService interface {
	// SendNew announces a freshly created notification with its full
	// content. An empty user list means broadcast.
	SendNew(userIDs []uuid.UUID, id primitive.ObjectID, timestamp time.Time, seen bool, contentType string, content []byte)

	// SendUpdated announces a seen-flag change to the acting user.
	SendUpdated(userID uuid.UUID, id primitive.ObjectID, seen bool, timestamp time.Time)

	// SendDeleted announces a deletion to the acting user.
	SendDeleted(userID uuid.UUID, id primitive.ObjectID, timestamp time.Time)
}

// FanoutConfig adjusts the broker entities used by the fanout service.
type FanoutConfig struct {
	// Exchange notifications events are published to.
	Exchange string
}

// RabbitmqFanoutService implements FanoutService on top of the broker
// producer.
type RabbitmqFanoutService struct {
	producer *amqp.Producer
}

// NewFanoutService attaches a fanout publisher to the provided broker
// connection.
func NewFanoutService(cfg FanoutConfig, conn *amqp.Connection, ll xlog.Logger) (*RabbitmqFanoutService, error) {
	producer, err := amqp.NewProducer(conn, amqp.Exchange{
		Name: cfg.Exchange,
		Kind: "direct",
	}, ll)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fanout producer")
	}
	return &RabbitmqFanoutService{producer: producer}, nil
}

// Close stops the underlying producer.
func (s *RabbitmqFanoutService) Close() error {
	return s.producer.Close()
}

// SendNew announces a freshly created notification with its full content.
func (s *RabbitmqFanoutService) SendNew(userIDs []uuid.UUID, id primitive.ObjectID, timestamp time.Time,
	seen bool, contentType string, content []byte) {
	ids := make([]string, len(userIDs))
	for i, u := range userIDs {
		ids[i] = u.String()
	}
	s.send(wire.StatusNew, &wire.Notification{
		UserIDs:     ids,
		ID:          id.Hex(),
		Status:      wire.StatusNew,
		Timestamp:   timestamp,
		Seen:        &seen,
		ContentType: &contentType,
		Content:     content,
	})
}

// SendUpdated announces a seen-flag change to the acting user.
func (s *RabbitmqFanoutService) SendUpdated(userID uuid.UUID, id primitive.ObjectID, seen bool, timestamp time.Time) {
	s.send(wire.StatusUpdated, &wire.Notification{
		UserIDs:   []string{userID.String()},
		ID:        id.Hex(),
		Status:    wire.StatusUpdated,
		Timestamp: timestamp,
		Seen:      &seen,
	})
}

// SendDeleted announces a deletion to the acting user.
func (s *RabbitmqFanoutService) SendDeleted(userID uuid.UUID, id primitive.ObjectID, timestamp time.Time) {
	s.send(wire.StatusDeleted, &wire.Notification{
		UserIDs:   []string{userID.String()},
		ID:        id.Hex(),
		Status:    wire.StatusDeleted,
		Timestamp: timestamp,
	})
}

func (s *RabbitmqFanoutService) send(status wire.Status, message *wire.Notification) {
	s.producer.Send(status.String(), amqp.Message{
		ContentType:  "application/x-protobuf",
		DeliveryMode: driver.Persistent,
		Body:         message.Marshal(),
	})
}
