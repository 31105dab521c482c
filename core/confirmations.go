package core

import (
	"context"

	"github.com/google/uuid"
	"go.nexum.io/notifier/amqp"
	"go.nexum.io/notifier/errors"
	xlog "go.nexum.io/notifier/log"
	"go.nexum.io/notifier/storage/orm"
	"go.nexum.io/notifier/wire"
)

// ConfirmationsConsumerConfig adjusts the broker entities used by the
// confirmations consumer.
type ConfirmationsConsumerConfig struct {
	// Exchange the delivery service publishes confirmations to.
	Exchange string

	// Queue consumed by the core.
	Queue string
}

// ConfirmationsConsumer applies delivery confirmations received from the
// delivery fleet to the notifications store. Messages arrive at-least-once
// so already-recorded confirmations are treated as success; malformed
// payloads are dropped permanently and storage failures requeue the
// message for a later attempt.
type ConfirmationsConsumer struct {
	consumer *amqp.Consumer
}

// NewConfirmationsConsumer declares the confirmations topology and starts
// consumption.
func NewConfirmationsConsumer(cfg ConfirmationsConsumerConfig, conn *amqp.Connection,
	repository NotificationsRepository, ll xlog.Logger) (*ConfirmationsConsumer, error) {
	if ll == nil {
		ll = xlog.Discard()
	}
	handler := confirmationHandler(repository, ll.Sub(xlog.Fields{"component": "confirmations-consumer"}))
	consumer, err := amqp.NewConsumer(conn, amqp.ConsumeOptions{
		Exchange: amqp.Exchange{
			Name:    cfg.Exchange,
			Kind:    "direct",
			Durable: true,
		},
		Queue: amqp.Queue{
			Name:    cfg.Queue,
			Durable: true,
		},
		Bindings: []amqp.Binding{{
			Exchange: cfg.Exchange,
			Queue:    cfg.Queue,
		}},
	}, handler, nil, ll)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create confirmations consumer")
	}
	return &ConfirmationsConsumer{consumer: consumer}, nil
}

// Close stops consumption.
func (c *ConfirmationsConsumer) Close() error {
	return c.consumer.Close()
}

func confirmationHandler(repository NotificationsRepository, ll xlog.Logger) amqp.DeliveryHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		confirmation := new(wire.Confirmation)
		if err := confirmation.Unmarshal(d.Body); err != nil {
			return errors.Wrap(amqp.ErrDrop, "invalid confirmation payload")
		}
		id, err := orm.ParseID(confirmation.ID)
		if err != nil {
			return errors.Wrap(amqp.ErrDrop, "invalid confirmation id")
		}
		userID, err := uuid.Parse(confirmation.UserID)
		if err != nil {
			return errors.Wrap(amqp.ErrDrop, "invalid confirmation user id")
		}

		entry := ll.WithFields(xlog.Fields{
			"id":      confirmation.ID,
			"user_id": confirmation.UserID,
		})
		switch err := repository.InsertConfirmation(ctx, id, userID); {
		case err == nil:
			entry.Info("confirmation inserted")
			return nil
		case errors.Is(err, errNoDocumentUpdated):
			// At-least-once delivery: the confirmation is already there.
			entry.Debug("confirmation already exists")
			return nil
		default:
			return errors.Wrap(err, "failed to insert confirmation")
		}
	}
}
