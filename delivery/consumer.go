package delivery

import (
	"context"

	"github.com/google/uuid"
	"go.nexum.io/notifier/amqp"
	"go.nexum.io/notifier/errors"
	xlog "go.nexum.io/notifier/log"
	"go.nexum.io/notifier/storage/orm"
	"go.nexum.io/notifier/wire"
)

// NotificationsConsumerConfig adjusts the broker entities used by the
// fanout consumer.
type NotificationsConsumerConfig struct {
	// Exchange the core publishes notification events to.
	Exchange string
}

// NotificationsConsumer subscribes this delivery instance to the fanout
// exchange through an exclusive per-instance queue and hands accepted
// events to the WebSocket registry. Malformed or stale events are dropped
// permanently. Consumer health transitions are forwarded to every
// connected client as network-status frames.
type NotificationsConsumer struct {
	consumer *amqp.Consumer
}

// NewNotificationsConsumer declares the per-instance topology and starts
// consumption.
func NewNotificationsConsumer(cfg NotificationsConsumerConfig, conn *amqp.Connection,
	dedup *Deduplicator, websockets WebSocketsService, ll xlog.Logger) (*NotificationsConsumer, error) {
	if ll == nil {
		ll = xlog.Discard()
	}
	handler := notificationHandler(dedup, websockets, ll.Sub(xlog.Fields{"component": "notifications-consumer"}))
	status := func(status amqp.ConsumerStatus) {
		websockets.UpdateNetworkStatus(status == amqp.StatusConsuming)
	}
	consumer, err := amqp.NewConsumer(conn, amqp.ConsumeOptions{
		Exchange: amqp.Exchange{
			Name: cfg.Exchange,
			Kind: "direct",
		},
		Queue: amqp.Queue{
			Exclusive:  true,
			AutoDelete: true,
		},
		Bindings: []amqp.Binding{{
			Exchange: cfg.Exchange,
			RoutingKeys: []string{
				wire.StatusNew.String(),
				wire.StatusUpdated.String(),
				wire.StatusDeleted.String(),
			},
		}},
	}, handler, status, ll)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create notifications consumer")
	}
	return &NotificationsConsumer{consumer: consumer}, nil
}

// Close stops consumption.
func (c *NotificationsConsumer) Close() error {
	return c.consumer.Close()
}

func notificationHandler(dedup *Deduplicator, websockets WebSocketsService, ll xlog.Logger) amqp.DeliveryHandler {
	return func(_ context.Context, d amqp.Delivery) error {
		notification := new(wire.Notification)
		if err := notification.Unmarshal(d.Body); err != nil {
			return errors.Wrap(amqp.ErrDrop, "invalid notification payload")
		}
		id, err := orm.ParseID(notification.ID)
		if err != nil {
			return errors.Wrap(amqp.ErrDrop, "invalid notification id")
		}
		userIDs := make([]uuid.UUID, len(notification.UserIDs))
		for i, raw := range notification.UserIDs {
			if userIDs[i], err = uuid.Parse(raw); err != nil {
				return errors.Wrap(amqp.ErrDrop, "invalid notification user id")
			}
		}

		// Stale duplicates are the normal product of the at-least-once
		// bus; they are dropped without requeue.
		if !dedup.Deduplicate(id, notification.Timestamp) {
			return errors.Wrap(amqp.ErrDrop, "duplicate notification status update")
		}

		ll.WithFields(xlog.Fields{
			"id":     notification.ID,
			"status": notification.Status.String(),
		}).Info("dispatching notification")
		websockets.Send(userIDs, notification)
		return nil
	}
}
