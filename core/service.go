package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.nexum.io/notifier/errors"
	xlog "go.nexum.io/notifier/log"
)

// NotificationsService exposes the notification lifecycle operations
// backing the HTTP API.
type NotificationsService interface {
	// SaveNotification validates and stores a new notification, then fans
	// it out to the delivery fleet.
	SaveNotification(ctx context.Context, producerID uuid.UUID, input NotificationInput) (NotificationID, error)

	// FindUndeliveredNotifications returns every notification the user has
	// not received yet, atomically marking them as delivered.
	FindUndeliveredNotifications(ctx context.Context, userID uuid.UUID) ([]NotificationOutput, error)

	// FindDeliveredNotifications returns one page of notifications already
	// delivered to the user, newest first.
	FindDeliveredNotifications(ctx context.Context, userID uuid.UUID, pagination Pagination, filters Filters) ([]NotificationOutput, error)

	// FindDeliveredNotification returns one delivered notification.
	FindDeliveredNotification(ctx context.Context, id primitive.ObjectID, userID uuid.UUID) (NotificationOutput, error)

	// UpdateNotificationInvalidateAt replaces the invalidation deadline of
	// a notification owned by the producer.
	UpdateNotificationInvalidateAt(ctx context.Context, id primitive.ObjectID, producerID uuid.UUID, input InvalidateAtInput) error

	// UpdateNotificationSeen flips the seen flag on the user's delivered
	// notification.
	UpdateNotificationSeen(ctx context.Context, id primitive.ObjectID, userID uuid.UUID, input SeenInput) error

	// DeleteNotification marks the user's delivered notification as
	// deleted.
	DeleteNotification(ctx context.Context, id primitive.ObjectID, userID uuid.UUID) error
}

// NotificationsServiceConfig adjusts validation limits.
type NotificationsServiceConfig struct {
	// Maximum accepted content size, in bytes.
	MaxContentLen int
}

type notificationsService struct {
	config     NotificationsServiceConfig
	repository NotificationsRepository
	fanout     FanoutService
	log        xlog.Logger
}

// NewNotificationsService wires the service with its repository and the
// fanout publisher.
func NewNotificationsService(config NotificationsServiceConfig, repository NotificationsRepository,
	fanout FanoutService, ll xlog.Logger) NotificationsService {
	if ll == nil {
		ll = xlog.Discard()
	}
	return &notificationsService{
		config:     config,
		repository: repository,
		fanout:     fanout,
		log:        ll.Sub(xlog.Fields{"component": "notifications-service"}),
	}
}

func (s *notificationsService) SaveNotification(ctx context.Context, producerID uuid.UUID,
	input NotificationInput) (NotificationID, error) {
	if err := validateInvalidateAt(input.InvalidateAt); err != nil {
		return NotificationID{}, err
	}
	if len(input.Content) > s.config.MaxContentLen {
		return NotificationID{}, errors.Wrap(ErrTooLarge, "content exceeds configured maximum")
	}

	createdAt := time.Now().UTC()
	id, err := s.repository.Insert(ctx, input.UserIDs, createdAt, input.InvalidateAt,
		producerID, input.ProducerNotificationID, input.ContentType, input.Content)
	if err != nil {
		if errors.Is(err, errInsertUniqueViolation) {
			return NotificationID{}, ErrAlreadySaved
		}
		return NotificationID{}, err
	}
	s.log.WithField("id", id.Hex()).Info("created notification")

	s.fanout.SendNew(input.UserIDs, id, createdAt, false, input.ContentType, input.Content)
	return NotificationID{ID: id.Hex()}, nil
}

func (s *notificationsService) FindUndeliveredNotifications(ctx context.Context,
	userID uuid.UUID) ([]NotificationOutput, error) {
	notifications, err := s.repository.FindManyUndelivered(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.log.WithField("count", len(notifications)).Info("found undelivered notifications")

	if len(notifications) > 0 {
		ids := make([]primitive.ObjectID, len(notifications))
		for i, n := range notifications {
			ids[i] = n.ID
		}
		if err := s.repository.InsertManyConfirmations(ctx, ids, userID); err != nil {
			return nil, err
		}
	}

	return outputs(notifications), nil
}

func (s *notificationsService) FindDeliveredNotifications(ctx context.Context, userID uuid.UUID,
	pagination Pagination, filters Filters) ([]NotificationOutput, error) {
	notifications, err := s.repository.FindManyDelivered(ctx, userID, pagination, filters)
	if err != nil {
		return nil, err
	}
	return outputs(notifications), nil
}

func (s *notificationsService) FindDeliveredNotification(ctx context.Context, id primitive.ObjectID,
	userID uuid.UUID) (NotificationOutput, error) {
	notification, err := s.repository.FindDelivered(ctx, id, userID)
	if err != nil {
		return NotificationOutput{}, err
	}
	if notification == nil {
		return NotificationOutput{}, ErrNotExist
	}
	return output(*notification), nil
}

func (s *notificationsService) UpdateNotificationInvalidateAt(ctx context.Context, id primitive.ObjectID,
	producerID uuid.UUID, input InvalidateAtInput) error {
	if err := validateInvalidateAt(input.InvalidateAt); err != nil {
		return err
	}
	err := s.repository.UpdateInvalidateAt(ctx, id, producerID, input.InvalidateAt)
	if errors.Is(err, errNoDocumentUpdated) {
		return ErrNotExist
	}
	return err
}

func (s *notificationsService) UpdateNotificationSeen(ctx context.Context, id primitive.ObjectID,
	userID uuid.UUID, input SeenInput) error {
	err := s.repository.UpdateConfirmationSeen(ctx, id, userID, input.Seen)
	if err != nil {
		if errors.Is(err, errNoDocumentUpdated) {
			return ErrNotExist
		}
		return err
	}
	s.fanout.SendUpdated(userID, id, input.Seen, time.Now().UTC())
	return nil
}

func (s *notificationsService) DeleteNotification(ctx context.Context, id primitive.ObjectID,
	userID uuid.UUID) error {
	err := s.repository.Delete(ctx, id, userID)
	if err != nil {
		if errors.Is(err, errNoDocumentUpdated) {
			return ErrNotExist
		}
		return err
	}
	s.fanout.SendDeleted(userID, id, time.Now().UTC())
	return nil
}

func validateInvalidateAt(invalidateAt *time.Time) error {
	if invalidateAt != nil && !invalidateAt.After(time.Now()) {
		return errors.Wrap(ErrValidation, "invalidate_at already passed")
	}
	return nil
}

func output(n Notification) NotificationOutput {
	return NotificationOutput{
		ID:          n.ID.Hex(),
		CreatedAt:   n.CreatedAt,
		Seen:        n.Seen,
		ContentType: n.ContentType,
		Content:     n.Content,
	}
}

func outputs(list []Notification) []NotificationOutput {
	out := make([]NotificationOutput, len(list))
	for i, n := range list {
		out[i] = output(n)
	}
	return out
}
