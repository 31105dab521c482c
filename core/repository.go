package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.nexum.io/notifier/errors"
	"go.nexum.io/notifier/storage/orm"
)

// Notification is the per-user view of a stored notification returned by
// repository queries.
type Notification struct {
	ID          primitive.ObjectID
	CreatedAt   time.Time
	Seen        bool
	ContentType string
	Content     []byte
}

// NotificationsRepository persists notifications and their per-recipient
// delivery state. Visibility and idempotency rules are enforced inside the
// queries themselves so concurrent callers cannot observe partial state.
type NotificationsRepository interface {
	// Insert stores a new notification. An empty user list creates a
	// broadcast notification. Fails with a unique violation when the pair
	// (producer id, producer notification id) already exists.
	Insert(ctx context.Context, userIDs []uuid.UUID, createdAt time.Time, invalidateAt *time.Time,
		producerID uuid.UUID, producerNotificationID int64, contentType string, content []byte) (primitive.ObjectID, error)

	// UpdateInvalidateAt replaces the invalidation deadline. Matches only
	// notifications created by the provided producer.
	UpdateInvalidateAt(ctx context.Context, id primitive.ObjectID, producerID uuid.UUID, invalidateAt *time.Time) error

	// InsertConfirmation records that the user received the notification.
	// The update matches only when the user belongs to the recipient set
	// (or the notification is broadcast), the notification has not been
	// invalidated, and no confirmation for the user exists yet.
	InsertConfirmation(ctx context.Context, id primitive.ObjectID, userID uuid.UUID) error

	// InsertManyConfirmations records a confirmation on each of the
	// provided notifications, with the same guards as InsertConfirmation.
	InsertManyConfirmations(ctx context.Context, ids []primitive.ObjectID, userID uuid.UUID) error

	// UpdateConfirmationSeen flips the seen flag on the user's
	// confirmation. Matches only non-deleted confirmations.
	UpdateConfirmationSeen(ctx context.Context, id primitive.ObjectID, userID uuid.UUID, seen bool) error

	// Delete marks the user's confirmation as deleted. Matches only
	// non-deleted confirmations.
	Delete(ctx context.Context, id primitive.ObjectID, userID uuid.UUID) error

	// FindDelivered returns one notification confirmed (and not deleted)
	// by the user, or nil when no such notification exists.
	FindDelivered(ctx context.Context, id primitive.ObjectID, userID uuid.UUID) (*Notification, error)

	// FindManyDelivered returns notifications already delivered to the
	// user, newest first.
	FindManyDelivered(ctx context.Context, userID uuid.UUID, pagination Pagination, filters Filters) ([]Notification, error)

	// FindManyUndelivered returns notifications not yet received by the
	// user, oldest first.
	FindManyUndelivered(ctx context.Context, userID uuid.UUID) ([]Notification, error)
}

// Stored document layout.
type notificationDocument struct {
	ID                     primitive.ObjectID     `bson:"_id,omitempty"`
	CreatedAt              time.Time              `bson:"created_at"`
	InvalidateAt           *time.Time             `bson:"invalidate_at,omitempty"`
	UserIDs                []string               `bson:"user_ids"`
	ProducerID             string                 `bson:"producer_id"`
	ProducerNotificationID int64                  `bson:"producer_notification_id"`
	ContentType            string                 `bson:"content_type"`
	Content                []byte                 `bson:"content"`
	Confirmations          []confirmationDocument `bson:"confirmations"`
}

type confirmationDocument struct {
	UserID      string    `bson:"user_id"`
	DeliveredAt time.Time `bson:"delivered_at"`
	Seen        bool      `bson:"seen"`
	Deleted     bool      `bson:"deleted"`
}

// Per-user projection; `seen` is read from the user's confirmation.
func (d *notificationDocument) view(userID uuid.UUID) Notification {
	seen := false
	for _, c := range d.Confirmations {
		if c.UserID == userID.String() {
			seen = c.Seen
			break
		}
	}
	return Notification{
		ID:          d.ID,
		CreatedAt:   d.CreatedAt,
		Seen:        seen,
		ContentType: d.ContentType,
		Content:     d.Content,
	}
}

type notificationsRepository struct {
	model *orm.Model
}

// NewNotificationsRepository returns a MongoDB-backed repository and
// ensures the unique index guarding producer idempotency.
func NewNotificationsRepository(ctx context.Context, op *orm.Operator) (NotificationsRepository, error) {
	model := op.Model("notifications")
	err := model.EnsureIndex(ctx, bson.D{
		{Key: "producer_id", Value: 1},
		{Key: "producer_notification_id", Value: 1},
	}, true)
	if err != nil {
		return nil, errors.Wrap(err, "failed to ensure index")
	}
	return &notificationsRepository{model: model}, nil
}

func (r *notificationsRepository) Insert(ctx context.Context, userIDs []uuid.UUID, createdAt time.Time,
	invalidateAt *time.Time, producerID uuid.UUID, producerNotificationID int64,
	contentType string, content []byte) (primitive.ObjectID, error) {
	ids := make([]string, len(userIDs))
	for i, id := range userIDs {
		ids[i] = id.String()
	}
	hex, err := r.model.Insert(ctx, notificationDocument{
		CreatedAt:              createdAt,
		InvalidateAt:           invalidateAt,
		UserIDs:                ids,
		ProducerID:             producerID.String(),
		ProducerNotificationID: producerNotificationID,
		ContentType:            contentType,
		Content:                content,
		Confirmations:          []confirmationDocument{},
	})
	if err != nil {
		if orm.IsDuplicate(err) {
			return primitive.NilObjectID, errInsertUniqueViolation
		}
		return primitive.NilObjectID, errors.WithStack(err)
	}
	oid, err := orm.ParseID(hex)
	if err != nil {
		return primitive.NilObjectID, errors.WithStack(err)
	}
	return oid, nil
}

func (r *notificationsRepository) UpdateInvalidateAt(ctx context.Context, id primitive.ObjectID,
	producerID uuid.UUID, invalidateAt *time.Time) error {
	filter := map[string]interface{}{
		"_id":         id,
		"producer_id": producerID.String(),
	}
	var update bson.M
	if invalidateAt != nil {
		update = bson.M{"$set": bson.M{"invalidate_at": *invalidateAt}}
	} else {
		update = bson.M{"$unset": bson.M{"invalidate_at": ""}}
	}
	res, err := r.model.Update(ctx, filter, update)
	if err != nil {
		return errors.WithStack(err)
	}
	if res.MatchedCount == 0 {
		return errNoDocumentUpdated
	}
	return nil
}

// Query conditions shared by every confirmation insert: the user belongs
// to the recipient set (or the notification is broadcast), the
// notification is not invalidated, and no prior confirmation exists.
func confirmationGuards(userID uuid.UUID, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"confirmations": map[string]interface{}{
			"$not": map[string]interface{}{
				"$elemMatch": map[string]interface{}{"user_id": userID.String()},
			},
		},
		"$and": []interface{}{
			map[string]interface{}{"$or": []interface{}{
				map[string]interface{}{"user_ids": map[string]interface{}{"$size": 0}},
				map[string]interface{}{"user_ids": userID.String()},
			}},
			map[string]interface{}{"$or": []interface{}{
				map[string]interface{}{"invalidate_at": map[string]interface{}{"$exists": false}},
				map[string]interface{}{"invalidate_at": map[string]interface{}{"$gt": now}},
			}},
		},
	}
}

func (r *notificationsRepository) InsertConfirmation(ctx context.Context, id primitive.ObjectID, userID uuid.UUID) error {
	now := time.Now().UTC()
	filter := confirmationGuards(userID, now)
	filter["_id"] = id
	update := bson.M{"$push": bson.M{"confirmations": confirmationDocument{
		UserID:      userID.String(),
		DeliveredAt: now,
	}}}
	res, err := r.model.Update(ctx, filter, update)
	if err != nil {
		return errors.WithStack(err)
	}
	if res.MatchedCount == 0 {
		return errNoDocumentUpdated
	}
	return nil
}

func (r *notificationsRepository) InsertManyConfirmations(ctx context.Context, ids []primitive.ObjectID, userID uuid.UUID) error {
	now := time.Now().UTC()
	filter := confirmationGuards(userID, now)
	filter["_id"] = map[string]interface{}{"$in": ids}
	update := bson.M{"$push": bson.M{"confirmations": confirmationDocument{
		UserID:      userID.String(),
		DeliveredAt: now,
	}}}
	if _, err := r.model.UpdateAll(ctx, filter, update); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (r *notificationsRepository) UpdateConfirmationSeen(ctx context.Context, id primitive.ObjectID,
	userID uuid.UUID, seen bool) error {
	filter := map[string]interface{}{
		"_id": id,
		"confirmations": map[string]interface{}{
			"$elemMatch": map[string]interface{}{
				"user_id": userID.String(),
				"deleted": false,
			},
		},
	}
	update := bson.M{"$set": bson.M{"confirmations.$.seen": seen}}
	res, err := r.model.Update(ctx, filter, update)
	if err != nil {
		return errors.WithStack(err)
	}
	if res.MatchedCount == 0 {
		return errNoDocumentUpdated
	}
	return nil
}

func (r *notificationsRepository) Delete(ctx context.Context, id primitive.ObjectID, userID uuid.UUID) error {
	filter := map[string]interface{}{
		"_id": id,
		"confirmations": map[string]interface{}{
			"$elemMatch": map[string]interface{}{
				"user_id": userID.String(),
				"deleted": false,
			},
		},
	}
	update := bson.M{"$set": bson.M{"confirmations.$.deleted": true}}
	res, err := r.model.Update(ctx, filter, update)
	if err != nil {
		return errors.WithStack(err)
	}
	if res.MatchedCount == 0 {
		return errNoDocumentUpdated
	}
	return nil
}

func (r *notificationsRepository) FindDelivered(ctx context.Context, id primitive.ObjectID,
	userID uuid.UUID) (*Notification, error) {
	filter := map[string]interface{}{
		"_id": id,
		"confirmations": map[string]interface{}{
			"$elemMatch": map[string]interface{}{
				"user_id": userID.String(),
				"deleted": false,
			},
		},
	}
	doc := new(notificationDocument)
	if err := r.model.First(ctx, filter, doc); err != nil {
		if orm.IsNotFound(err) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	view := doc.view(userID)
	return &view, nil
}

func (r *notificationsRepository) FindManyDelivered(ctx context.Context, userID uuid.UUID,
	pagination Pagination, filters Filters) ([]Notification, error) {
	match := map[string]interface{}{
		"user_id": userID.String(),
		"deleted": false,
	}
	if filters.Seen != nil {
		match["seen"] = *filters.Seen
	}
	filter := map[string]interface{}{
		"confirmations": map[string]interface{}{"$elemMatch": match},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(pagination.PageIdx * pagination.PageSize).
		SetLimit(pagination.PageSize)

	var docs []notificationDocument
	if err := r.model.Find(ctx, filter, &docs, opts); err != nil {
		return nil, errors.WithStack(err)
	}
	return project(docs, userID), nil
}

func (r *notificationsRepository) FindManyUndelivered(ctx context.Context, userID uuid.UUID) ([]Notification, error) {
	filter := confirmationGuards(userID, time.Now().UTC())
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})

	var docs []notificationDocument
	if err := r.model.Find(ctx, filter, &docs, opts); err != nil {
		return nil, errors.WithStack(err)
	}
	return project(docs, userID), nil
}

func project(docs []notificationDocument, userID uuid.UUID) []Notification {
	out := make([]Notification, len(docs))
	for i := range docs {
		out[i] = docs[i].view(userID)
	}
	return out
}
