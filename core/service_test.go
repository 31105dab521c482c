package core

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.nexum.io/notifier/errors"
	xlog "go.nexum.io/notifier/log"
)

// Repository fake recording mutations and returning scripted results.
type fakeRepository struct {
	insertID  primitive.ObjectID
	insertErr error

	undelivered    []Notification
	undeliveredErr error
	confirmedIDs   []primitive.ObjectID
	confirmedUser  uuid.UUID

	delivered    []Notification
	deliveredOne *Notification

	updateInvalidateErr error
	updateSeenErr       error
	deleteErr           error
	insertConfirmErr    error
}

func (f *fakeRepository) Insert(_ context.Context, _ []uuid.UUID, _ time.Time, _ *time.Time,
	_ uuid.UUID, _ int64, _ string, _ []byte) (primitive.ObjectID, error) {
	return f.insertID, f.insertErr
}

func (f *fakeRepository) UpdateInvalidateAt(_ context.Context, _ primitive.ObjectID, _ uuid.UUID, _ *time.Time) error {
	return f.updateInvalidateErr
}

func (f *fakeRepository) InsertConfirmation(_ context.Context, _ primitive.ObjectID, _ uuid.UUID) error {
	return f.insertConfirmErr
}

func (f *fakeRepository) InsertManyConfirmations(_ context.Context, ids []primitive.ObjectID, user uuid.UUID) error {
	f.confirmedIDs = append(f.confirmedIDs, ids...)
	f.confirmedUser = user
	return nil
}

func (f *fakeRepository) UpdateConfirmationSeen(_ context.Context, _ primitive.ObjectID, _ uuid.UUID, _ bool) error {
	return f.updateSeenErr
}

func (f *fakeRepository) Delete(_ context.Context, _ primitive.ObjectID, _ uuid.UUID) error {
	return f.deleteErr
}

func (f *fakeRepository) FindDelivered(_ context.Context, _ primitive.ObjectID, _ uuid.UUID) (*Notification, error) {
	return f.deliveredOne, nil
}

func (f *fakeRepository) FindManyDelivered(_ context.Context, _ uuid.UUID, _ Pagination, _ Filters) ([]Notification, error) {
	return f.delivered, nil
}

func (f *fakeRepository) FindManyUndelivered(_ context.Context, _ uuid.UUID) ([]Notification, error) {
	return f.undelivered, f.undeliveredErr
}

// Fanout fake recording every emitted event.
type fakeFanout struct {
	news     []primitive.ObjectID
	updates  []primitive.ObjectID
	deletes  []primitive.ObjectID
	lastSeen bool
}

func (f *fakeFanout) SendNew(_ []uuid.UUID, id primitive.ObjectID, _ time.Time, _ bool, _ string, _ []byte) {
	f.news = append(f.news, id)
}

func (f *fakeFanout) SendUpdated(_ uuid.UUID, id primitive.ObjectID, seen bool, _ time.Time) {
	f.updates = append(f.updates, id)
	f.lastSeen = seen
}

func (f *fakeFanout) SendDeleted(_ uuid.UUID, id primitive.ObjectID, _ time.Time) {
	f.deletes = append(f.deletes, id)
}

func newTestService(repo *fakeRepository, fanout *fakeFanout) NotificationsService {
	return NewNotificationsService(NotificationsServiceConfig{MaxContentLen: 64},
		repo, fanout, xlog.Discard())
}

func futureTime() *time.Time {
	t := time.Now().Add(time.Hour)
	return &t
}

func pastTime() *time.Time {
	t := time.Now().Add(-5 * time.Minute)
	return &t
}

func TestSaveNotification(t *testing.T) {
	producer := uuid.New()

	t.Run("Created", func(t *testing.T) {
		repo := &fakeRepository{insertID: primitive.NewObjectID()}
		fanout := new(fakeFanout)
		svc := newTestService(repo, fanout)

		id, err := svc.SaveNotification(context.Background(), producer, NotificationInput{
			UserIDs:                []uuid.UUID{uuid.New()},
			ProducerNotificationID: 1,
			ContentType:            "utf-8",
			Content:                []byte("hi"),
			InvalidateAt:           futureTime(),
		})
		require.Nil(t, err)
		assert.Equal(t, repo.insertID.Hex(), id.ID)
		assert.Equal(t, []primitive.ObjectID{repo.insertID}, fanout.news)
	})

	t.Run("InvalidateAtPassed", func(t *testing.T) {
		svc := newTestService(new(fakeRepository), new(fakeFanout))
		_, err := svc.SaveNotification(context.Background(), producer, NotificationInput{
			InvalidateAt: pastTime(),
		})
		assert.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("ContentTooLarge", func(t *testing.T) {
		svc := newTestService(new(fakeRepository), new(fakeFanout))
		_, err := svc.SaveNotification(context.Background(), producer, NotificationInput{
			Content: make([]byte, 65),
		})
		assert.True(t, errors.Is(err, ErrTooLarge))
	})

	t.Run("Duplicate", func(t *testing.T) {
		repo := &fakeRepository{insertErr: errInsertUniqueViolation}
		fanout := new(fakeFanout)
		svc := newTestService(repo, fanout)
		_, err := svc.SaveNotification(context.Background(), producer, NotificationInput{})
		assert.True(t, errors.Is(err, ErrAlreadySaved))
		assert.Empty(t, fanout.news)
	})
}

func TestFindUndeliveredNotifications(t *testing.T) {
	user := uuid.New()

	t.Run("MarksReturnedAsDelivered", func(t *testing.T) {
		first := Notification{ID: primitive.NewObjectID(), ContentType: "utf-8", Content: []byte("a")}
		second := Notification{ID: primitive.NewObjectID(), ContentType: "utf-8", Content: []byte("b")}
		repo := &fakeRepository{undelivered: []Notification{first, second}}
		svc := newTestService(repo, new(fakeFanout))

		out, err := svc.FindUndeliveredNotifications(context.Background(), user)
		require.Nil(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, first.ID.Hex(), out[0].ID)
		assert.Equal(t, []primitive.ObjectID{first.ID, second.ID}, repo.confirmedIDs)
		assert.Equal(t, user, repo.confirmedUser)
	})

	t.Run("EmptySkipsConfirmations", func(t *testing.T) {
		repo := new(fakeRepository)
		svc := newTestService(repo, new(fakeFanout))

		out, err := svc.FindUndeliveredNotifications(context.Background(), user)
		require.Nil(t, err)
		assert.Empty(t, out)
		assert.Empty(t, repo.confirmedIDs)
	})
}

func TestFindDeliveredNotification(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		stored := Notification{ID: primitive.NewObjectID(), Seen: true}
		repo := &fakeRepository{deliveredOne: &stored}
		svc := newTestService(repo, new(fakeFanout))

		out, err := svc.FindDeliveredNotification(context.Background(), stored.ID, uuid.New())
		require.Nil(t, err)
		assert.Equal(t, stored.ID.Hex(), out.ID)
		assert.True(t, out.Seen)
	})

	t.Run("NotExist", func(t *testing.T) {
		svc := newTestService(new(fakeRepository), new(fakeFanout))
		_, err := svc.FindDeliveredNotification(context.Background(), primitive.NewObjectID(), uuid.New())
		assert.True(t, errors.Is(err, ErrNotExist))
	})
}

func TestUpdateNotificationInvalidateAt(t *testing.T) {
	t.Run("ValuePassed", func(t *testing.T) {
		svc := newTestService(new(fakeRepository), new(fakeFanout))
		err := svc.UpdateNotificationInvalidateAt(context.Background(), primitive.NewObjectID(),
			uuid.New(), InvalidateAtInput{InvalidateAt: pastTime()})
		assert.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("NotExist", func(t *testing.T) {
		repo := &fakeRepository{updateInvalidateErr: errNoDocumentUpdated}
		svc := newTestService(repo, new(fakeFanout))
		err := svc.UpdateNotificationInvalidateAt(context.Background(), primitive.NewObjectID(),
			uuid.New(), InvalidateAtInput{InvalidateAt: futureTime()})
		assert.True(t, errors.Is(err, ErrNotExist))
	})
}

func TestUpdateNotificationSeen(t *testing.T) {
	t.Run("EmitsUpdate", func(t *testing.T) {
		fanout := new(fakeFanout)
		svc := newTestService(new(fakeRepository), fanout)
		id := primitive.NewObjectID()

		err := svc.UpdateNotificationSeen(context.Background(), id, uuid.New(), SeenInput{Seen: true})
		require.Nil(t, err)
		assert.Equal(t, []primitive.ObjectID{id}, fanout.updates)
		assert.True(t, fanout.lastSeen)
	})

	t.Run("NotExist", func(t *testing.T) {
		repo := &fakeRepository{updateSeenErr: errNoDocumentUpdated}
		fanout := new(fakeFanout)
		svc := newTestService(repo, fanout)

		err := svc.UpdateNotificationSeen(context.Background(), primitive.NewObjectID(), uuid.New(), SeenInput{})
		assert.True(t, errors.Is(err, ErrNotExist))
		assert.Empty(t, fanout.updates)
	})
}

func TestDeleteNotification(t *testing.T) {
	t.Run("EmitsDelete", func(t *testing.T) {
		fanout := new(fakeFanout)
		svc := newTestService(new(fakeRepository), fanout)
		id := primitive.NewObjectID()

		err := svc.DeleteNotification(context.Background(), id, uuid.New())
		require.Nil(t, err)
		assert.Equal(t, []primitive.ObjectID{id}, fanout.deletes)
	})

	t.Run("NotExist", func(t *testing.T) {
		repo := &fakeRepository{deleteErr: errNoDocumentUpdated}
		svc := newTestService(repo, new(fakeFanout))
		err := svc.DeleteNotification(context.Background(), primitive.NewObjectID(), uuid.New())
		assert.True(t, errors.Is(err, ErrNotExist))
	})
}
