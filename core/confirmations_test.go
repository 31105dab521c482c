package core

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.nexum.io/notifier/amqp"
	"go.nexum.io/notifier/errors"
	xlog "go.nexum.io/notifier/log"
	"go.nexum.io/notifier/wire"
)

func confirmationDelivery(id, userID string) amqp.Delivery {
	msg := wire.Confirmation{ID: id, UserID: userID}
	return amqp.Delivery{Body: msg.Marshal()}
}

func TestConfirmationHandler(t *testing.T) {
	validID := "65f1c0ffee0000000000c0de"
	validUser := uuid.New().String()

	t.Run("Inserted", func(t *testing.T) {
		repo := new(fakeRepository)
		handler := confirmationHandler(repo, xlog.Discard())
		err := handler(context.Background(), confirmationDelivery(validID, validUser))
		assert.Nil(t, err)
	})

	t.Run("AlreadyExists", func(t *testing.T) {
		// At-least-once delivery: replays leave the store untouched and
		// are acknowledged as success.
		repo := &fakeRepository{insertConfirmErr: errNoDocumentUpdated}
		handler := confirmationHandler(repo, xlog.Discard())
		err := handler(context.Background(), confirmationDelivery(validID, validUser))
		assert.Nil(t, err)
	})

	t.Run("MalformedPayload", func(t *testing.T) {
		handler := confirmationHandler(new(fakeRepository), xlog.Discard())
		err := handler(context.Background(), amqp.Delivery{Body: []byte{0xff, 0xff}})
		require.NotNil(t, err)
		assert.True(t, errors.Is(err, amqp.ErrDrop))
	})

	t.Run("InvalidID", func(t *testing.T) {
		handler := confirmationHandler(new(fakeRepository), xlog.Discard())
		err := handler(context.Background(), confirmationDelivery("not-an-object-id", validUser))
		require.NotNil(t, err)
		assert.True(t, errors.Is(err, amqp.ErrDrop))
	})

	t.Run("InvalidUserID", func(t *testing.T) {
		handler := confirmationHandler(new(fakeRepository), xlog.Discard())
		err := handler(context.Background(), confirmationDelivery(validID, "not-a-uuid"))
		require.NotNil(t, err)
		assert.True(t, errors.Is(err, amqp.ErrDrop))
	})

	t.Run("StorageFailureRequeues", func(t *testing.T) {
		repo := &fakeRepository{insertConfirmErr: errors.New("connection reset")}
		handler := confirmationHandler(repo, xlog.Discard())
		err := handler(context.Background(), confirmationDelivery(validID, validUser))
		require.NotNil(t, err)
		assert.False(t, errors.Is(err, amqp.ErrDrop))
	})
}
