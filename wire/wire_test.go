package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T {
	return &v
}

func TestNotificationRoundTrip(t *testing.T) {
	t.Run("Full", func(t *testing.T) {
		src := &Notification{
			UserIDs:     []string{"user-1", "user-2"},
			ID:          "65f1c0ffee00000000000001",
			Status:      StatusNew,
			Timestamp:   time.Date(2024, 3, 14, 15, 9, 26, 535897000, time.UTC),
			CreatedBy:   ptr("producer-1"),
			Seen:        ptr(false),
			ContentType: ptr("utf-8"),
			Content:     []byte("hello"),
		}

		out := new(Notification)
		require.Nil(t, out.Unmarshal(src.Marshal()))
		assert.Equal(t, src, out)
	})

	t.Run("Sparse", func(t *testing.T) {
		src := &Notification{
			UserIDs:   []string{"user-1"},
			ID:        "65f1c0ffee00000000000002",
			Status:    StatusDeleted,
			Timestamp: time.Unix(1710428966, 0).UTC(),
		}

		out := new(Notification)
		require.Nil(t, out.Unmarshal(src.Marshal()))
		assert.Equal(t, src, out)
		assert.Nil(t, out.Seen)
		assert.Nil(t, out.ContentType)
		assert.Nil(t, out.Content)
	})

	t.Run("Broadcast", func(t *testing.T) {
		src := &Notification{
			ID:        "65f1c0ffee00000000000003",
			Status:    StatusUpdated,
			Timestamp: time.Unix(1710428966, 42).UTC(),
			Seen:      ptr(true),
		}

		out := new(Notification)
		require.Nil(t, out.Unmarshal(src.Marshal()))
		assert.Empty(t, out.UserIDs)
		assert.Equal(t, src, out)
	})
}

func TestConfirmationRoundTrip(t *testing.T) {
	src := &Confirmation{
		ID:     "65f1c0ffee00000000000001",
		UserID: "11f7ac1e-9fae-4d05-a02c-0f4468591e1c",
	}

	out := new(Confirmation)
	require.Nil(t, out.Unmarshal(src.Marshal()))
	assert.Equal(t, src, out)
}

func TestWebSocketNotificationRoundTrip(t *testing.T) {
	t.Run("WithBody", func(t *testing.T) {
		src := &WebSocketNotification{
			MessageID:     "d9cb24aa-6a3e-4b42-b9c1-53b1b06a13f1",
			NetworkStatus: NetworkOk,
			Notification: &Notification{
				ID:        "65f1c0ffee00000000000001",
				Status:    StatusNew,
				Timestamp: time.Unix(1710428966, 0).UTC(),
				Content:   []byte{0x01, 0x02},
			},
		}

		out := new(WebSocketNotification)
		require.Nil(t, out.Unmarshal(src.Marshal()))
		assert.Equal(t, src, out)
	})

	t.Run("NetworkStatusOnly", func(t *testing.T) {
		src := &WebSocketNotification{
			MessageID:     "d9cb24aa-6a3e-4b42-b9c1-53b1b06a13f1",
			NetworkStatus: NetworkError,
		}

		out := new(WebSocketNotification)
		require.Nil(t, out.Unmarshal(src.Marshal()))
		assert.Equal(t, src, out)
		assert.Nil(t, out.Notification)
	})
}

func TestWebSocketConfirmationRoundTrip(t *testing.T) {
	src := &WebSocketConfirmation{MessageID: "d9cb24aa-6a3e-4b42-b9c1-53b1b06a13f1"}
	out := new(WebSocketConfirmation)
	require.Nil(t, out.Unmarshal(src.Marshal()))
	assert.Equal(t, src, out)
}

func TestUnmarshalMalformed(t *testing.T) {
	garbage := []byte{0xff, 0xff, 0xff, 0xff}
	assert.NotNil(t, new(Notification).Unmarshal(garbage))
	assert.NotNil(t, new(Confirmation).Unmarshal(garbage))
	assert.NotNil(t, new(WebSocketNotification).Unmarshal(garbage))
	assert.NotNil(t, new(WebSocketConfirmation).Unmarshal(garbage))
}

func TestStatusRoutingKeys(t *testing.T) {
	assert.Equal(t, "NEW", StatusNew.String())
	assert.Equal(t, "UPDATED", StatusUpdated.String())
	assert.Equal(t, "DELETED", StatusDeleted.String())
}
