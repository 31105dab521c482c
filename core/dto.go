package core

import (
	"time"

	"github.com/google/uuid"
)

// NotificationInput is the payload producers POST to create a
// notification. Content travels base64-encoded on the wire.
type NotificationInput struct {
	InvalidateAt           *time.Time  `json:"invalidate_at,omitempty"`
	UserIDs                []uuid.UUID `json:"user_ids"`
	ProducerNotificationID int64       `json:"producer_notification_id"`
	ContentType            string      `json:"content_type"`
	Content                []byte      `json:"content"`
}

// InvalidateAtInput carries a new invalidation deadline; a null value
// removes it.
type InvalidateAtInput struct {
	InvalidateAt *time.Time `json:"invalidate_at"`
}

// SeenInput toggles the seen flag on a delivered notification.
type SeenInput struct {
	Seen bool `json:"seen"`
}

// Pagination selects one page of results.
type Pagination struct {
	PageIdx  int64
	PageSize int64
}

// Filters narrows delivered-notification queries.
type Filters struct {
	Seen *bool
}

// NotificationID is returned on successful creation.
type NotificationID struct {
	ID string `json:"id"`
}

// NotificationOutput is the per-user view of a notification returned by
// the HTTP API. Content travels base64-encoded on the wire.
type NotificationOutput struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Seen        bool      `json:"seen"`
	ContentType string    `json:"content_type"`
	Content     []byte    `json:"content"`
}
