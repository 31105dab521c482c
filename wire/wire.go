// Package wire defines the protobuf messages exchanged over the broker and
// the WebSocket link, together with their binary codecs.
//
// Messages are encoded field by field with the low-level wire format from
// google.golang.org/protobuf, so frames interoperate with any standard
// protobuf peer using the same schema:
//
//	message Notification {
//	  repeated string user_ids = 1;
//	  string id = 2;
//	  NotificationStatus status = 3;
//	  google.protobuf.Timestamp timestamp = 4;
//	  optional string created_by = 5;
//	  optional bool seen = 6;
//	  optional string content_type = 7;
//	  optional bytes content = 8;
//	}
//
//	message Confirmation {
//	  string id = 1;
//	  string user_id = 2;
//	}
//
//	message WebSocketNotification {
//	  string message_id = 1;
//	  NetworkStatus network_status = 2;
//	  optional Notification notification = 3;
//	}
//
//	message WebSocketConfirmation {
//	  string message_id = 1;
//	}
package wire

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"go.nexum.io/notifier/errors"
)

// Status describes the kind of state change carried by a notification
// event.
type Status int32

const (
	// StatusNew marks a freshly created notification.
	StatusNew Status = 0

	// StatusUpdated marks a change to an existing notification.
	StatusUpdated Status = 1

	// StatusDeleted marks a notification removed by its recipient.
	StatusDeleted Status = 2
)

// String returns the routing key value used for the status.
func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusUpdated:
		return "UPDATED"
	case StatusDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// NetworkStatus reports the health of the delivery pipeline to connected
// clients.
type NetworkStatus int32

const (
	// NetworkOk indicates the pipeline is consuming events normally.
	NetworkOk NetworkStatus = 0

	// NetworkError indicates the pipeline is recovering and events may be
	// delayed.
	NetworkError NetworkStatus = 1
)

// Notification is the fanout event published by the core on every
// notification state change. An empty UserIDs list means broadcast.
type Notification struct {
	UserIDs     []string
	ID          string
	Status      Status
	Timestamp   time.Time
	CreatedBy   *string
	Seen        *bool
	ContentType *string
	Content     []byte
}

// Confirmation announces that a user received a notification over a
// WebSocket.
type Confirmation struct {
	ID     string
	UserID string
}

// WebSocketNotification is the server-to-client WebSocket frame. The
// notification body is absent on pure network-status frames.
type WebSocketNotification struct {
	MessageID     string
	NetworkStatus NetworkStatus
	Notification  *Notification
}

// WebSocketConfirmation is the client-to-server acknowledgement frame.
type WebSocketConfirmation struct {
	MessageID string
}

// Marshal returns the binary encoding of the message.
func (n *Notification) Marshal() []byte {
	var b []byte
	for _, id := range n.UserIDs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	if n.ID != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, n.ID)
	}
	if n.Status != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(n.Status))
	}
	if !n.Timestamp.IsZero() {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTimestamp(n.Timestamp))
	}
	if n.CreatedBy != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, *n.CreatedBy)
	}
	if n.Seen != nil {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(*n.Seen))
	}
	if n.ContentType != nil {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, *n.ContentType)
	}
	if n.Content != nil {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, n.Content)
	}
	return b
}

// Unmarshal parses the binary encoding into the message.
func (n *Notification) Unmarshal(data []byte) error {
	*n = Notification{}
	return scan(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			s, err := consumeString(typ, v)
			if err != nil {
				return err
			}
			n.UserIDs = append(n.UserIDs, s)
		case 2:
			s, err := consumeString(typ, v)
			if err != nil {
				return err
			}
			n.ID = s
		case 3:
			x, err := consumeVarint(typ, v)
			if err != nil {
				return err
			}
			n.Status = Status(x)
		case 4:
			raw, err := consumeBytes(typ, v)
			if err != nil {
				return err
			}
			ts, err := unmarshalTimestamp(raw)
			if err != nil {
				return err
			}
			n.Timestamp = ts
		case 5:
			s, err := consumeString(typ, v)
			if err != nil {
				return err
			}
			n.CreatedBy = &s
		case 6:
			x, err := consumeVarint(typ, v)
			if err != nil {
				return err
			}
			seen := protowire.DecodeBool(x)
			n.Seen = &seen
		case 7:
			s, err := consumeString(typ, v)
			if err != nil {
				return err
			}
			n.ContentType = &s
		case 8:
			raw, err := consumeBytes(typ, v)
			if err != nil {
				return err
			}
			n.Content = append([]byte{}, raw...)
		}
		return nil
	})
}

// Marshal returns the binary encoding of the message.
func (c *Confirmation) Marshal() []byte {
	var b []byte
	if c.ID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, c.ID)
	}
	if c.UserID != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, c.UserID)
	}
	return b
}

// Unmarshal parses the binary encoding into the message.
func (c *Confirmation) Unmarshal(data []byte) error {
	*c = Confirmation{}
	return scan(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			s, err := consumeString(typ, v)
			if err != nil {
				return err
			}
			c.ID = s
		case 2:
			s, err := consumeString(typ, v)
			if err != nil {
				return err
			}
			c.UserID = s
		}
		return nil
	})
}

// Marshal returns the binary encoding of the message.
func (wn *WebSocketNotification) Marshal() []byte {
	var b []byte
	if wn.MessageID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, wn.MessageID)
	}
	if wn.NetworkStatus != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(wn.NetworkStatus))
	}
	if wn.Notification != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, wn.Notification.Marshal())
	}
	return b
}

// Unmarshal parses the binary encoding into the message.
func (wn *WebSocketNotification) Unmarshal(data []byte) error {
	*wn = WebSocketNotification{}
	return scan(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			s, err := consumeString(typ, v)
			if err != nil {
				return err
			}
			wn.MessageID = s
		case 2:
			x, err := consumeVarint(typ, v)
			if err != nil {
				return err
			}
			wn.NetworkStatus = NetworkStatus(x)
		case 3:
			raw, err := consumeBytes(typ, v)
			if err != nil {
				return err
			}
			nested := new(Notification)
			if err := nested.Unmarshal(raw); err != nil {
				return err
			}
			wn.Notification = nested
		}
		return nil
	})
}

// Marshal returns the binary encoding of the message.
func (wc *WebSocketConfirmation) Marshal() []byte {
	var b []byte
	if wc.MessageID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, wc.MessageID)
	}
	return b
}

// Unmarshal parses the binary encoding into the message.
func (wc *WebSocketConfirmation) Unmarshal(data []byte) error {
	*wc = WebSocketConfirmation{}
	return scan(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == 1 {
			s, err := consumeString(typ, v)
			if err != nil {
				return err
			}
			wc.MessageID = s
		}
		return nil
	})
}

// google.protobuf.Timestamp: int64 seconds = 1; int32 nanos = 2.
func marshalTimestamp(t time.Time) []byte {
	var b []byte
	if s := t.Unix(); s != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s))
	}
	if ns := t.Nanosecond(); ns != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ns))
	}
	return b
}

func unmarshalTimestamp(data []byte) (time.Time, error) {
	var seconds int64
	var nanos int64
	err := scan(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			x, err := consumeVarint(typ, v)
			if err != nil {
				return err
			}
			seconds = int64(x)
		case 2:
			x, err := consumeVarint(typ, v)
			if err != nil {
				return err
			}
			nanos = int64(x)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(seconds, nanos).UTC(), nil
}

// Walk every field on a serialized message, handing the raw field value to
// the visitor. Unknown fields are skipped.
func scan(data []byte, visit func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.WithStack(protowire.ParseError(n))
		}
		data = data[n:]

		size := protowire.ConsumeFieldValue(num, typ, data)
		if size < 0 {
			return errors.WithStack(protowire.ParseError(size))
		}
		if err := visit(num, typ, data[:size]); err != nil {
			return err
		}
		data = data[size:]
	}
	return nil
}

func consumeString(typ protowire.Type, value []byte) (string, error) {
	if typ != protowire.BytesType {
		return "", errors.New("unexpected wire type for string field")
	}
	s, n := protowire.ConsumeString(value)
	if n < 0 {
		return "", errors.WithStack(protowire.ParseError(n))
	}
	return s, nil
}

func consumeBytes(typ protowire.Type, value []byte) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, errors.New("unexpected wire type for bytes field")
	}
	b, n := protowire.ConsumeBytes(value)
	if n < 0 {
		return nil, errors.WithStack(protowire.ParseError(n))
	}
	return b, nil
}

func consumeVarint(typ protowire.Type, value []byte) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, errors.New("unexpected wire type for varint field")
	}
	x, n := protowire.ConsumeVarint(value)
	if n < 0 {
		return 0, errors.WithStack(protowire.ParseError(n))
	}
	return x, nil
}
