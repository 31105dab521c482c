package delivery

import (
	"go.nexum.io/notifier/errors"
)

// ErrTicketInvalid marks an upgrade attempt with a ticket that is
// missing, already used or expired. The reason is never disclosed to the
// client.
var ErrTicketInvalid = errors.New("ticket invalid")

// errNoDocumentUpdated signals that a guarded update matched no document.
var errNoDocumentUpdated = errors.New("no document updated")
