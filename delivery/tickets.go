package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.nexum.io/notifier/errors"
	xlog "go.nexum.io/notifier/log"
	"go.nexum.io/notifier/storage/orm"
)

// Ticket is a single-use random credential binding one WebSocket upgrade
// to the authenticated user that requested it.
type Ticket struct {
	ID       primitive.ObjectID `bson:"_id,omitempty"`
	Ticket   string             `bson:"ticket"`
	UserID   string             `bson:"user_id"`
	IssuedAt time.Time          `bson:"issued_at"`
	ExpireAt time.Time          `bson:"expire_at"`
	UsedAt   *time.Time         `bson:"used_at,omitempty"`
}

// WebSocketTicket is the HTTP response handed to clients.
type WebSocketTicket struct {
	Ticket string `json:"ticket"`
}

// TicketsRepository persists issued tickets.
type TicketsRepository interface {
	// Insert stores a fresh ticket. Fails on ticket-string collisions.
	Insert(ctx context.Context, ticket string, userID uuid.UUID, issuedAt, expireAt time.Time) (primitive.ObjectID, error)

	// Find returns the ticket record, or nil when no such ticket exists.
	Find(ctx context.Context, ticket string) (*Ticket, error)

	// UpdateUsedAt marks the ticket as consumed; matches only tickets not
	// consumed yet so racing consumers cannot both succeed.
	UpdateUsedAt(ctx context.Context, id primitive.ObjectID, usedAt time.Time) error
}

type ticketsRepository struct {
	model *orm.Model
}

// NewTicketsRepository returns a MongoDB-backed tickets repository and
// ensures the unique index on the ticket string.
func NewTicketsRepository(ctx context.Context, op *orm.Operator) (TicketsRepository, error) {
	model := op.Model("tickets")
	if err := model.EnsureIndex(ctx, bson.D{{Key: "ticket", Value: 1}}, true); err != nil {
		return nil, errors.Wrap(err, "failed to ensure index")
	}
	return &ticketsRepository{model: model}, nil
}

func (r *ticketsRepository) Insert(ctx context.Context, ticket string, userID uuid.UUID,
	issuedAt, expireAt time.Time) (primitive.ObjectID, error) {
	hex, err := r.model.Insert(ctx, Ticket{
		Ticket:   ticket,
		UserID:   userID.String(),
		IssuedAt: issuedAt,
		ExpireAt: expireAt,
	})
	if err != nil {
		return primitive.NilObjectID, errors.WithStack(err)
	}
	id, err := orm.ParseID(hex)
	if err != nil {
		return primitive.NilObjectID, errors.WithStack(err)
	}
	return id, nil
}

func (r *ticketsRepository) Find(ctx context.Context, ticket string) (*Ticket, error) {
	out := new(Ticket)
	err := r.model.First(ctx, map[string]interface{}{"ticket": ticket}, out)
	if err != nil {
		if orm.IsNotFound(err) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	return out, nil
}

func (r *ticketsRepository) UpdateUsedAt(ctx context.Context, id primitive.ObjectID, usedAt time.Time) error {
	filter := map[string]interface{}{
		"_id":     id,
		"used_at": map[string]interface{}{"$exists": false},
	}
	res, err := r.model.Update(ctx, filter, bson.M{"$set": bson.M{"used_at": usedAt}})
	if err != nil {
		return errors.WithStack(err)
	}
	if res.MatchedCount == 0 {
		return errNoDocumentUpdated
	}
	return nil
}

// TicketsService issues and consumes one-shot upgrade tickets.
type TicketsService interface {
	// CreateTicket issues a fresh ticket bound to the user.
	CreateTicket(ctx context.Context, userID uuid.UUID) (WebSocketTicket, error)

	// ConsumeTicket atomically marks the ticket as used and returns its
	// record. Fails with ErrTicketInvalid when the ticket is missing,
	// already used or expired.
	ConsumeTicket(ctx context.Context, ticket string) (Ticket, error)
}

// TicketsServiceConfig adjusts ticket issuance.
type TicketsServiceConfig struct {
	// How long an issued ticket stays valid.
	TicketLifespan time.Duration
}

type ticketsService struct {
	config     TicketsServiceConfig
	repository TicketsRepository
	log        xlog.Logger
}

// NewTicketsService wires the service with its repository.
func NewTicketsService(config TicketsServiceConfig, repository TicketsRepository, ll xlog.Logger) TicketsService {
	if ll == nil {
		ll = xlog.Discard()
	}
	return &ticketsService{
		config:     config,
		repository: repository,
		log:        ll.Sub(xlog.Fields{"component": "tickets-service"}),
	}
}

func (s *ticketsService) CreateTicket(ctx context.Context, userID uuid.UUID) (WebSocketTicket, error) {
	issuedAt := time.Now().UTC()
	expireAt := issuedAt.Add(s.config.TicketLifespan)
	ticket := uuid.New().String()

	id, err := s.repository.Insert(ctx, ticket, userID, issuedAt, expireAt)
	if err != nil {
		return WebSocketTicket{}, err
	}
	s.log.WithField("id", id.Hex()).Info("created ticket")
	return WebSocketTicket{Ticket: ticket}, nil
}

func (s *ticketsService) ConsumeTicket(ctx context.Context, ticket string) (Ticket, error) {
	record, err := s.repository.Find(ctx, ticket)
	if err != nil {
		return Ticket{}, err
	}
	if record == nil {
		return Ticket{}, errors.Wrap(ErrTicketInvalid, "ticket not exist")
	}
	if record.UsedAt != nil {
		return Ticket{}, errors.Wrap(ErrTicketInvalid, "ticket already used")
	}
	now := time.Now().UTC()
	if record.ExpireAt.Before(now) {
		return Ticket{}, errors.Wrap(ErrTicketInvalid, "ticket expired")
	}

	switch err := s.repository.UpdateUsedAt(ctx, record.ID, now); {
	case err == nil:
		s.log.WithField("id", record.ID.Hex()).Info("consumed ticket")
		record.UsedAt = &now
		return *record, nil
	case errors.Is(err, errNoDocumentUpdated):
		// Raced with another consumer of the same ticket.
		return Ticket{}, errors.Wrap(ErrTicketInvalid, "ticket already used")
	default:
		return Ticket{}, err
	}
}
