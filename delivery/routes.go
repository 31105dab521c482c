package delivery

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.nexum.io/notifier/auth"
	"go.nexum.io/notifier/errors"
	xlog "go.nexum.io/notifier/log"
)

// NewRouter returns the HTTP API of the delivery service: ticket
// issuance, administrative connection teardown and the WebSocket upgrade
// endpoint. The upgrade endpoint authenticates through one-shot tickets
// instead of bearer tokens; everything else requires a bearer token.
func NewRouter(tickets TicketsService, websockets WebSocketsService,
	validator *auth.Validator, ll xlog.Logger) http.Handler {
	h := &handlers{
		tickets:    tickets,
		websockets: websockets,
		log:        ll,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/ticket", validator.Middleware(http.HandlerFunc(h.createTicket)))
	mux.Handle("DELETE /api/v1/connection/{user_id}", validator.Middleware(
		auth.RequireRole(auth.RoleAdmin, http.HandlerFunc(h.closeConnections))))
	mux.HandleFunc("GET /ws/v1", h.upgrade)
	return mux
}

type handlers struct {
	tickets    TicketsService
	websockets WebSocketsService
	upgrader   websocket.Upgrader
	log        xlog.Logger
}

func (h *handlers) createTicket(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	ticket, err := h.tickets.CreateTicket(r.Context(), user.ID)
	if err != nil {
		h.log.WithField("error", err.Error()).Error("failed to create ticket")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ticket)
}

func (h *handlers) closeConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.websockets.CloseConnections(userID)
	w.WriteHeader(http.StatusOK)
}

// One-shot ticket authentication followed by the WebSocket upgrade. The
// connection engine owns the socket from here on; HandleClient blocks for
// the lifetime of the connection.
func (h *handlers) upgrade(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.tickets.ConsumeTicket(r.Context(), r.URL.Query().Get("ticket"))
	if err != nil {
		if errors.Is(err, ErrTicketInvalid) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h.log.WithField("error", err.Error()).Error("failed to consume ticket")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	userID, err := uuid.Parse(ticket.UserID)
	if err != nil {
		h.log.WithField("error", err.Error()).Error("stored ticket has invalid user id")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.log.WithField("error", err.Error()).Warning("websocket upgrade failed")
		return
	}
	h.websockets.HandleClient(userID, r.RemoteAddr, conn)
}
