package core

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.nexum.io/notifier/auth"
	"go.nexum.io/notifier/errors"
	xlog "go.nexum.io/notifier/log"
	"go.nexum.io/notifier/storage/orm"
)

// Default page size for delivered-notification queries.
const defaultPageSize = 100

// NewRouter returns the HTTP API of the core service. Every endpoint
// requires a bearer token; producer endpoints additionally require the
// produce-notifications role.
func NewRouter(svc NotificationsService, validator *auth.Validator, ll xlog.Logger) http.Handler {
	h := &handlers{svc: svc, log: ll}
	mux := http.NewServeMux()

	produce := func(fn http.HandlerFunc) http.Handler {
		return auth.RequireRole(auth.RoleProduceNotifications, fn)
	}

	mux.Handle("POST /api/v1/notifications/undelivered", produce(h.saveNotification))
	mux.Handle("PUT /api/v1/notifications/undelivered/{id}/invalidate_at", produce(h.updateInvalidateAt))
	mux.HandleFunc("GET /api/v1/notifications/undelivered", h.findUndelivered)
	mux.HandleFunc("GET /api/v1/notifications/delivered", h.findDelivered)
	mux.HandleFunc("GET /api/v1/notifications/delivered/{id}", h.findDeliveredOne)
	mux.HandleFunc("DELETE /api/v1/notifications/delivered/{id}", h.deleteNotification)
	mux.HandleFunc("PUT /api/v1/notifications/delivered/{id}/seen", h.updateSeen)

	return validator.Middleware(mux)
}

type handlers struct {
	svc NotificationsService
	log xlog.Logger
}

func (h *handlers) saveNotification(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	input := NotificationInput{}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}
	id, err := h.svc.SaveNotification(r.Context(), user.ID, input)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (h *handlers) updateInvalidateAt(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	input := InvalidateAtInput{}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}
	if err := h.svc.UpdateNotificationInvalidateAt(r.Context(), id, user.ID, input); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) findUndelivered(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	notifications, err := h.svc.FindUndeliveredNotifications(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (h *handlers) findDelivered(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	pagination, filters, ok := listParams(w, r)
	if !ok {
		return
	}
	notifications, err := h.svc.FindDeliveredNotifications(r.Context(), user.ID, pagination, filters)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (h *handlers) findDeliveredOne(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	notification, err := h.svc.FindDeliveredNotification(r.Context(), id, user.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notification)
}

func (h *handlers) deleteNotification(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteNotification(r.Context(), id, user.ID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) updateSeen(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	input := SeenInput{}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}
	if err := h.svc.UpdateNotificationSeen(r.Context(), id, user.ID, input); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Map domain failures to HTTP status codes. Anything outside the closed
// set is a storage-level failure.
func (h *handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		w.WriteHeader(http.StatusUnprocessableEntity)
	case errors.Is(err, ErrTooLarge):
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	case errors.Is(err, ErrAlreadySaved):
		w.WriteHeader(http.StatusConflict)
	case errors.Is(err, ErrNotExist):
		w.WriteHeader(http.StatusNotFound)
	default:
		h.log.WithField("error", err.Error()).Error("request failed")
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// Parse the {id} path segment; an unparseable value can never match a
// stored notification.
func pathID(w http.ResponseWriter, r *http.Request) (primitive.ObjectID, bool) {
	id, err := orm.ParseID(r.PathValue("id"))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return primitive.NilObjectID, false
	}
	return id, true
}

func listParams(w http.ResponseWriter, r *http.Request) (Pagination, Filters, bool) {
	pagination := Pagination{PageIdx: 0, PageSize: defaultPageSize}
	filters := Filters{}
	query := r.URL.Query()

	if raw := query.Get("page_idx"); raw != "" {
		idx, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || idx < 0 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return pagination, filters, false
		}
		pagination.PageIdx = idx
	}
	if raw := query.Get("page_size"); raw != "" {
		size, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || size <= 0 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return pagination, filters, false
		}
		pagination.PageSize = size
	}
	if raw := query.Get("seen"); raw != "" {
		seen, err := strconv.ParseBool(raw)
		if err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return pagination, filters, false
		}
		filters.Seen = &seen
	}
	return pagination, filters, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
