package core

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.nexum.io/notifier/auth"
	xlog "go.nexum.io/notifier/log"
)

var routesSecret = []byte("0123456789abcdef0123456789abcdef")

type routesEnv struct {
	repo    *fakeRepository
	fanout  *fakeFanout
	handler http.Handler
}

func newRoutesEnv() *routesEnv {
	repo := &fakeRepository{insertID: primitive.NewObjectID()}
	fanout := new(fakeFanout)
	svc := newTestService(repo, fanout)
	return &routesEnv{
		repo:    repo,
		fanout:  fanout,
		handler: NewRouter(svc, auth.NewValidator(routesSecret), xlog.Discard()),
	}
}

func token(t *testing.T, userID uuid.UUID, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   userID.String(),
		"roles": roles,
		"exp":   time.Now().Add(time.Minute).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(routesSecret)
	require.Nil(t, err)
	return signed
}

func doRequest(t *testing.T, handler http.Handler, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.Nil(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRouterAuth(t *testing.T) {
	env := newRoutesEnv()

	t.Run("MissingToken", func(t *testing.T) {
		rec := doRequest(t, env.handler, http.MethodGet, "/api/v1/notifications/undelivered", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("ProducerEndpointWithoutRole", func(t *testing.T) {
		bearer := token(t, uuid.New())
		rec := doRequest(t, env.handler, http.MethodPost, "/api/v1/notifications/undelivered", bearer,
			NotificationInput{ContentType: "utf-8"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestRouterSaveNotification(t *testing.T) {
	producer := uuid.New()

	t.Run("Created", func(t *testing.T) {
		env := newRoutesEnv()
		bearer := token(t, producer, auth.RoleProduceNotifications)
		rec := doRequest(t, env.handler, http.MethodPost, "/api/v1/notifications/undelivered", bearer,
			NotificationInput{
				UserIDs:                []uuid.UUID{uuid.New()},
				ProducerNotificationID: 1,
				ContentType:            "utf-8",
				Content:                []byte("hi"),
			})
		require.Equal(t, http.StatusOK, rec.Code)

		out := NotificationID{}
		require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Equal(t, env.repo.insertID.Hex(), out.ID)
	})

	t.Run("InvalidateAtPassed", func(t *testing.T) {
		env := newRoutesEnv()
		bearer := token(t, producer, auth.RoleProduceNotifications)
		rec := doRequest(t, env.handler, http.MethodPost, "/api/v1/notifications/undelivered", bearer,
			NotificationInput{InvalidateAt: pastTime()})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("Duplicate", func(t *testing.T) {
		env := newRoutesEnv()
		env.repo.insertErr = errInsertUniqueViolation
		bearer := token(t, producer, auth.RoleProduceNotifications)
		rec := doRequest(t, env.handler, http.MethodPost, "/api/v1/notifications/undelivered", bearer,
			NotificationInput{ProducerNotificationID: 1})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("TooLarge", func(t *testing.T) {
		env := newRoutesEnv()
		bearer := token(t, producer, auth.RoleProduceNotifications)
		rec := doRequest(t, env.handler, http.MethodPost, "/api/v1/notifications/undelivered", bearer,
			NotificationInput{Content: make([]byte, 65)})
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestRouterDelivered(t *testing.T) {
	user := uuid.New()

	t.Run("FindOneNotExist", func(t *testing.T) {
		env := newRoutesEnv()
		bearer := token(t, user)
		rec := doRequest(t, env.handler, http.MethodGet,
			"/api/v1/notifications/delivered/"+primitive.NewObjectID().Hex(), bearer, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("MalformedID", func(t *testing.T) {
		env := newRoutesEnv()
		bearer := token(t, user)
		rec := doRequest(t, env.handler, http.MethodGet,
			"/api/v1/notifications/delivered/zzz", bearer, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("List", func(t *testing.T) {
		env := newRoutesEnv()
		env.repo.delivered = []Notification{{ID: primitive.NewObjectID(), Seen: true}}
		bearer := token(t, user)
		rec := doRequest(t, env.handler, http.MethodGet,
			"/api/v1/notifications/delivered?page_idx=0&page_size=10&seen=true", bearer, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var out []NotificationOutput
		require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &out))
		require.Len(t, out, 1)
		assert.True(t, out[0].Seen)
	})

	t.Run("BadPagination", func(t *testing.T) {
		env := newRoutesEnv()
		bearer := token(t, user)
		rec := doRequest(t, env.handler, http.MethodGet,
			"/api/v1/notifications/delivered?page_size=nope", bearer, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("UpdateSeen", func(t *testing.T) {
		env := newRoutesEnv()
		bearer := token(t, user)
		rec := doRequest(t, env.handler, http.MethodPut,
			"/api/v1/notifications/delivered/"+primitive.NewObjectID().Hex()+"/seen", bearer,
			SeenInput{Seen: true})
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Len(t, env.fanout.updates, 1)
	})

	t.Run("Delete", func(t *testing.T) {
		env := newRoutesEnv()
		bearer := token(t, user)
		rec := doRequest(t, env.handler, http.MethodDelete,
			"/api/v1/notifications/delivered/"+primitive.NewObjectID().Hex(), bearer, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Len(t, env.fanout.deletes, 1)
	})
}

func TestRouterUndelivered(t *testing.T) {
	env := newRoutesEnv()
	stored := Notification{ID: primitive.NewObjectID(), ContentType: "utf-8", Content: []byte("hi")}
	env.repo.undelivered = []Notification{stored}
	bearer := token(t, uuid.New())

	rec := doRequest(t, env.handler, http.MethodGet, "/api/v1/notifications/undelivered", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []NotificationOutput
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, stored.ID.Hex(), out[0].ID)
	assert.Equal(t, []byte("hi"), out[0].Content)
	assert.Equal(t, []primitive.ObjectID{stored.ID}, env.repo.confirmedIDs)
}
