package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func signToken(t *testing.T, subject string, roles []string, expiresIn time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
	})
	signed, err := token.SignedString(testSecret)
	require.Nil(t, err)
	return signed
}

func TestParse(t *testing.T) {
	v := NewValidator(testSecret)
	userID := uuid.New()

	t.Run("Valid", func(t *testing.T) {
		token := signToken(t, userID.String(), []string{RoleProduceNotifications}, time.Minute)
		user, err := v.Parse(token)
		require.Nil(t, err)
		assert.Equal(t, userID, user.ID)
		assert.True(t, user.HasRole(RoleProduceNotifications))
		assert.False(t, user.HasRole(RoleAdmin))
	})

	t.Run("Expired", func(t *testing.T) {
		token := signToken(t, userID.String(), nil, -time.Minute)
		_, err := v.Parse(token)
		assert.NotNil(t, err)
	})

	t.Run("BadSignature", func(t *testing.T) {
		other := NewValidator([]byte("another secret value another sec"))
		token := signToken(t, userID.String(), nil, time.Minute)
		_, err := other.Parse(token)
		assert.NotNil(t, err)
	})

	t.Run("BadSubject", func(t *testing.T) {
		token := signToken(t, "not-a-uuid", nil, time.Minute)
		_, err := v.Parse(token)
		assert.NotNil(t, err)
	})
}

func TestMiddleware(t *testing.T) {
	v := NewValidator(testSecret)
	userID := uuid.New()

	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := FromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, userID, user.ID)
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("Authorized", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, userID.String(), nil, time.Minute))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("MissingHeader", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("MalformedToken", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRequireRole(t *testing.T) {
	protected := RequireRole(RoleAdmin, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("WithRole", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		ctx := WithUser(req.Context(), User{ID: uuid.New(), Roles: []string{RoleAdmin}})
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req.WithContext(ctx))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("WithoutRole", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		ctx := WithUser(req.Context(), User{ID: uuid.New()})
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req.WithContext(ctx))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("Anonymous", func(t *testing.T) {
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}
