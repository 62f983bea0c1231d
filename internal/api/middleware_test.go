package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/localmart/commission-service/internal/app"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminAuthMiddleware(t *testing.T) {
	env := newAPIEnv(t)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "not a bearer token", header: "Token abc", want: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer abc.def.ghi", want: http.StatusUnauthorized},
		{name: "wrong role", header: "Bearer " + env.token(jwt.MapClaims{"sub": "u1", "role": "support"}), want: http.StatusForbidden},
		{name: "expired", header: "Bearer " + env.token(jwt.MapClaims{"sub": "u1", "role": testAdminRole, "exp": time.Now().Add(-time.Hour).Unix()}), want: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + env.token(jwt.MapClaims{"role": testAdminRole}), want: http.StatusUnauthorized},
		{name: "role in roles array", header: "Bearer " + env.token(jwt.MapClaims{"sub": "u1", "roles": []string{"support", testAdminRole}}), want: http.StatusOK},
		{name: "admin", header: "Bearer " + env.adminToken(), want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/reports/top-performers", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, env.do(req).Code)
		})
	}
}

func TestAdminAuthMiddlewareRejectsUnknownKey(t *testing.T) {
	env := newAPIEnv(t)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "u1", "role": testAdminRole, "exp": time.Now().Add(time.Hour).Unix()})
	token.Header["kid"] = "rotated-away"
	signed, err := token.SignedString(env.key)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/reports/top-performers", nil)
	req.Header.Set("Authorization", "Bearer "+signed)

	assert.Equal(t, http.StatusUnauthorized, env.do(req).Code)
}

func TestAdminAuthMiddlewareDisabledWithoutJWKS(t *testing.T) {
	env := newAPIEnvWithOptions(t, envOptions{noJWKS: true})

	rec := env.admin(http.MethodGet, "/admin/reports/top-performers", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminAuthMiddlewareInjectsSubject(t *testing.T) {
	env := newAPIEnv(t)
	var seen string
	handler := AdminAuthMiddleware(env.jwksURL, testAdminRole)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = AdminFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+env.adminToken())
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "admin_1", seen)

	_, ok := AdminFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)
}

func TestInternalAuthMiddlewareWithoutKey(t *testing.T) {
	called := false
	handler := InternalAuthMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/internal/events", nil))

	assert.True(t, called, "an empty key allows all callers")
}

func TestPromoValidateRateLimit(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	env := newAPIEnvWithOptions(t, envOptions{limiter: app.NewRedisRateLimiter(client, "test"), promoLimit: 2})

	for i := 0; i < 2; i++ {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/promo-codes/ANY/validate", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/promo-codes/ANY/validate", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	other := httptest.NewRequest(http.MethodGet, "/promo-codes/ANY/validate", nil)
	other.RemoteAddr = "198.51.100.7:4000"
	assert.Equal(t, http.StatusOK, env.do(other).Code, "limits are per client")

	server.Close()
	rec = env.do(httptest.NewRequest(http.MethodGet, "/promo-codes/ANY/validate", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "the limiter fails open")
}
