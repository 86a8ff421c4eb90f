package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func token(t *testing.T, method jwt.SigningMethod, key any, subject string, exp time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString(key)
	require.NoError(t, err)
	return s
}

func tokenWithoutExpiry(t *testing.T, subject string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: subject}).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func router(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m, err := NewMid(secret)
	require.NoError(t, err)

	r := gin.New()
	r.Use(Logger())
	r.GET("/me", m.Authentication(), RateLimit(2), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": UserID(c), "trace": TraceID(c)})
	})
	return r
}

func TestNewMid_EmptySecret(t *testing.T) {
	_, err := NewMid("")
	assert.Error(t, err)
}

func TestAuthentication(t *testing.T) {
	r := router(t)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"valid", "Bearer " + token(t, jwt.SigningMethodHS256, []byte(secret), "user-1", future), http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong key", "Bearer " + token(t, jwt.SigningMethodHS256, []byte("other"), "user-1", future), http.StatusUnauthorized},
		{"wrong alg", "Bearer " + token(t, jwt.SigningMethodHS512, []byte(secret), "user-1", future), http.StatusUnauthorized},
		{"expired", "Bearer " + token(t, jwt.SigningMethodHS256, []byte(secret), "user-1", time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"no expiry", "Bearer " + tokenWithoutExpiry(t, "user-1"), http.StatusUnauthorized},
		{"no subject", "Bearer " + token(t, jwt.SigningMethodHS256, []byte(secret), "", future), http.StatusUnauthorized},
		{"reserved subject", "Bearer " + token(t, jwt.SigningMethodHS256, []byte(secret), "system", future), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
			assert.NotEmpty(t, w.Header().Get(traceHeader))
		})
	}
}

func TestTraceIDIsPropagated(t *testing.T) {
	r := router(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(traceHeader, "trace-123")
	req.Header.Set("Authorization", "Bearer "+token(t, jwt.SigningMethodHS256, []byte(secret), "user-1", time.Now().Add(time.Hour)))
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "trace-123", w.Header().Get(traceHeader))
	assert.JSONEq(t, `{"user":"user-1","trace":"trace-123"}`, w.Body.String())
}

func TestRateLimitIsPerUser(t *testing.T) {
	r := router(t)
	future := time.Now().Add(time.Hour)
	call := func(user string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+token(t, jwt.SigningMethodHS256, []byte(secret), user, future))
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call("user-1"))
	assert.Equal(t, http.StatusOK, call("user-1"))
	assert.Equal(t, http.StatusTooManyRequests, call("user-1"))
	assert.Equal(t, http.StatusOK, call("user-2"))
}

func TestLimiterSetEvictsIdleUsers(t *testing.T) {
	s := newLimiterSet(1)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	assert.True(t, s.allow("user-1", start))
	assert.False(t, s.allow("user-1", start.Add(time.Second)))
	assert.True(t, s.allow("user-2", start.Add(time.Minute)))
	assert.Len(t, s.visitors, 2)

	// user-1 has been idle long enough to be dropped, user-2 is still recent
	later := start.Add(limiterIdle + 30*time.Second)
	assert.True(t, s.allow("user-3", later))
	assert.Len(t, s.visitors, 2)
	assert.NotContains(t, s.visitors, "user-1")
	assert.Contains(t, s.visitors, "user-2")

	// an evicted user starts again with a full bucket
	assert.True(t, s.allow("user-1", later))
}
