// Package middleware holds the gin middleware shared by the HTTP API:
// request tracing, bearer token authentication and per-user rate limiting.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/slashbinslashnoname/p2p-market-orders/logkey"
	"github.com/slashbinslashnoname/p2p-market-orders/models"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
	userIDKey
)

const traceHeader = "X-Trace-Id"

// Mid carries the state the middleware needs
type Mid struct {
	secret []byte
}

// NewMid creates the middleware verifying HS256 tokens signed with secret
func NewMid(secret string) (*Mid, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &Mid{secret: []byte(secret)}, nil
}

// Logger assigns a trace id to every request and logs it once it finished
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(traceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		ctx := context.WithValue(c.Request.Context(), traceIDKey, traceID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(traceHeader, traceID)

		start := time.Now()
		c.Next()

		slog.Info("request",
			slog.String(logkey.TraceID, traceID),
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}

// Authentication requires a valid bearer token. The token subject becomes the acting user.
func (m *Mid) Authentication() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := TraceID(c)
		header := c.GetHeader("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			slog.Error("missing bearer token", slog.String(logkey.TraceID, traceID))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": http.StatusText(http.StatusUnauthorized)})
			return
		}

		var claims jwt.RegisteredClaims
		_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
			return m.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			slog.Error("invalid token", slog.String(logkey.TraceID, traceID), slog.String(logkey.Error, err.Error()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": http.StatusText(http.StatusUnauthorized)})
			return
		}
		// the sweeper's actor name is reserved
		if claims.Subject == "" || claims.Subject == models.SystemActor {
			slog.Error("token has no usable subject", slog.String(logkey.TraceID, traceID))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": http.StatusText(http.StatusUnauthorized)})
			return
		}

		ctx := context.WithValue(c.Request.Context(), userIDKey, claims.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// limiterIdle is how long a user's limiter is kept after their last request.
// It must be at least a minute: by then the bucket has refilled, so
// dropping it loses nothing.
const limiterIdle = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet holds one token bucket per user and evicts idle ones
type limiterSet struct {
	mu        sync.Mutex
	every     rate.Limit
	burst     int
	visitors  map[string]*visitor
	lastPrune time.Time
}

func newLimiterSet(perMinute int) *limiterSet {
	return &limiterSet{
		every:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		visitors: make(map[string]*visitor),
	}
}

func (s *limiterSet) allow(user string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastPrune) >= limiterIdle {
		for id, v := range s.visitors {
			if now.Sub(v.lastSeen) >= limiterIdle {
				delete(s.visitors, id)
			}
		}
		s.lastPrune = now
	}

	v, ok := s.visitors[user]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.every, s.burst)}
		s.visitors[user] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// RateLimit allows each user perMinute requests per minute, with bursts of the same size
func RateLimit(perMinute int) gin.HandlerFunc {
	if perMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiters := newLimiterSet(perMinute)

	return func(c *gin.Context) {
		user := UserID(c)
		if !limiters.allow(user, time.Now()) {
			slog.Warn("rate limit exceeded", slog.String(logkey.TraceID, TraceID(c)), slog.String(logkey.UserID, user))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": http.StatusText(http.StatusTooManyRequests)})
			return
		}
		c.Next()
	}
}

// TraceID returns the request's trace id
func TraceID(c *gin.Context) string {
	id, _ := c.Request.Context().Value(traceIDKey).(string)
	return id
}

// UserID returns the authenticated user
func UserID(c *gin.Context) string {
	id, _ := c.Request.Context().Value(userIDKey).(string)
	return id
}
