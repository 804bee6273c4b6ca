package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ceyewan/chorus/logic/service"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubAuth struct{}

func (stubAuth) Validate(_ context.Context, credential string) (*service.Identity, error) {
	if credential == "Bearer good" || credential == "good" {
		return &service.Identity{ID: "alice", DisplayName: "Alice"}, nil
	}
	return nil, service.NewError(service.CodeUnauthenticated, "invalid credential", nil)
}

type countingLimiter struct {
	allowed int
	err     error
	keys    []string
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ ratelimit.Limit) (bool, error) {
	l.keys = append(l.keys, key)
	if l.err != nil {
		return false, l.err
	}
	if l.allowed <= 0 {
		return false, nil
	}
	l.allowed--
	return true, nil
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(handlers...)
	r.GET("/me", func(c *gin.Context) {
		id, _ := GetIdentity(c)
		if id == nil {
			c.String(http.StatusOK, "anonymous")
			return
		}
		c.String(http.StatusOK, id.ID)
	})
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	return r
}

func serve(r http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAuth(t *testing.T) {
	r := newRouter(RequireAuth(stubAuth{}, clog.Discard()))

	w := serve(r, "/me", http.Header{"Authorization": {"Bearer good"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	w = serve(r, "/me?token=good", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(r, "/me", http.Header{"Authorization": {"Bearer bad"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthenticated")
}

func TestRateLimit(t *testing.T) {
	t.Run("ip", func(t *testing.T) {
		limiter := &countingLimiter{allowed: 1}
		r := newRouter(NewRateLimitConfig(limiter, clog.Discard()).GlobalIP(ratelimit.Limit{Rate: 1, Burst: 1}))

		assert.Equal(t, http.StatusOK, serve(r, "/me", nil).Code)
		w := serve(r, "/me", nil)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Contains(t, w.Body.String(), "rate_limited")
	})

	t.Run("user", func(t *testing.T) {
		limiter := &countingLimiter{allowed: 5}
		r := newRouter(
			RequireAuth(stubAuth{}, clog.Discard()),
			NewRateLimitConfig(limiter, clog.Discard()).UserBased(ratelimit.Limit{Rate: 1, Burst: 1}),
		)

		assert.Equal(t, http.StatusOK, serve(r, "/me?token=good", nil).Code)
		assert.Equal(t, []string{"http:user:alice"}, limiter.keys)
	})

	t.Run("fails open", func(t *testing.T) {
		limiter := &countingLimiter{err: errors.New("limiter down")}
		r := newRouter(NewRateLimitConfig(limiter, clog.Discard()).GlobalIP(ratelimit.Limit{Rate: 1, Burst: 1}))

		assert.Equal(t, http.StatusOK, serve(r, "/me", nil).Code)
	})
}

func TestLoggerAndRecovery(t *testing.T) {
	r := newRouter(Recovery(clog.Discard()), Logger(clog.Discard()))

	w := serve(r, "/me", http.Header{RequestIDHeader: {"req-1"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))
	assert.NotEmpty(t, w.Header().Get(TraceIDHeader))

	w = serve(r, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
