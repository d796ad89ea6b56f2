package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/bez-service/settlement_service/pkg/auth"
	"github.com/bez-service/settlement_service/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func doRequest(router *gin.Engine, method, path, remoteAddr string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("request_id")) })

	w := doRequest(router, http.MethodGet, "/x", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), w.Body.String())

	w = doRequest(router, http.MethodGet, "/x", "", http.Header{"X-Request-Id": {"abc-123"}})
	assert.Equal(t, "abc-123", w.Body.String())
}

func TestRecovery(t *testing.T) {
	router := gin.New()
	router.Use(RequestID(), Recovery(logger.NewNop()))
	router.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := doRequest(router, http.MethodGet, "/boom", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Internal server error")
}

func TestIPRateLimiter(t *testing.T) {
	limiter := NewIPRateLimiter(3, time.Minute)
	defer limiter.Stop()

	router := gin.New()
	router.Use(limiter.Limit())
	router.GET("/prices", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		w := doRequest(router, http.MethodGet, "/prices", "192.168.1.1:1234", nil)
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := doRequest(router, http.MethodGet, "/prices", "192.168.1.1:1234", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")

	w = doRequest(router, http.MethodGet, "/prices", "192.168.1.2:1234", nil)
	assert.Equal(t, http.StatusOK, w.Code, "other IPs have their own bucket")
	assert.Equal(t, 2, limiter.Size())
}

func TestIPRateLimiter_Cleanup(t *testing.T) {
	limiter := NewIPRateLimiter(10, 50*time.Millisecond)
	defer limiter.Stop()

	limiter.getLimiter("10.0.0.1")
	limiter.getLimiter("10.0.0.2")
	assert.Equal(t, 2, limiter.Size())

	limiter.cleanup(time.Now().Add(time.Second))
	assert.Equal(t, 0, limiter.Size())
}

func TestAdminAuth(t *testing.T) {
	const secret, issuer = "s3cret", "bez-settlement"
	admin, _ := auth.IssueToken("ops", auth.RoleAdmin, secret, issuer, time.Hour)
	viewer, _ := auth.IssueToken("ops", "viewer", secret, issuer, time.Hour)

	newRouter := func(secret string) *gin.Engine {
		router := gin.New()
		router.Use(AdminAuth(secret, issuer, logger.NewNop()))
		router.GET("/admin", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("operator")) })
		return router
	}

	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"admin token", secret, "Bearer " + admin, http.StatusOK},
		{"missing header", secret, "", http.StatusUnauthorized},
		{"not bearer", secret, "Basic abc", http.StatusUnauthorized},
		{"bad token", secret, "Bearer nope", http.StatusUnauthorized},
		{"non-admin role", secret, "Bearer " + viewer, http.StatusForbidden},
		{"no secret configured", "", "Bearer " + admin, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set("Authorization", tt.header)
			}
			w := doRequest(newRouter(tt.secret), http.MethodGet, "/admin", "", h)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "ops", w.Body.String())
			}
		})
	}
}
