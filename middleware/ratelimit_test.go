package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterFixedWindow(t *testing.T) {
	l := NewRateLimiter(time.Minute, 3)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("ip:1")
		require.True(t, ok, "request %d", i+1)
	}
	ok, retry := l.Allow("ip:1")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, retry)

	// 其他身份互不影响
	ok, _ = l.Allow("ip:2")
	assert.True(t, ok)

	now = now.Add(20 * time.Second)
	ok, retry = l.Allow("ip:1")
	assert.False(t, ok)
	assert.Equal(t, 40*time.Second, retry)

	now = now.Add(40 * time.Second)
	ok, _ = l.Allow("ip:1")
	assert.True(t, ok, "window expiry resets the counter")
}

func TestRateLimiterSweep(t *testing.T) {
	l := NewRateLimiter(time.Second, 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	l.Allow("a")
	l.Allow("b")
	assert.Equal(t, 2, l.Len())

	now = now.Add(500 * time.Millisecond)
	assert.Equal(t, 0, l.Sweep())
	now = now.Add(time.Second)
	assert.Equal(t, 2, l.Sweep())
	assert.Equal(t, 0, l.Len())
}

func TestRateLimitHandlerRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewRateLimiter(time.Minute, 2)
	r := gin.New()
	r.Use(l.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		last = w
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
	assert.Equal(t, "60", last.Header().Get("Retry-After"))
	assert.Contains(t, last.Body.String(), `"code":10429`)
}

func rateLimitedEngine(t *testing.T, limit int, proxies []string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	require.NoError(t, TrustProxies(r, proxies))
	r.Use(NewRateLimiter(time.Minute, limit).Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	r := rateLimitedEngine(t, 2, nil)

	codes := make([]int, 0, 10)
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "203.0.113.7:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{200, 200, 429, 429, 429, 429, 429, 429, 429, 429}, codes)
}

func TestRateLimitUsesForwardedForFromTrustedProxy(t *testing.T) {
	r := rateLimitedEngine(t, 1, []string{"203.0.113.0/24"})

	send := func(client string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "203.0.113.7:40000"
		req.Header.Set("X-Forwarded-For", client)
		r.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, send("198.51.100.1"))
	assert.Equal(t, http.StatusOK, send("198.51.100.2"), "distinct clients behind the proxy")
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.1"))
}
