package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	midsec "PGateway/middleware/security"
	"PGateway/module/notify/model"
	"PGateway/tools/errs"
	tsec "PGateway/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticVerifier() tsec.Verifier {
	return tsec.VerifierFunc(func(cred string) (model.Principal, error) {
		switch cred {
		case "good":
			return model.Principal{ID: "u1"}, nil
		case "pub":
			return model.Principal{ID: "svc", Roles: []string{"publisher"}}, nil
		}
		return model.Principal{}, errs.ErrUnauthorized.WithDetail("bad token")
	})
}

type harness struct {
	engine   *gin.Engine
	pipe     *Pipeline
	rejected []int
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := &harness{}
	opts := Options{
		AllowedOrigins: []string{"https://app.example"},
		BodyLimit:      16,
		RateWindow:     time.Minute,
		RateMax:        100,
		Verifier:       staticVerifier(),
		Exempt:         []string{"/health", "/auth/"},
		OnReject:       func(status int) { h.rejected = append(h.rejected, status) },
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.pipe = NewPipeline(opts)
	h.engine = gin.New()
	h.engine.Use(h.pipe.Use())

	h.engine.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	h.engine.GET("/auth/login", func(c *gin.Context) { c.String(http.StatusOK, "login") })
	h.pipe.GET(h.engine, "/open", func(c *gin.Context) { c.String(http.StatusOK, "open") }, RouteOpt{IsAuth: false})
	h.pipe.GET(h.engine, "/me", func(c *gin.Context) {
		p, ok := midsec.PrincipalFrom(c.Request.Context())
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, p.ID)
	}, RouteOpt{IsAuth: true})
	h.pipe.POST(h.engine, "/publish", func(c *gin.Context) { c.Status(http.StatusAccepted) },
		RouteOpt{IsAuth: true, Roles: []string{"publisher", "admin"}})
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func decodeErr(t *testing.T, w *httptest.ResponseRecorder) errs.CodeError {
	t.Helper()
	var ce errs.CodeError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ce))
	return ce
}

func TestPipelineAuthenticates(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := h.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", w.Body.String())
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	// websocket 客户端走 query
	w = h.do(httptest.NewRequest(http.MethodGet, "/me?access_token=good", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, errs.Unauthorized, decodeErr(t, w).Code)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer nope")
	w = h.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, []int{401, 401}, h.rejected)
}

func TestPipelineExemptRoutes(t *testing.T) {
	h := newHarness(t, nil)
	for _, path := range []string{"/health", "/auth/login", "/open"} {
		w := h.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestPipelineRoles(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/publish", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := h.do(req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/publish", nil)
	req.Header.Set("authorization", "pub")
	w = h.do(req)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestPipelineOrigin(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := h.do(req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, errs.Forbidden, decodeErr(t, w).Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example")
	w = h.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://app.example")
	w = h.do(req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestPipelineWildcardOrigin(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AllowedOrigins = []string{"*"} })
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://anything.example")
	assert.Equal(t, http.StatusOK, h.do(req).Code)
}

func TestPipelineBodyLimit(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/publish", strings.NewReader(strings.Repeat("x", 17)))
	req.Header.Set("Authorization", "Bearer pub")
	w := h.do(req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, errs.PayloadTooLarge, decodeErr(t, w).Code)
}

func TestPipelineMalformed(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Content-Length", "-5")
	assert.Equal(t, http.StatusBadRequest, h.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	w := h.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errs.MalformedRequest, decodeErr(t, w).Code)
}

func TestPipelineRateLimitBeforeAuth(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.RateMax = 2 })
	codes := []int{}
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.RemoteAddr = "10.1.1.1:5555"
		codes = append(codes, h.do(req).Code)
	}
	// 第三次在鉴权之前就被限流
	assert.Equal(t, []int{401, 401, 429}, codes)
	assert.Equal(t, 1, h.pipe.Limiter().Len())
}
