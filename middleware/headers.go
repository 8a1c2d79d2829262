package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"PGateway/tools/errs"

	"github.com/gin-gonic/gin"
)

// Headers 安全响应头 + 畸形请求拒绝
func Headers() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if err := checkRequest(c.Request); err != nil {
			Abort(c, err)
		}
	}
}

func checkRequest(r *http.Request) error {
	if strings.ContainsRune(r.URL.Path, 0) {
		return errs.ErrMalformedRequest.WithDetail("path contains NUL")
	}
	if cl := r.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return errs.ErrMalformedRequest.WithDetail("bad content-length")
		}
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if r.Header.Get("Sec-WebSocket-Key") == "" {
			return errs.ErrMalformedRequest.WithDetail("missing Sec-WebSocket-Key")
		}
		if r.Header.Get("Sec-WebSocket-Version") != "13" {
			return errs.ErrMalformedRequest.WithDetail("unsupported Sec-WebSocket-Version")
		}
	}
	return nil
}
