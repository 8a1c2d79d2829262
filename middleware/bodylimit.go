package middleware

import (
	"fmt"
	"net/http"

	"PGateway/tools/errs"

	"github.com/gin-gonic/gin"
)

// BodyLimit 按 Content-Length 预检，并用 MaxBytesReader 兜住 chunked 请求体
func BodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 {
			return
		}
		if c.Request.ContentLength > limit {
			Abort(c, errs.ErrPayloadTooLarge.WithDetail(fmt.Sprintf("limit %d bytes", limit)))
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
	}
}
