package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AymericDu/oio-sds/internal/platform/ctxutil"
)

const headerRequestID = "X-Oio-Req-Id"

// AttachRequestID honors the caller's X-Oio-Req-Id or mints one, stashes it
// in the request context and echoes it in the response.
func AttachRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqid := strings.TrimSpace(c.GetHeader(headerRequestID))
		if reqid == "" {
			id := uuid.New()
			reqid = strings.ToUpper(fmt.Sprintf("%x", id[:]))
		}
		ctx := ctxutil.WithRequestID(c.Request.Context(), reqid)
		c.Request = c.Request.WithContext(ctx)
		c.Set("reqid", reqid)
		c.Writer.Header().Set(headerRequestID, reqid)
		c.Next()
	}
}
