package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"markethub.com/pkg/common"
	"markethub.com/pkg/logger"
)

func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if rid == "" {
			rid = common.New()
		}
		c.Set(common.CtxKeyRequestID, rid)
		c.Header(common.HeaderRequestID, rid)
		// request id 同时作为 trace_id 写进 request context，ws 会话的日志也会带上
		ctx := context.WithValue(c.Request.Context(), common.CtxKeyRequestID, rid)
		ctx = context.WithValue(ctx, logger.TraceIdKey, rid)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
