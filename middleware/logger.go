package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"PlatesRelay/tools/errs"
)

// AccessLog logs each request at debug level. Upgrade requests on wsPath
// are long lived and logged by the gateway instead.
func AccessLog(log *zap.Logger, wsPath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == wsPath {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		log.Debug("[HTTP]",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote", c.ClientIP()),
		)
	}
}

// Recovery turns a handler panic into a 500 and an error log.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("[HTTP] panic", zap.String("path", c.Request.URL.Path), zap.Error(errs.ErrPanic(r)), zap.Stack("stack"))
				if !c.Writer.Written() {
					c.AbortWithStatus(http.StatusInternalServerError)
					return
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}
