package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tbd54566975/ssi-relay/internal/util"
)

// Logger logs every request after it completes, e.g.
//
//	method=GET path=/v1/presentations/1/verify status=200 ip=192.168.1.0 latency=4ms
//
// The query string is left out since it may carry filters with DIDs in them.
func Logger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    util.SanitizeLog(c.Request.URL.Path),
			"status":  c.Writer.Status(),
			"ip":      c.ClientIP(),
			"latency": time.Since(start).String(),
		})
		if caller := CallerDID(c); caller != "" {
			entry = entry.WithField("did", util.SanitizeLog(caller))
		}
		if c.Writer.Status() >= 500 {
			entry.Error("request completed")
			return
		}
		entry.Info("request completed")
	}
}
