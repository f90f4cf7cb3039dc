package middleware

import (
	"net/http"
	"os"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbd54566975/ssi-relay/config"
	"github.com/tbd54566975/ssi-relay/pkg/server/framework"
)

// Errors handles errors a handler pushed onto the gin context instead of responding itself. A shutdown error
// signals the server to stop. Anything else is logged and, when nothing was written, answered with a 500.
func Errors(shutdown chan os.Signal) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		errors := c.Errors.ByType(gin.ErrorTypeAny)
		if len(errors) == 0 {
			return
		}

		tracer := trace.SpanFromContext(c.Request.Context()).TracerProvider().Tracer(config.ServiceName)
		_, span := tracer.Start(c.Request.Context(), "service.middleware.errors")
		defer span.End()

		// check if there's a shutdown-worthy error
		for _, e := range errors {
			if framework.IsShutdown(e.Err) {
				logrus.WithError(e.Err).Error("integrity issue, shutting down")
				c.Set(framework.ShutdownErrorKey.String(), e.Err)
				if shutdown != nil {
					shutdown <- syscall.SIGTERM
				}
				return
			}
		}

		logrus.WithField("traceID", span.SpanContext().TraceID().String()).Errorf("request errors: %v", errors)
		if !c.Writer.Written() {
			framework.Respond(c, framework.ErrorResponse{Error: "internal server error"}, http.StatusInternalServerError)
		}
	}
}
