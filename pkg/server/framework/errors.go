package framework

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	svcframework "github.com/tbd54566975/ssi-relay/pkg/service/framework"
	"github.com/tbd54566975/ssi-relay/pkg/storage"
)

// FieldError is used to indicate an error with a field in a request payload.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// ErrorResponse is the structure of response error payloads sent back to the requester.
type ErrorResponse struct {
	Error  string       `json:"error"`
	Fields []FieldError `json:"fields,omitempty"`
}

// StatusCode maps a classified service error to its HTTP status. Anything unclassified is a 500.
func StatusCode(err error) int {
	switch svcframework.KindOf(err) {
	case svcframework.ValidationErrorKind:
		return http.StatusBadRequest
	case svcframework.AuthenticationErrorKind:
		return http.StatusUnauthorized
	case svcframework.ForbiddenErrorKind:
		return http.StatusForbidden
	case svcframework.NotFoundErrorKind:
		return http.StatusNotFound
	case svcframework.ConflictErrorKind:
		return http.StatusConflict
	case svcframework.IntegrityErrorKind:
		return http.StatusUnprocessableEntity
	case svcframework.DependencyErrorKind:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// LoggingRespondError logs err and responds with the status its kind maps to. A classified error's message and
// fields are safe to return; anything else is answered with msg only. Errors from closed storage also raise a
// shutdown error on the context.
func LoggingRespondError(c *gin.Context, err error, msg string) {
	statusCode := StatusCode(err)
	resp := ErrorResponse{Error: msg}
	if e, ok := svcframework.AsError(err); ok {
		resp.Error = e.Msg
		resp.Fields = fieldErrors(e.Fields)
	}

	entry := logrus.WithError(err).WithField("status", statusCode)
	if statusCode >= http.StatusInternalServerError {
		entry.Error(msg)
	} else {
		entry.Info(msg)
	}
	if storage.IsClosed(err) {
		// nothing can be served without storage; the errors middleware stops the server
		_ = c.Error(NewShutdownError("storage is closed"))
	}
	Respond(c, resp, statusCode)
}

func fieldErrors(fields map[string]string) []FieldError {
	if len(fields) == 0 {
		return nil
	}
	result := make([]FieldError, 0, len(fields))
	for field, msg := range fields {
		result = append(result, FieldError{Field: field, Error: msg})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Field < result[j].Field
	})
	return result
}

// shutdown is a type used to help with graceful shutdown of a server.
type shutdown struct {
	Message string
}

// shutdown implements the Error interface
func (s *shutdown) Error() string {
	return s.Message
}

// NewShutdownError returns an error that causes the framework to signal
// a graceful shutdown
func NewShutdownError(message string) error {
	return &shutdown{message}
}

// IsShutdown checks to see if the shutdown error is contained in
// the specified error value.
func IsShutdown(err error) bool {
	var shutdownErr *shutdown
	return errors.As(err, &shutdownErr)
}
