package framework

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies service errors so transports can map them without inspecting messages.
type ErrorKind string

const (
	// ValidationErrorKind is malformed or missing input. The caller should fix the request.
	ValidationErrorKind ErrorKind = "validation"
	// AuthenticationErrorKind is a missing, invalid or expired credential, or an inactive DID.
	AuthenticationErrorKind ErrorKind = "authentication"
	// ForbiddenErrorKind is an authenticated caller acting on something it does not own.
	ForbiddenErrorKind ErrorKind = "forbidden"
	// IntegrityErrorKind is a MAC or signature mismatch. Messages never say where the mismatch is.
	IntegrityErrorKind ErrorKind = "integrity"
	// ConflictErrorKind is a state transition that is not allowed from the record's current state.
	ConflictErrorKind ErrorKind = "conflict"
	// NotFoundErrorKind is a missing record.
	NotFoundErrorKind ErrorKind = "not_found"
	// DependencyErrorKind is an unreachable or misbehaving external collaborator, e.g. the DID registry.
	DependencyErrorKind ErrorKind = "dependency"
)

// Error is a classified service error. Msg is safe to return to a client; Err is the underlying cause and is
// only ever logged.
type Error struct {
	Kind   ErrorKind
	Msg    string
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Msg, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func NewValidationError(msg string) error {
	return newError(ValidationErrorKind, nil, msg)
}

// NewFieldValidationError reports a single offending field.
func NewFieldValidationError(field, msg string) error {
	e := newError(ValidationErrorKind, nil, "field validation error")
	e.Fields = map[string]string{field: msg}
	return e
}

func NewAuthenticationError(msg string) error {
	return newError(AuthenticationErrorKind, nil, msg)
}

func NewForbiddenError(msg string) error {
	return newError(ForbiddenErrorKind, nil, msg)
}

func NewIntegrityError(msg string) error {
	return newError(IntegrityErrorKind, nil, msg)
}

func NewConflictError(msg string) error {
	return newError(ConflictErrorKind, nil, msg)
}

func NewNotFoundError(msg string) error {
	return newError(NotFoundErrorKind, nil, msg)
}

func NewDependencyError(err error, msg string) error {
	return newError(DependencyErrorKind, err, msg)
}

// KindOf returns the kind of the first classified error in err's chain, or the empty kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// AsError extracts the classified error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
