package worker

import (
	"errors"
	"net/http"

	"github.com/kubewarden/policy-server/internal/evalenv"
)

// errMalformedBody wraps a request body that failed to decode as valid
// JSON or is missing a required field, distinguishing it from every other
// evaluation failure for status-code mapping.
type errMalformedBody struct{ cause error }

func (e *errMalformedBody) Error() string { return "malformed request body: " + e.cause.Error() }
func (e *errMalformedBody) Unwrap() error { return e.cause }

// statusFor maps an evaluation error to the HTTP status spec.md §4.I
// requires: unknown policy -> 404, malformed body -> 400, anything else
// -> 500 with a generic message (the real error still goes to the log).
func statusFor(err error) int {
	var malformed *errMalformedBody
	switch {
	case errors.As(err, &malformed):
		return http.StatusBadRequest
	case errors.Is(err, evalenv.ErrUnknownPolicy):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is what a client sees for a given status: the real
// message for 404/400 (safe, since it only ever names the bad input),
// a generic one for 500 so internal detail never leaks over the wire.
func publicMessage(status int, err error) string {
	if status == http.StatusInternalServerError {
		return "something went wrong"
	}
	return err.Error()
}
