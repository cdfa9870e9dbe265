package worker

import (
	"fmt"
	"net/http"
)

// genericMessage is the only text a client sees for an internal fault.
const genericMessage = "internal server error"

// apiError is an error that maps to a specific HTTP status. Its message is
// safe to show to clients.
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s", e.status, e.msg)
}

// clientInput reports a malformed id or body (400).
func clientInput(format string, args ...any) *apiError {
	return &apiError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

// notFound reports an unknown record or route (404).
func notFound(format string, args ...any) *apiError {
	return &apiError{status: http.StatusNotFound, msg: fmt.Sprintf(format, args...)}
}

// internalFault hides the cause behind the generic message (500).
func internalFault() *apiError {
	return &apiError{status: http.StatusInternalServerError, msg: genericMessage}
}
