// Package apperr defines the error taxonomy shared by every coordination service.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned for an unknown transaction, saga or message id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when an operation is attempted outside its legal transition.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidArgument is returned for malformed requests and configuration.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConflict is returned when a concurrent writer updated the entity first.
	ErrConflict = errors.New("version conflict")
	// ErrUnreachable is returned when the locator or a remote service failed at the network level.
	ErrUnreachable = errors.New("dependency unreachable")
	// ErrRejected is returned when a remote service responded with a non-success status.
	ErrRejected = errors.New("dependency rejected")
	// ErrInconsistent marks a 2PC commit that partially failed.
	ErrInconsistent = errors.New("inconsistent terminal state")
)

// RejectedError carries the remote response that caused a rejection.
type RejectedError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s responded with HTTP %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s responded with HTTP %d: %s", e.Service, e.StatusCode, e.Body)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// Invalid builds an ErrInvalidArgument with a formatted reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// State builds an ErrInvalidState with a formatted reason.
func State(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// HTTPStatus maps an error to the status code a handler should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnreachable), errors.Is(err, ErrRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
