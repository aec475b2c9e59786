package api

import (
	"errors"
	"fmt"
)

// ErrAuthRequired covers every 401/403: the cached credential is invalid
// and the user has to log in again. The action that hit it is abandoned.
var ErrAuthRequired = errors.New("authentication required")

// ErrDuplicateVote is the 409 condition on vote: reported as a warning,
// never retried automatically.
var ErrDuplicateVote = errors.New("already voted this way for this email")

// APIError is any other non-2xx response, carrying the backend's error
// message when the body had one, or a status default otherwise.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
}

// NetworkError wraps a transport failure. Reported generically; the user
// may retry manually.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// statusMessage supplies a user-facing default when the response body
// carries no error field.
func statusMessage(status int) string {
	switch status {
	case 400:
		return "Invalid request. Please check your input."
	case 404:
		return "The requested resource was not found."
	case 429:
		return "Too many requests. Please try again later."
	case 500:
		return "An internal server error occurred. Please try again later."
	default:
		return "An unexpected error occurred. Please try again."
	}
}
