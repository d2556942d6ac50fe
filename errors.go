package chatsync

import (
	"errors"
	"fmt"
)

// Precondition failures. They are reported synchronously and never retried.
var (
	ErrThrottled       = errors.New("throttled")
	ErrTypingDisabled  = errors.New("typing events are disabled for this channel")
	ErrChannelNotFound = errors.New("channel not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidReaction = errors.New("reaction type is required")
	ErrNotRetryable    = errors.New("attachment is not in a failed state")
	ErrNoAPI           = errors.New("no network api configured")
)

// APIError is an error body returned by the chat API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
	}
	return e.Code + ": " + e.Message
}

// PreconditionError is a local validation failure of a mutation.
type PreconditionError struct {
	Op  string
	Err error
}

func (e *PreconditionError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *PreconditionError) Unwrap() error { return e.Err }

// NetworkError is a failed network call behind a mutation. Any optimistic
// state has already been rolled back when it is returned.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return e.Op + ": network: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// PersistenceError is a failed repository write. Nothing of the batch was
// committed; retry the whole batch.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return e.Op + ": persistence: " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }

func precondition(op string, err error) error { return &PreconditionError{Op: op, Err: err} }
