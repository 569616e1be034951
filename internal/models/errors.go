package models

import (
	"errors"
	"fmt"
)

// Error codes carried by failed LoadingCompleted events.
const (
	LoadingFailure = 1
	NullRequest    = 2
)

const nullRequestMessage = "request is null"

// ErrNullRequest matches any FetchError with the NullRequest code.
var ErrNullRequest = errors.New(nullRequestMessage)

// FetchError describes why a transfer produced no usable response.
type FetchError struct {
	Code       int
	Message    string
	StatusText string
	// Status is the transport status code, zero when no response arrived.
	Status int
}

// NewNullRequestError is reported when load is called without a request.
func NewNullRequestError() *FetchError {
	return &FetchError{Code: NullRequest, Message: nullRequestMessage}
}

// NewLoadingFailure wraps a transport failure.
func NewLoadingFailure(status int, statusText, message string) *FetchError {
	return &FetchError{
		Code:       LoadingFailure,
		Message:    message,
		StatusText: statusText,
		Status:     status,
	}
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch error %d (status %d %s): %s", e.Code, e.Status, e.StatusText, e.Message)
	}
	return fmt.Sprintf("fetch error %d: %s", e.Code, e.Message)
}

// Is lets errors.Is(err, ErrNullRequest) identify null-request failures.
func (e *FetchError) Is(target error) bool {
	return target == ErrNullRequest && e.Code == NullRequest
}
