// Package events carries fetch outcomes from a SegmentFetcher to whoever is
// listening in the same player session.
package events

import "dashabr/internal/models"

// Type identifies an event kind on the bus.
type Type string

const (
	CheckForExistenceCompleted Type = "checkForExistenceCompleted"
	LoadingProgress            Type = "loadingProgress"
	LoadingCompleted           Type = "loadingCompleted"
)

// Event is anything that can be published on a Bus.
type Event interface {
	Type() Type
}

// Sender identifies the fetcher that produced a terminal event.
type Sender interface {
	ID() string
}

// CheckForExistenceCompletedEvent reports the outcome of an existence probe.
type CheckForExistenceCompletedEvent struct {
	Request *models.Request
	Exists  bool
}

func (CheckForExistenceCompletedEvent) Type() Type { return CheckForExistenceCompleted }

// LoadingProgressEvent carries the trace recorded so far for an in-flight transfer.
type LoadingProgressEvent struct {
	Request  *models.Request
	Response *models.Response
}

func (LoadingProgressEvent) Type() Type { return LoadingProgress }

// LoadingCompletedEvent is the single terminal event of a load. Exactly one of
// Response and Error is set.
type LoadingCompletedEvent struct {
	Request  *models.Request
	Response *models.Response
	Error    *models.FetchError
	Sender   Sender
}

func (LoadingCompletedEvent) Type() Type { return LoadingCompleted }

// Failed reports whether the load ended in an error.
func (e LoadingCompletedEvent) Failed() bool {
	return e.Error != nil
}
