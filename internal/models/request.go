package models

import (
	"fmt"

	"github.com/google/uuid"
)

// MediaType is the stream category used to key throughput and latency histories.
type MediaType string

const (
	Video MediaType = "video"
	Audio MediaType = "audio"
	Text  MediaType = "text"
)

// Kind tells the transport what sort of resource a request targets.
type Kind int

const (
	// KindSegment is a media segment.
	KindSegment Kind = iota
	// KindInit is an initialization segment.
	KindInit
	// KindProbe is a header-only existence check.
	KindProbe
)

func (k Kind) String() string {
	switch k {
	case KindSegment:
		return "segment"
	case KindInit:
		return "init"
	case KindProbe:
		return "probe"
	default:
		return "unknown"
	}
}

// ByteRange is an inclusive byte range, rendered as an HTTP Range header.
type ByteRange struct {
	Start int64
	End   int64
}

// Header returns the value for the HTTP Range header.
func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Request describes a single transfer. It is built by the caller and never
// modified after it is handed to a fetcher.
type Request struct {
	// ID correlates events with the request that produced them.
	ID string
	// URL is the fully-qualified URL to fetch.
	URL string
	// Kind is the resource kind.
	Kind Kind
	// MediaType is the stream the resource belongs to.
	MediaType MediaType
	// Range is optional; nil means the whole resource.
	Range *ByteRange
	// RepID is the representation the segment belongs to, if any.
	RepID string
	// Time is the segment start time in the representation timescale.
	Time uint64
	// Duration is the segment duration in the representation timescale.
	Duration uint64
}

// NewRequest creates a request for a media segment with a fresh correlation ID.
func NewRequest(url string, mediaType MediaType) *Request {
	return &Request{
		ID:        uuid.NewString(),
		URL:       url,
		Kind:      KindSegment,
		MediaType: mediaType,
	}
}

// AsProbe returns a copy of the request turned into an existence probe.
// The copy keeps the ID so that probe results correlate with the original.
func (r *Request) AsProbe() *Request {
	probe := *r
	probe.Kind = KindProbe
	probe.Range = nil
	return &probe
}

// WithRange returns a copy of the request restricted to the given byte range.
func (r *Request) WithRange(start, end int64) *Request {
	ranged := *r
	ranged.Range = &ByteRange{Start: start, End: end}
	return &ranged
}
