package dash

import (
	"dashabr/internal/models"
	"encoding/xml"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MPD is the root element of a Media Presentation Description. Only the parts
// needed to address segments are modelled.
type MPD struct {
	XMLName                   xml.Name `xml:"MPD"`
	Type                      string   `xml:"type,attr"`
	Profiles                  string   `xml:"profiles,attr"`
	AvailabilityStartTime     string   `xml:"availabilityStartTime,attr"`
	TimeShiftBufferDepth      string   `xml:"timeShiftBufferDepth,attr"`
	MinimumUpdatePeriod       string   `xml:"minimumUpdatePeriod,attr"`
	MediaPresentationDuration string   `xml:"mediaPresentationDuration,attr"`
	MaxSegmentDuration        string   `xml:"maxSegmentDuration,attr"`
	MinBufferTime             string   `xml:"minBufferTime,attr"`
	BaseURL                   string   `xml:"BaseURL"`
	Periods                   []Period `xml:"Period"`
}

// IsLive reports whether the presentation is dynamic.
func (m *MPD) IsLive() bool {
	return m.Type == "dynamic"
}

// LiveEdge returns how much media time of the first period has been published
// at now. It is zero for static presentations.
func (m *MPD) LiveEdge(now time.Time) (time.Duration, error) {
	if !m.IsLive() || m.AvailabilityStartTime == "" || len(m.Periods) == 0 {
		return 0, nil
	}
	ast, err := time.Parse(time.RFC3339, m.AvailabilityStartTime)
	if err != nil {
		return 0, fmt.Errorf("invalid availabilityStartTime: %w", err)
	}
	periodStart, err := m.Periods[0].GetStart()
	if err != nil {
		return 0, fmt.Errorf("invalid period start: %w", err)
	}
	return max(0, now.Sub(ast)-periodStart), nil
}

// GetMinBufferTime returns MinBufferTime as a time.Duration.
func (m *MPD) GetMinBufferTime() (time.Duration, error) {
	return parseDuration(m.MinBufferTime)
}

var durationPart = regexp.MustCompile(`(\d+\.?\d*)([HMS])`)

// parseDuration parses an ISO 8601 time duration such as "PT1H2M3.5S".
// Plain Go durations like "5s" are accepted too.
func parseDuration(duration string) (time.Duration, error) {
	if duration == "" {
		return 0, nil
	}
	if !strings.HasPrefix(duration, "PT") {
		return time.ParseDuration(duration)
	}

	rest := strings.TrimPrefix(duration, "PT")
	if rest == "" {
		return 0, nil
	}

	matches := durationPart.FindAllStringSubmatch(rest, -1)
	consumed := 0
	for _, m := range matches {
		consumed += len(m[0])
	}
	if len(matches) == 0 || consumed != len(rest) {
		return 0, errors.New("invalid ISO 8601 duration format: " + duration)
	}

	var total time.Duration
	for _, match := range matches {
		value, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			return 0, err
		}
		switch match[2] {
		case "H":
			total += time.Duration(value * float64(time.Hour))
		case "M":
			total += time.Duration(value * float64(time.Minute))
		case "S":
			total += time.Duration(value * float64(time.Second))
		}
	}
	return total, nil
}

// Period represents a media content period.
type Period struct {
	ID       string          `xml:"id,attr"`
	Start    string          `xml:"start,attr"`
	Duration string          `xml:"duration,attr"`
	BaseURL  string          `xml:"BaseURL"`
	Sets     []AdaptationSet `xml:"AdaptationSet"`
}

// GetStart returns the Period's start time as a time.Duration.
func (p *Period) GetStart() (time.Duration, error) {
	return parseDuration(p.Start)
}

// AdaptationSet represents a set of interchangeable representations.
type AdaptationSet struct {
	ID              string           `xml:"id,attr"`
	ContentType     string           `xml:"contentType,attr"`
	Lang            string           `xml:"lang,attr,omitempty"`
	MimeType        string           `xml:"mimeType,attr"`
	BaseURL         string           `xml:"BaseURL"`
	Representations []Representation `xml:"Representation"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
}

// MediaType derives the stream category from contentType, falling back to
// the mime type prefix.
func (as *AdaptationSet) MediaType() models.MediaType {
	kind := as.ContentType
	if kind == "" {
		kind, _, _ = strings.Cut(as.MimeType, "/")
	}
	switch kind {
	case "video":
		return models.Video
	case "audio":
		return models.Audio
	case "text", "application":
		return models.Text
	default:
		return models.MediaType(kind)
	}
}

// Representation represents a specific media stream.
type Representation struct {
	ID              string           `xml:"id,attr"`
	Bandwidth       int              `xml:"bandwidth,attr"`
	Codecs          string           `xml:"codecs,attr"`
	Width           int              `xml:"width,attr,omitempty"`
	Height          int              `xml:"height,attr,omitempty"`
	MimeType        string           `xml:"mimeType,attr,omitempty"`
	BaseURL         string           `xml:"BaseURL"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
}

// SegmentTemplate defines the URL structure for segments. Either Timeline or
// Duration addresses the segments.
type SegmentTemplate struct {
	Timescale              uint64          `xml:"timescale,attr"`
	Duration               uint64          `xml:"duration,attr,omitempty"`
	StartNumber            *uint64         `xml:"startNumber,attr"`
	PresentationTimeOffset uint64          `xml:"presentationTimeOffset,attr,omitempty"`
	Initialization         string          `xml:"initialization,attr"`
	Media                  string          `xml:"media,attr"`
	Timeline               SegmentTimeline `xml:"SegmentTimeline"`
}

// FirstNumber returns startNumber, which defaults to 1.
func (st *SegmentTemplate) FirstNumber() uint64 {
	if st.StartNumber == nil {
		return 1
	}
	return *st.StartNumber
}

// SegmentTimeline defines the timeline of segments.
type SegmentTimeline struct {
	Segments []S `xml:"S"`
}

// S represents a single segment or a run of equal-duration segments.
type S struct {
	T *uint64 `xml:"t,attr"` // Start time, absent means "continue"
	D uint64  `xml:"d,attr"` // Duration
	R int     `xml:"r,attr,omitempty"`
}
