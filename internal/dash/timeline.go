package dash

import (
	"dashabr/internal/models"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"time"
)

// ErrNoTemplate is returned when neither the adaptation set nor the
// representation carries a SegmentTemplate.
var ErrNoTemplate = errors.New("no SegmentTemplate")

// liveDelaySegments keeps live downloads this many segments behind the edge.
const liveDelaySegments = 4

// Track is one representation chosen for download, with everything needed to
// address its segments.
type Track struct {
	MediaType models.MediaType
	Base      *url.URL
	Rep       *Representation
	Template  *SegmentTemplate
	// Duration is the period length, zero when unknown (live).
	Duration time.Duration
	// Live tracks are addressed from the live edge backwards.
	Live bool
	// LiveEdge is the media time published so far; see MPD.LiveEdge.
	LiveEdge time.Duration
}

// SelectTracks picks one representation per media type from the first period.
// Video takes the highest bandwidth, other types take the first representation.
func SelectTracks(mpdURL string, mpd *MPD) ([]*Track, error) {
	if len(mpd.Periods) == 0 {
		return nil, errors.New("MPD has no periods")
	}
	period := &mpd.Periods[0]

	base, err := url.Parse(mpdURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mpdLocationURL '%s': %w", mpdURL, err)
	}
	for _, b := range []string{mpd.BaseURL, period.BaseURL} {
		if base, err = resolveBase(base, b); err != nil {
			return nil, err
		}
	}

	duration, err := parseDuration(period.Duration)
	if err != nil {
		return nil, fmt.Errorf("invalid period duration: %w", err)
	}
	if duration == 0 && !mpd.IsLive() {
		if duration, err = parseDuration(mpd.MediaPresentationDuration); err != nil {
			return nil, fmt.Errorf("invalid presentation duration: %w", err)
		}
	}

	seen := make(map[models.MediaType]bool)
	var tracks []*Track
	for i := range period.Sets {
		as := &period.Sets[i]
		mediaType := as.MediaType()
		if seen[mediaType] || len(as.Representations) == 0 {
			continue
		}

		rep := &as.Representations[0]
		if mediaType == models.Video {
			for j := range as.Representations {
				if as.Representations[j].Bandwidth > rep.Bandwidth {
					rep = &as.Representations[j]
				}
			}
		}

		template := rep.SegmentTemplate
		if template == nil {
			template = as.SegmentTemplate
		}
		if template == nil {
			return nil, fmt.Errorf("adaptation set %q: %w", as.ID, ErrNoTemplate)
		}

		trackBase, err := resolveBase(base, as.BaseURL)
		if err != nil {
			return nil, err
		}
		if trackBase, err = resolveBase(trackBase, rep.BaseURL); err != nil {
			return nil, err
		}

		seen[mediaType] = true
		tracks = append(tracks, &Track{
			MediaType: mediaType,
			Base:      trackBase,
			Rep:       rep,
			Template:  template,
			Duration:  duration,
			Live:      mpd.IsLive(),
		})
	}
	return tracks, nil
}

// InitRequest returns the initialization segment request, or nil when the
// template has none.
func (t *Track) InitRequest() (*models.Request, error) {
	if t.Template.Initialization == "" {
		return nil, nil
	}
	u, err := resolveURL(t.Base, expandTemplate(t.Template.Initialization, t.Rep, 0, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve init path: %w", err)
	}
	req := models.NewRequest(u.String(), t.MediaType)
	req.Kind = models.KindInit
	req.RepID = t.Rep.ID
	return req, nil
}

// SegmentRequests expands the template into media segment requests. limit caps
// the result; it must be positive when the segment count is open-ended.
func (t *Track) SegmentRequests(limit int) ([]*models.Request, error) {
	if len(t.Template.Timeline.Segments) > 0 {
		return t.timelineRequests(limit)
	}
	return t.numberRequests(limit)
}

func (t *Track) timelineRequests(limit int) ([]*models.Request, error) {
	if !t.Live {
		return t.expandTimeline(limit)
	}
	// Live timelines list what is available; keep the window behind the edge.
	all, err := t.expandTimeline(0)
	if err != nil {
		return nil, err
	}
	return liveWindow(all, limit), nil
}

func (t *Track) expandTimeline(limit int) ([]*models.Request, error) {
	template := t.Template
	number := template.FirstNumber()
	end := t.endTime()
	var current uint64
	var requests []*models.Request

	for i, s := range template.Timeline.Segments {
		// If t is specified, it's an absolute start time.
		if s.T != nil {
			current = *s.T
		}
		if s.D == 0 {
			return nil, fmt.Errorf("segment timeline entry %d has zero duration", i)
		}

		// r=-1 repeats until the next entry's start, the period end, or the limit.
		count := s.R + 1
		if s.R < 0 {
			switch {
			case i+1 < len(template.Timeline.Segments) && template.Timeline.Segments[i+1].T != nil:
				count = int((*template.Timeline.Segments[i+1].T - current) / s.D)
			case end > current && t.Live:
				count = int((end - current) / s.D)
			case end > current:
				count = int((end - current + s.D - 1) / s.D)
			case limit > 0:
				count = limit - len(requests)
			default:
				return nil, errors.New("open-ended segment timeline requires a limit")
			}
		}

		for j := 0; j < count; j++ {
			if limit > 0 && len(requests) >= limit {
				return requests, nil
			}
			req, err := t.segmentRequest(number, current, s.D)
			if err != nil {
				return nil, err
			}
			requests = append(requests, req)
			current += s.D
			number++
		}
	}
	return requests, nil
}

func (t *Track) numberRequests(limit int) ([]*models.Request, error) {
	template := t.Template
	if template.Duration == 0 {
		return nil, errors.New("SegmentTemplate has neither SegmentTimeline nor duration")
	}

	first, count := 0, limit
	if end := t.endTime(); end > template.PresentationTimeOffset {
		span := end - template.PresentationTimeOffset
		if t.Live {
			// Only complete segments are published.
			available := int(span / template.Duration)
			newest := max(0, available-liveDelaySegments)
			if newest == 0 {
				return nil, nil
			}
			if count <= 0 || count > newest {
				count = newest
			}
			first = newest - count
		} else {
			total := int((span + template.Duration - 1) / template.Duration)
			if count <= 0 || total < count {
				count = total
			}
		}
	}
	if count <= 0 {
		return nil, errors.New("open-ended segment template requires a limit")
	}

	requests := make([]*models.Request, 0, count)
	number := template.FirstNumber() + uint64(first)
	current := template.PresentationTimeOffset + uint64(first)*template.Duration
	for i := 0; i < count; i++ {
		req, err := t.segmentRequest(number, current, template.Duration)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
		current += template.Duration
		number++
	}
	return requests, nil
}

// liveWindow drops the newest segments inside the live delay and keeps the
// last limit of the rest.
func liveWindow(requests []*models.Request, limit int) []*models.Request {
	if len(requests) > liveDelaySegments {
		requests = requests[:len(requests)-liveDelaySegments]
	}
	if limit > 0 && len(requests) > limit {
		requests = requests[len(requests)-limit:]
	}
	return requests
}

func (t *Track) segmentRequest(number, start, duration uint64) (*models.Request, error) {
	u, err := resolveURL(t.Base, expandTemplate(t.Template.Media, t.Rep, number, start))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve media path: %w", err)
	}
	req := models.NewRequest(u.String(), t.MediaType)
	req.RepID = t.Rep.ID
	req.Time = start
	req.Duration = duration
	return req, nil
}

// endTime is the period end, or the live edge, in timescale units. Zero when
// unknown.
func (t *Track) endTime() uint64 {
	span := t.Duration
	if span <= 0 {
		span = t.LiveEdge
	}
	if span <= 0 {
		return 0
	}
	timescale := t.Template.Timescale
	if timescale == 0 {
		timescale = 1
	}
	return t.Template.PresentationTimeOffset + uint64(span.Seconds()*float64(timescale))
}

var templateIdentifier = regexp.MustCompile(`\$(RepresentationID|Number|Time|Bandwidth)(?:%0(\d+)d)?\$|\$\$`)

// expandTemplate substitutes the identifiers of a SegmentTemplate attribute.
func expandTemplate(tmpl string, rep *Representation, number, start uint64) string {
	return templateIdentifier.ReplaceAllStringFunc(tmpl, func(m string) string {
		if m == "$$" {
			return "$"
		}
		parts := templateIdentifier.FindStringSubmatch(m)
		var value string
		switch parts[1] {
		case "RepresentationID":
			return rep.ID
		case "Number":
			value = strconv.FormatUint(number, 10)
		case "Time":
			value = strconv.FormatUint(start, 10)
		case "Bandwidth":
			value = strconv.Itoa(rep.Bandwidth)
		}
		if parts[2] != "" {
			width, _ := strconv.Atoi(parts[2])
			for len(value) < width {
				value = "0" + value
			}
		}
		return value
	})
}

// resolveURL resolves a path against a base URL, handling potential errors.
func resolveURL(base *url.URL, path string) (*url.URL, error) {
	resolvedPath, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse path '%s': %w", path, err)
	}
	return base.ResolveReference(resolvedPath), nil
}

func resolveBase(base *url.URL, baseURL string) (*url.URL, error) {
	if baseURL == "" {
		return base, nil
	}
	resolved, err := resolveURL(base, baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve BaseURL: %w", err)
	}
	return resolved, nil
}
