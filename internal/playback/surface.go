// Package playback describes the playback surface the fetch layer reports
// stalls to. The real surface is platform code; StallTracker is a headless
// implementation used by the probe tool and tests.
package playback

import (
	"dashabr/internal/models"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Surface is the narrow view of a media element the rest of the player needs.
type Surface interface {
	CurrentTime() time.Duration
	SetPlaybackRate(rate float64)
	IsStalled() bool
	OnStallChange(fn func(stalled bool)) func()
}

// StallTracker halts a virtual playhead while any media type is stalled and
// resumes it at the previous rate once every stall has cleared.
type StallTracker struct {
	clock clock.Clock

	mutex     sync.Mutex
	stalled   []models.MediaType
	rate      float64
	savedRate float64
	position  time.Duration
	since     time.Time
	handlers  map[int]func(bool)
	nextID    int
}

var _ Surface = (*StallTracker)(nil)

// NewStallTracker creates a tracker playing at rate 1 from position 0.
// A nil clock means the wall clock.
func NewStallTracker(c clock.Clock) *StallTracker {
	if c == nil {
		c = clock.New()
	}
	return &StallTracker{
		clock:    c,
		rate:     1,
		since:    c.Now(),
		handlers: make(map[int]func(bool)),
	}
}

// advance folds the time played since the last change into position.
func (s *StallTracker) advance() {
	now := s.clock.Now()
	s.position += time.Duration(float64(now.Sub(s.since)) * s.rate)
	s.since = now
}

// CurrentTime returns the virtual playhead position.
func (s *StallTracker) CurrentTime() time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.advance()
	return s.position
}

// SetPlaybackRate changes the rate. While stalled the rate is remembered and
// applied on resume.
func (s *StallTracker) SetPlaybackRate(rate float64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if len(s.stalled) > 0 {
		s.savedRate = rate
		return
	}
	s.advance()
	s.rate = rate
}

// PlaybackRate returns the effective rate, 0 while stalled.
func (s *StallTracker) PlaybackRate() float64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.rate
}

// IsStalled reports whether any media type is stalled.
func (s *StallTracker) IsStalled() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.stalled) > 0
}

// OnStallChange registers fn to be called when the overall stall state flips.
func (s *StallTracker) OnStallChange(fn func(stalled bool)) func() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.nextID++
	id := s.nextID
	s.handlers[id] = fn
	return func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		delete(s.handlers, id)
	}
}

// SetStallState marks mediaType as stalled or recovered.
func (s *StallTracker) SetStallState(mediaType models.MediaType, stalled bool) {
	s.mutex.Lock()
	changed := false
	if stalled {
		changed = s.addStalled(mediaType)
	} else {
		changed = s.removeStalled(mediaType)
	}
	var notify []func(bool)
	if changed {
		for _, fn := range s.handlers {
			notify = append(notify, fn)
		}
	}
	now := len(s.stalled) > 0
	s.mutex.Unlock()

	for _, fn := range notify {
		fn(now)
	}
}

// addStalled returns true when this is the first stalled stream.
func (s *StallTracker) addStalled(mediaType models.MediaType) bool {
	if mediaType == "" || slices.Contains(s.stalled, mediaType) {
		return false
	}
	s.stalled = append(s.stalled, mediaType)
	if len(s.stalled) != 1 {
		return false
	}
	s.advance()
	s.savedRate = s.rate
	s.rate = 0
	return true
}

// removeStalled returns true when the last stalled stream recovered.
func (s *StallTracker) removeStalled(mediaType models.MediaType) bool {
	i := slices.Index(s.stalled, mediaType)
	if i < 0 {
		return false
	}
	s.stalled = slices.Delete(s.stalled, i, i+1)
	if len(s.stalled) != 0 {
		return false
	}
	s.advance()
	s.rate = s.savedRate
	return true
}
